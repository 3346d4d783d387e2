// Package bus is the reference message-bus transport: the core's external
// collaborator (b)/(c) from spec §1, carrying bencoded DHT datagrams over
// websocket connections and dispatching them into a Router. Grounded on
// the teacher's WebSocketConnection (transport/transport_native.go).
package bus

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/nmxmxh/reachdht/internal/kademlia"
	"github.com/nmxmxh/reachdht/internal/router"
	"github.com/nmxmxh/reachdht/internal/utils"
	"github.com/nmxmxh/reachdht/internal/wire"
)

// Config bundles the bus's transport tunables.
type Config struct {
	ListenAddr        string
	MaxConnections    int
	HandshakeTimeout  time.Duration
	ReadBufferSize    int
	WriteBufferSize   int
}

// DefaultConfig mirrors the teacher's Default*Config idiom.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":0",
		MaxConnections:   512,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// conn wraps an open websocket with a write lock; Bus.conns keys it by the
// peer address the core addresses it by.
type conn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
}

func (c *conn) writeJSON(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, raw)
}

// Bus is a minimal websocket-based carrier for wire.Message datagrams. It
// implements router.Sender directly and, once started, feeds every
// incoming frame into the bound Router's handlers.
type Bus struct {
	cfg      Config
	dialer   websocket.Dialer
	upgrader websocket.Upgrader
	logger   *utils.Logger

	mu    sync.Mutex
	conns map[kademlia.Address]*conn

	server   *http.Server
	listener net.Listener
	rtr      *router.Router
	shutdown *utils.GracefulShutdown
}

// New builds a Bus bound to no router yet; call Bind before Start.
func New(cfg Config, logger *utils.Logger) *Bus {
	if logger == nil {
		logger = utils.DefaultLogger("bus")
	}
	return &Bus{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:   logger,
		conns:    make(map[kademlia.Address]*conn),
		shutdown: utils.NewGracefulShutdown(10*time.Second, logger),
	}
}

// Bind attaches the Router this bus dispatches incoming messages into.
func (b *Bus) Bind(rtr *router.Router) { b.rtr = rtr }

// Start opens the listening socket, capped at MaxConnections simultaneous
// connections via golang.org/x/net/netutil — grounded on the teacher's
// connection-accounting in ConnectionStats, generalised here to a hard
// accept-side limit instead of per-connection bookkeeping.
func (b *Bus) Start() error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bus: listen: %w", err)
	}
	if b.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, b.cfg.MaxConnections)
	}
	b.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/dht", b.handleUpgrade)
	b.server = &http.Server{Handler: mux}

	b.shutdown.Register(func() error {
		return b.server.Close()
	})

	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("bus serve failed", utils.Err(err))
		}
	}()
	return nil
}

// Stop tears the bus down via its registered shutdown functions.
func (b *Bus) Stop(ctx context.Context) error {
	return b.shutdown.Shutdown(ctx)
}

// Addr returns the bound listen address, useful when ListenAddr was ":0".
func (b *Bus) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Bus) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrade failed", utils.Err(err))
		return
	}
	go b.readLoop(ws)
}

// readLoop decodes incoming frames and feeds replies into the Router.
// Queries are answered via HandleOutgoingReply and written straight back.
func (b *Bus) readLoop(ws *websocket.Conn) {
	defer ws.Close()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Unmarshal(raw)
		if err != nil {
			b.logger.Debug("dropping malformed frame", utils.Err(err))
			continue
		}

		peerAddr := remoteToAddress(ws.RemoteAddr())

		switch msg.Type {
		case wire.TypeReply:
			if b.rtr != nil {
				if err := b.rtr.HandleIncoming(msg, peerAddr, nil, time.Now()); err != nil {
					b.logger.Debug("incoming reply rejected", utils.Err(err))
				}
			}
		case wire.TypeQuery:
			if b.rtr == nil {
				continue
			}
			reply, err := b.rtr.HandleOutgoingReply(msg, peerAddr)
			if err != nil {
				b.logger.Debug("outgoing reply build failed", utils.Err(err))
				continue
			}
			out, err := wire.Marshal(reply)
			if err != nil {
				b.logger.Warn("reply marshal failed", utils.Err(err))
				continue
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, out); err != nil {
				b.logger.Debug("reply write failed", utils.Err(err))
			}
		}
	}
}

// Send implements router.Sender: encode msg and write it to the
// connection registered for addr, dialing lazily on first use.
func (b *Bus) Send(addr kademlia.Address, msg wire.Message) error {
	raw, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}

	c, err := b.connFor(addr)
	if err != nil {
		return err
	}
	return c.writeJSON(raw)
}

func (b *Bus) connFor(addr kademlia.Address) (*conn, error) {
	b.mu.Lock()
	if c, ok := b.conns[addr]; ok {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	url := fmt.Sprintf("ws://%s/dht", addr.String())
	ws, _, err := b.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", url, err)
	}

	c := &conn{ws: ws}
	b.mu.Lock()
	b.conns[addr] = c
	b.mu.Unlock()

	go b.readLoop(ws)
	return c, nil
}

func remoteToAddress(addr net.Addr) kademlia.Address {
	var out kademlia.Address
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return out
	}
	ip4 := tcp.IP.To4()
	if ip4 == nil {
		return out
	}
	copy(out[:4], ip4)
	out[4] = byte(tcp.Port >> 8)
	out[5] = byte(tcp.Port)
	return out
}
