// Command reachdhtd is the process bootstrap for the reach-ranked DHT
// routing core: flag parsing, lifecycle state machine, and graceful
// shutdown, in the idiom of the teacher's Kernel (kernel/main.go) minus
// the WASM/SharedArrayBuffer machinery that has no native counterpart.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmxmxh/reachdht/internal/avgroller"
	"github.com/nmxmxh/reachdht/internal/bus"
	"github.com/nmxmxh/reachdht/internal/kademlia"
	"github.com/nmxmxh/reachdht/internal/maintenance"
	"github.com/nmxmxh/reachdht/internal/metrics"
	"github.com/nmxmxh/reachdht/internal/nodestore"
	"github.com/nmxmxh/reachdht/internal/router"
	"github.com/nmxmxh/reachdht/internal/search"
	"github.com/nmxmxh/reachdht/internal/store"
	"github.com/nmxmxh/reachdht/internal/utils"
)

// daemonState is the node's lifecycle position, mirroring the teacher's
// KernelState atomic state machine.
type daemonState int32

const (
	stateBooting daemonState = iota
	stateRunning
	stateStopping
	stateStopped
)

var stateNames = map[daemonState]string{
	stateBooting:  "BOOTING",
	stateRunning:  "RUNNING",
	stateStopping: "STOPPING",
	stateStopped:  "STOPPED",
}

// Daemon owns every long-lived component wired together for one process.
type Daemon struct {
	state atomic.Int32

	logger   *utils.Logger
	self     kademlia.ID
	nodes    *nodestore.Store
	searches *search.Store
	gmrt     *avgroller.Roller
	rtr      *router.Router
	sched    *maintenance.Scheduler
	bus      *bus.Bus
	metrics  *metrics.Metrics
	shutdown *utils.GracefulShutdown

	snapshotPath string
}

func main() {
	var (
		listenAddr   = flag.String("listen", ":6881", "bus listen address")
		snapshotPath = flag.String("snapshot", "reachdht.snapshot.br", "node-store snapshot path")
		logLevel     = flag.Int("log-level", int(utils.INFO), "log level (0=debug..4=fatal)")
	)
	flag.Parse()

	logger := utils.NewLogger(utils.LoggerConfig{
		Level:     utils.LogLevel(*logLevel),
		Component: "reachdhtd",
		Colorize:  true,
	})

	d := newDaemon(*listenAddr, *snapshotPath, logger)
	if err := d.Start(); err != nil {
		logger.Fatal("startup failed", utils.Err(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", utils.Err(err))
		os.Exit(1)
	}
}

func newDaemon(listenAddr, snapshotPath string, logger *utils.Logger) *Daemon {
	selfHex := uuid.NewString()
	self := deriveSelfID(selfHex)

	nodes := nodestore.New(self, nodestore.DefaultConfig(), logger.With("nodestore"))
	searches := search.NewStore()
	gmrt := avgroller.New()

	busCfg := bus.DefaultConfig()
	busCfg.ListenAddr = listenAddr
	b := bus.New(busCfg, logger.With("bus"))

	rtr := router.New(self, nodes, searches, gmrt, b, router.DefaultConfig(), logger.With("router"))
	b.Bind(rtr)

	sched := maintenance.New(self, nodes, rtr, gmrt, maintenance.DefaultConfig(), logger.With("maintenance"))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rtr.SetMetrics(m)

	d := &Daemon{
		logger:       logger,
		self:         self,
		nodes:        nodes,
		searches:     searches,
		gmrt:         gmrt,
		rtr:          rtr,
		sched:        sched,
		bus:          b,
		metrics:      m,
		shutdown:     utils.NewGracefulShutdown(15*time.Second, logger),
		snapshotPath: snapshotPath,
	}
	d.state.Store(int32(stateBooting))
	return d
}

// deriveSelfID turns the process's random instance uuid into a 160-bit
// keyspace identity — the core only cares about the 20 bytes, not the
// uuid's internal layout.
func deriveSelfID(instanceUUID string) kademlia.ID {
	var id kademlia.ID
	raw := []byte(instanceUUID)
	copy(id[:], raw)
	return id
}

// Start brings every component up: loads a persisted snapshot if one
// exists, opens the bus, and begins the maintenance ticker.
func (d *Daemon) Start() error {
	backend := store.FileBackend{Path: d.snapshotPath}
	if fileExists(d.snapshotPath) {
		if err := store.Load(d.nodes, backend); err != nil {
			d.logger.Warn("snapshot load failed, starting empty", utils.Err(err))
		} else {
			d.logger.Info("restored node store from snapshot", utils.Int("nodes", d.nodes.Len()))
		}
	}

	if err := d.bus.Start(); err != nil {
		return fmt.Errorf("reachdhtd: bus start: %w", err)
	}
	d.logger.Info("bus listening", utils.Any("addr", d.bus.Addr()))

	d.shutdown.Register(func() error {
		return store.Save(d.nodes, backend)
	})
	d.shutdown.Register(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.bus.Stop(ctx)
	})

	go d.maintenanceLoop()
	go d.decayLoop()

	d.state.Store(int32(stateRunning))
	d.logger.Info("reachdhtd running", utils.String("self", d.self.String()))
	return nil
}

// Stop performs graceful teardown via the registered shutdown functions.
func (d *Daemon) Stop(ctx context.Context) error {
	d.state.Store(int32(stateStopping))
	err := d.shutdown.Shutdown(ctx)
	d.state.Store(int32(stateStopped))
	return err
}

func (d *Daemon) maintenanceLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if daemonState(d.state.Load()) != stateRunning {
			return
		}
		d.sched.Tick(time.Now())
	}
}

func (d *Daemon) decayLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if daemonState(d.state.Load()) != stateRunning {
			return
		}
		d.nodes.DecayTick()
		d.metrics.NodeStoreSize.Set(float64(d.nodes.Len()))
		d.metrics.OurReach.Set(float64(d.nodes.OurReach()))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// StateName renders the daemon's current lifecycle state for logging.
func (d *Daemon) StateName() string {
	return stateNames[daemonState(d.state.Load())]
}
