package bus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/reachdht/internal/kademlia"
	"github.com/nmxmxh/reachdht/internal/wire"
)

func TestRemoteToAddress_TCPAddr(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 6881}
	got := remoteToAddress(addr)
	assert.Equal(t, kademlia.Address{10, 0, 0, 1, 0x1A, 0xE1}, got)
}

func TestStartStop_BindsAndClosesListener(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	b := New(cfg, nil)

	require.NoError(t, b.Start())
	require.NotNil(t, b.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, b.Stop(ctx))
}

func TestSend_DialsLazilyAndWritesQuery(t *testing.T) {
	serverCfg := DefaultConfig()
	serverCfg.ListenAddr = "127.0.0.1:0"
	server := New(serverCfg, nil)
	require.NoError(t, server.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Stop(ctx)
	}()

	tcpAddr := server.Addr().(*net.TCPAddr)
	var dest kademlia.Address
	copy(dest[:4], tcpAddr.IP.To4())
	dest[4] = byte(tcpAddr.Port >> 8)
	dest[5] = byte(tcpAddr.Port)

	client := New(DefaultConfig(), nil)
	var id kademlia.ID
	id[0] = 0x01
	msg := wire.Message{Tid: "t1", Type: wire.TypeQuery, Query: wire.QueryPing, Args: wire.Arguments{ID: id}}

	err := client.Send(dest, msg)
	require.NoError(t, err)
}
