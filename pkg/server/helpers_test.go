package server_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcluster/pkg/server"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

func transportCodec() transport.MemoryOption { return transport.WithCodec() }

type tokenRingNet struct {
	t       *testing.T
	network *transport.MemoryNetwork
	servers []*server.TokenRingServer
}

func newTokenRingNet(t *testing.T, n int) *tokenRingNet {
	net := &tokenRingNet{t: t, network: transport.NewMemoryNetwork()}
	for i := 0; i < n; i++ {
		addr := []string{"a", "b", "c", "d", "e"}[i]
		s := server.NewTokenRingServer(net.network.Sender(addr), server.Timeouts{}, nil)
		net.network.Register(addr, s)
		s.ListeningAt(addr)
		net.servers = append(net.servers, s)
	}
	return net
}

func (n *tokenRingNet) settle() {
	for i := 0; i < 1000 && n.network.Pending() > 0; i++ {
		_, err := n.network.Deliver()
		require.NoError(n.t, err)
	}
	require.Zero(n.t, n.network.Pending())
}
