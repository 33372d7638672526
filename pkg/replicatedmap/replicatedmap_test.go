package replicatedmap_test

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrcluster/pkg/kv"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/replicatedmap"
	"github.com/ryandielhenn/zephyrcluster/pkg/server/servertest"
)

func replicas(t *testing.T, c *servertest.Cluster) []*replicatedmap.Map {
	maps := make([]*replicatedmap.Map, len(c.Servers))
	for i, s := range c.Servers {
		maps[i] = replicatedmap.New(s, kv.NewStore(0), zaptest.NewLogger(t))
	}
	return maps
}

func TestPutIsVisibleOnEveryReplica(t *testing.T) {
	c := servertest.New(t, 3)
	c.Form("default")
	maps := replicas(t, c)

	require.NoError(t, maps[0].Put("foo", []byte("bar")))
	require.True(t, c.Eventually(func() bool {
		for _, m := range maps {
			if _, ok := m.Get("foo"); !ok {
				return false
			}
		}
		return true
	}, time.Minute))
	for _, m := range maps {
		v, _ := m.Get("foo")
		assert.Equal(t, "bar", string(v))
	}
}

// delivered waits until every server delivered instance n.
func delivered(t *testing.T, c *servertest.Cluster, n paxos.InstanceID) {
	t.Helper()
	require.True(t, c.Eventually(func() bool {
		for _, s := range c.Servers {
			if s.Paxos.LastDelivered() < n {
				return false
			}
		}
		return true
	}, 2*time.Minute))
}

func TestConcurrentWritesConverge(t *testing.T) {
	c := servertest.New(t, 3)
	c.Form("default")
	maps := replicas(t, c)
	joins := c.Server(0).Paxos.LastDelivered()

	for i := 0; i < 4; i++ {
		for j, m := range maps {
			require.NoError(t, m.Put("shared", []byte(fmt.Sprintf("%d-%d", j, i))))
			require.NoError(t, m.Put(fmt.Sprintf("own-%d", j), []byte("x")))
		}
	}
	delivered(t, c, joins+paxos.InstanceID(4*len(maps)*2))

	first, _ := maps[0].Get("shared")
	for _, m := range maps {
		assert.Equal(t, []string{"own-0", "own-1", "own-2", "shared"}, m.Keys())
		v, _ := m.Get("shared")
		assert.Equal(t, first, v)
	}

	require.NoError(t, maps[1].Remove("own-1"))
	delivered(t, c, joins+paxos.InstanceID(4*len(maps)*2+1))
	for _, m := range maps {
		assert.Equal(t, []string{"own-0", "own-2", "shared"}, m.Keys())
	}
}

func TestPutSyncWaitsForLocalApply(t *testing.T) {
	c := servertest.New(t, 3)
	c.Form("default")
	maps := replicas(t, c)

	done := make(chan error, 1)
	go func() { done <- maps[2].PutSync(context.Background(), "k", []byte("v")) }()

	for deadline := c.Now.Add(time.Minute); c.Now.Before(deadline); c.Tick() {
		select {
		case err := <-done:
			require.NoError(t, err)
			v, ok := maps[2].Get("k")
			assert.True(t, ok)
			assert.Equal(t, "v", string(v))
			return
		default:
			runtime.Gosched()
		}
	}
	t.Fatal("PutSync did not return")
}

func TestRemoveSyncHonoursContext(t *testing.T) {
	c := servertest.New(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// not a cluster member, so nothing is ever delivered
	maps := replicas(t, c)
	err := maps[0].RemoveSync(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
}

func TestEmptyKeyIsRejected(t *testing.T) {
	c := servertest.New(t, 1)
	maps := replicas(t, c)
	assert.ErrorIs(t, maps[0].Put("", []byte("v")), replicatedmap.ErrEmptyKey)
}
