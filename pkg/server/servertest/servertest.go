// Package servertest runs several paxos servers on an in-memory network with
// a manual clock. Time only moves when a test ticks it.
package servertest

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/server"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// DefaultStep is how far one Tick moves the clock.
const DefaultStep = 100 * time.Millisecond

// maxRounds bounds the delivery rounds of one Settle.
const maxRounds = 10000

type config struct {
	ring    bool
	options server.Options
	step    time.Duration
	network []transport.MemoryOption
	level   zap.AtomicLevel
}

type Option func(*config)

// WithRingPaxos builds ring paxos servers instead of multi-paxos ones.
func WithRingPaxos() Option {
	return func(c *config) { c.ring = true }
}

func WithAllowedFailures(f int) Option {
	return func(c *config) { c.options.AllowedFailures = f }
}

func WithRoles(roles ...string) Option {
	return func(c *config) { c.options.Roles = roles }
}

func WithTimeouts(t server.Timeouts) Option {
	return func(c *config) { c.options.Timeouts = t }
}

func WithStep(d time.Duration) Option {
	return func(c *config) { c.step = d }
}

func WithNetwork(opts ...transport.MemoryOption) Option {
	return func(c *config) { c.network = append(c.network, opts...) }
}

// Cluster is a set of servers named server1..serverN.
type Cluster struct {
	t       testing.TB
	Network *transport.MemoryNetwork
	Servers []*server.PaxosServer
	Now     time.Time
	Step    time.Duration
}

// New starts n servers. None of them is a cluster member yet.
func New(t testing.TB, n int, opts ...Option) *Cluster {
	cfg := config{
		options: server.Options{AllowedFailures: 1},
		step:    DefaultStep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Cluster{
		t:       t,
		Network: transport.NewMemoryNetwork(cfg.network...),
		Now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:    cfg.step,
	}
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	for i := 0; i < n; i++ {
		addr := Addr(i)
		o := cfg.options
		o.ServerID = i + 1
		var s *server.PaxosServer
		if cfg.ring {
			s = server.NewRingPaxosServer(c.Network.Sender(addr), o, logger.With(zap.String("server", addr)))
		} else {
			s = server.NewMultiPaxosServer(c.Network.Sender(addr), o, logger.With(zap.String("server", addr)))
		}
		c.Network.Register(addr, s)
		s.ListeningAt(addr)
		s.Tick(c.Now)
		c.Servers = append(c.Servers, s)
	}
	return c
}

// Addr is the address of the i-th server (zero based).
func Addr(i int) string { return fmt.Sprintf("server%d", i+1) }

func (c *Cluster) Server(i int) *server.PaxosServer { return c.Servers[i] }

// Settle delivers messages until the network is quiet. The clock does not
// move.
func (c *Cluster) Settle() {
	c.t.Helper()
	for round := 0; round < maxRounds; round++ {
		if _, err := c.Network.Deliver(); err != nil {
			c.t.Fatalf("deliver: %v", err)
		}
		if c.Network.Pending() == 0 {
			return
		}
	}
	c.t.Fatalf("network still busy after %d rounds", maxRounds)
}

// Tick moves the clock one step on every server, then settles.
func (c *Cluster) Tick() {
	c.t.Helper()
	c.Now = c.Now.Add(c.Step)
	for _, s := range c.Servers {
		s.Tick(c.Now)
	}
	c.Settle()
}

// Advance ticks until d has elapsed.
func (c *Cluster) Advance(d time.Duration) {
	c.t.Helper()
	for end := c.Now.Add(d); c.Now.Before(end); {
		c.Tick()
	}
}

// Eventually ticks until cond holds or within has elapsed, and reports
// whether cond held.
func (c *Cluster) Eventually(cond func() bool, within time.Duration) bool {
	c.t.Helper()
	c.Settle()
	for end := c.Now.Add(within); ; c.Tick() {
		if cond() {
			return true
		}
		if !c.Now.Before(end) {
			return false
		}
	}
}

// Create makes server i the first member of cluster name.
func (c *Cluster) Create(i int, name string) {
	c.t.Helper()
	c.Servers[i].Cluster.Create(name)
	c.Settle()
}

// Join has server i join through targets, ticking the clock while the call
// is outstanding.
func (c *Cluster) Join(i int, targets ...string) (*membership.Configuration, error) {
	c.t.Helper()
	type result struct {
		cfg *membership.Configuration
		err error
	}
	done := make(chan result, 1)
	s := c.Servers[i]
	go func() {
		cfg, err := s.Cluster.Join(context.Background(), targets...)
		done <- result{cfg, err}
	}()

	limit := c.Now.Add(time.Minute)
	injected := false
	for {
		select {
		case r := <-done:
			c.Settle()
			return r.cfg, r.err
		default:
		}
		if s.PendingCalls() == 0 {
			if injected {
				// answered: the reply is already in the caller's channel
				r := <-done
				c.Settle()
				return r.cfg, r.err
			}
			runtime.Gosched()
			continue
		}
		injected = true
		if !c.Now.Before(limit) {
			c.t.Fatalf("%s: join did not finish", Addr(i))
		}
		c.Tick()
	}
}

// JoinAll starts joins of every server in idx through targets at once and
// ticks until all of them returned.
func (c *Cluster) JoinAll(idx []int, targets ...string) []error {
	c.t.Helper()
	type result struct {
		i   int
		err error
	}
	done := make(chan result, len(idx))
	for n, i := range idx {
		n, s := n, c.Servers[i]
		go func() {
			_, err := s.Cluster.Join(context.Background(), targets...)
			done <- result{n, err}
		}()
	}

	errs := make([]error, len(idx))
	limit := c.Now.Add(2 * time.Minute)
	for left := len(idx); left > 0; {
		select {
		case r := <-done:
			errs[r.i] = r.err
			left--
			continue
		default:
		}
		if !c.Now.Before(limit) {
			c.t.Fatalf("%d joins did not finish", left)
		}
		runtime.Gosched()
		c.Tick()
	}
	c.Settle()
	return errs
}

// Form creates a cluster on server 0 and joins every other server through
// it, in order.
func (c *Cluster) Form(name string) {
	c.t.Helper()
	c.Create(0, name)
	for i := 1; i < len(c.Servers); i++ {
		if _, err := c.Join(i, Addr(0)); err != nil {
			c.t.Fatalf("%s: join: %v", Addr(i), err)
		}
	}
}
