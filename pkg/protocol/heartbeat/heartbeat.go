// Package heartbeat is a fixed-timeout failure detector. Every member
// broadcasts iAmAlive periodically; a peer that stays silent past its
// timeout is reported failed once, and alive once when it is heard again.
package heartbeat

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
	"github.com/ryandielhenn/zephyrcluster/pkg/timeout"
)

const Family message.Family = "heartbeat"

type MessageType string

const (
	Join          MessageType = "join"
	Leave         MessageType = "leave"
	IAmAlive      MessageType = "iAmAlive"
	TimedOut      MessageType = "timedOut"
	SendHeartbeat MessageType = "sendHeartbeat"
)

func (MessageType) Family() message.Family { return Family }
func (t MessageType) String() string     { return string(t) }

func init() {
	message.Register(Join, nil)
	message.Register(Leave, nil)
	message.Register(IAmAlive, Alive{})
	message.Register(TimedOut, "")
	message.Register(SendHeartbeat, nil)
}

// Alive is the iAmAlive payload.
type Alive struct {
	Server string `json:"server"`
}

type Event uint8

const (
	Failed Event = iota
	Recovered
)

func (e Event) String() string {
	if e == Failed {
		return "failed"
	}
	return "alive"
}

type Listener interface {
	Failed(uri string)
	Alive(uri string)
}

// Hook runs inside dispatch when a peer fails or recovers. Messages offered to
// out are routed like any other emitted message.
type Hook func(e Event, uri string, out message.Holder)

type Context struct {
	me       string
	config   *membership.Holder
	timeouts *timeout.Timeouts
	logger   *zap.Logger

	// armed peers; only touched during dispatch
	armed map[string]struct{}

	mu     sync.RWMutex
	failed map[string]struct{}

	listeners atomic.Pointer[[]Listener]
	hooks     atomic.Pointer[[]Hook]
}

func NewContext(config *membership.Holder, timeouts *timeout.Timeouts, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Context{
		config:   config,
		timeouts: timeouts,
		logger:   logger.Named("heartbeat"),
		armed:    make(map[string]struct{}),
		failed:   make(map[string]struct{}),
	}
	c.listeners.Store(&[]Listener{})
	c.hooks.Store(&[]Hook{})
	return c
}

func (c *Context) Bind(me string) { c.me = me }

func (c *Context) AddListener(l Listener) {
	for {
		cur := c.listeners.Load()
		next := append(slices.Clone(*cur), l)
		if c.listeners.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func (c *Context) AddHook(h Hook) {
	for {
		cur := c.hooks.Load()
		next := append(slices.Clone(*cur), h)
		if c.hooks.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// IsFailed reports whether uri is currently suspected.
func (c *Context) IsFailed(uri string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.failed[uri]
	return ok
}

// Failed returns the suspected peers, sorted.
func (c *Context) Failed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.failed))
	for uri := range c.failed {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

func timedOutKey(uri string) string { return "heartbeat/timedOut/" + uri }

const sendKey = "heartbeat/send"

func (c *Context) arm(trigger *message.Message, uri string) {
	c.armed[uri] = struct{}{}
	c.timeouts.SetTimeout(timedOutKey(uri), message.Timeout(TimedOut, trigger, uri))
}

func (c *Context) disarm(uri string) {
	delete(c.armed, uri)
	c.timeouts.CancelTimeout(timedOutKey(uri))
	c.mu.Lock()
	delete(c.failed, uri)
	c.mu.Unlock()
}

// sync arms every other member and disarms peers that left.
func (c *Context) sync(trigger *message.Message) {
	cfg := c.config.Get()
	for _, uri := range cfg.Others(c.me) {
		if _, ok := c.armed[uri]; !ok {
			c.arm(trigger, uri)
		}
	}
	for uri := range c.armed {
		if !cfg.Contains(uri) || uri == c.me {
			c.disarm(uri)
		}
	}
}

func (c *Context) heartbeat(trigger *message.Message, out message.Holder) {
	if c.config.Get().Size() > 1 {
		out.Offer(message.To(IAmAlive, message.Broadcast, Alive{Server: c.me}))
	}
	c.timeouts.SetTimeout(sendKey, message.Timeout(SendHeartbeat, trigger, nil))
}

func (c *Context) reset() {
	for uri := range c.armed {
		c.disarm(uri)
	}
	c.timeouts.CancelTimeout(sendKey)
	c.mu.Lock()
	clear(c.failed)
	c.mu.Unlock()
}

func (c *Context) markFailed(uri string, out message.Holder) {
	c.mu.Lock()
	_, already := c.failed[uri]
	c.failed[uri] = struct{}{}
	c.mu.Unlock()
	if already {
		return
	}
	c.logger.Info("peer suspected", zap.String("me", c.me), zap.String("peer", uri))
	c.notify(Failed, uri, out)
}

func (c *Context) markAlive(uri string, out message.Holder) {
	c.mu.Lock()
	_, was := c.failed[uri]
	delete(c.failed, uri)
	c.mu.Unlock()
	if !was {
		return
	}
	c.logger.Info("peer recovered", zap.String("me", c.me), zap.String("peer", uri))
	c.notify(Recovered, uri, out)
}

// notify runs every listener, then every hook. One panicking callback does
// not keep the rest from hearing about e.
func (c *Context) notify(e Event, uri string, out message.Holder) {
	for _, l := range *c.listeners.Load() {
		c.guard(e, func() {
			if e == Failed {
				l.Failed(uri)
			} else {
				l.Alive(uri)
			}
		})
	}
	for _, h := range *c.hooks.Load() {
		c.guard(e, func() { h(e, uri, out) })
	}
}

func (c *Context) guard(e Event, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("heartbeat listener panicked", zap.Stringer("event", e), zap.Any("panic", r))
		}
	}()
	f()
}

type state uint8

const (
	start state = iota
	running
)

func (s state) String() string {
	switch s {
	case start:
		return "start"
	case running:
		return "running"
	}
	return "unknown"
}

func (s state) Handle(c *Context, m *message.Message, out message.Holder) (statemachine.State[*Context], error) {
	switch s {
	case start:
		if m.Type() == Join {
			c.sync(m)
			c.heartbeat(m, out)
			return running, nil
		}
	case running:
		switch m.Type() {
		case Join:
			c.sync(m)
		case Leave:
			c.reset()
			return start, nil
		case IAmAlive:
			uri := m.Header(message.HeaderFrom)
			if alive, ok := m.Payload().(Alive); ok && alive.Server != "" {
				uri = alive.Server
			}
			if _, ok := c.armed[uri]; !ok {
				return s, nil
			}
			c.arm(m, uri)
			c.markAlive(uri, out)
		case TimedOut:
			uri, _ := m.Payload().(string)
			if _, ok := c.armed[uri]; !ok {
				return s, nil
			}
			c.arm(m, uri)
			c.markFailed(uri, out)
		case SendHeartbeat:
			c.heartbeat(m, out)
		}
	}
	return s, nil
}

func NewStateMachine(c *Context, logger *zap.Logger) *statemachine.StateMachine[*Context] {
	return statemachine.New[*Context](Family, c, start, logger)
}

// Client drives the heartbeat machine of one server.
type Client struct {
	caller statemachine.Caller
}

func NewClient(caller statemachine.Caller) *Client {
	return &Client{caller: caller}
}

// Join starts (or re-syncs) monitoring of the current configuration.
func (c *Client) Join() { c.caller.Send(Join, nil) }

func (c *Client) Leave() { c.caller.Send(Leave, nil) }
