// Package tokenring passes a single mastership token around a ring of
// servers. Each server only knows its neighbours; joiners splice themselves
// in after the server that answered their discovery request.
package tokenring

import (
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
)

const Family message.Family = "tokenring"

type MessageType string

const (
	JoinRing           MessageType = "joinRing"
	RingDiscovery      MessageType = "ringDiscovery"
	RingDiscovered     MessageType = "ringDiscovered"
	DiscoverRingFailed MessageType = "discoverRingFailed"
	NewAfter           MessageType = "newAfter"
	NewBefore          MessageType = "newBefore"
	SendToken          MessageType = "sendToken"
	BecomeMaster       MessageType = "becomeMaster"
	LeaveRing          MessageType = "leaveRing"
)

func (MessageType) Family() message.Family { return Family }
func (t MessageType) String() string     { return string(t) }

func (t MessageType) FailureMessage() message.Type {
	if t == RingDiscovery {
		return DiscoverRingFailed
	}
	return nil
}

func (t MessageType) Next() []message.Type {
	if t == RingDiscovery {
		return []message.Type{RingDiscovered}
	}
	return nil
}

func init() {
	message.Register(JoinRing, []string(nil))
	message.Register(RingDiscovery, "")
	message.Register(RingDiscovered, Neighbours{})
	message.Register(DiscoverRingFailed, "")
	message.Register(NewAfter, "")
	message.Register(NewBefore, "")
	message.Register(SendToken, nil)
	message.Register(BecomeMaster, nil)
	message.Register(LeaveRing, nil)
}

// Neighbours of one server. Both are the server itself on a one-node ring.
type Neighbours struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

type Listener interface {
	BecameMaster()
	BecameSlave()
}

type Context struct {
	me      string
	before  string
	after   string
	targets []string
	master  atomic.Bool
	logger  *zap.Logger

	listeners atomic.Pointer[[]Listener]
}

func NewContext(logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Context{logger: logger.Named("tokenring")}
	c.listeners.Store(&[]Listener{})
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

// IsMaster reports whether this server holds the token.
func (c *Context) IsMaster() bool { return c.master.Load() }

// Neighbours is only consistent when read under the dispatch lock.
func (c *Context) Neighbours() Neighbours {
	return Neighbours{Before: c.before, After: c.after}
}

func (c *Context) alone() bool {
	return c.after == "" || c.after == c.me
}

func (c *Context) becomeMaster() statemachine.State[*Context] {
	c.master.Store(true)
	c.logger.Info("became master", zap.String("me", c.me))
	c.each("becameMaster", Listener.BecameMaster)
	return master
}

func (c *Context) becomeSlave() statemachine.State[*Context] {
	c.master.Store(false)
	c.each("becameSlave", Listener.BecameSlave)
	return slave
}

// each calls f on every listener; a panicking listener is logged and skipped.
func (c *Context) each(event string, f func(Listener)) {
	for _, l := range *c.listeners.Load() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("token ring listener panicked", zap.String("event", event), zap.Any("panic", r))
				}
			}()
			f(l)
		}()
	}
}

func (c *Context) discover(out message.Holder) statemachine.State[*Context] {
	for len(c.targets) > 0 && c.targets[0] == c.me {
		c.targets = c.targets[1:]
	}
	if len(c.targets) == 0 {
		c.before, c.after = c.me, c.me
		return c.becomeMaster()
	}
	target := c.targets[0]
	c.targets = c.targets[1:]
	out.Offer(message.To(RingDiscovery, target, c.me))
	return initial
}

type state uint8

const (
	start state = iota
	initial
	master
	slave
)

func (s state) String() string {
	return [...]string{"start", "initial", "master", "slave"}[s]
}

func (s state) Handle(c *Context, m *message.Message, out message.Holder) (statemachine.State[*Context], error) {
	switch s {
	case start:
		if m.Type() == JoinRing {
			targets, _ := m.Payload().([]string)
			c.targets = slices.Clone(targets)
			return c.discover(out), nil
		}
	case initial:
		switch m.Type() {
		case RingDiscovered:
			n, _ := m.Payload().(Neighbours)
			responder := m.Header(message.HeaderFrom)
			c.before = responder
			c.after = n.After
			if c.after == "" || c.after == c.me {
				c.after = responder
			}
			out.Offer(message.To(NewAfter, c.before, c.me))
			out.Offer(message.To(NewBefore, c.after, c.me))
			return c.becomeSlave(), nil
		case DiscoverRingFailed:
			return c.discover(out), nil
		}
	case master, slave:
		switch m.Type() {
		case RingDiscovery:
			after := c.after
			if c.alone() {
				after = c.me
			}
			out.Offer(message.Respond(RingDiscovered, m, Neighbours{Before: c.before, After: after}))
		case NewAfter:
			c.after, _ = m.Payload().(string)
		case NewBefore:
			c.before, _ = m.Payload().(string)
		case SendToken:
			if s != master || c.alone() {
				return s, nil
			}
			out.Offer(message.To(BecomeMaster, c.after, nil))
			return c.becomeSlave(), nil
		case BecomeMaster:
			if s == master {
				return s, nil
			}
			return c.becomeMaster(), nil
		case LeaveRing:
			if !c.alone() {
				out.Offer(message.To(NewAfter, c.before, c.after))
				out.Offer(message.To(NewBefore, c.after, c.before))
				if s == master {
					out.Offer(message.To(BecomeMaster, c.after, nil))
				}
			}
			c.before, c.after = "", ""
			c.master.Store(false)
			return start, nil
		}
	}
	return s, nil
}

func NewStateMachine(c *Context, logger *zap.Logger) *statemachine.StateMachine[*Context] {
	return statemachine.New[*Context](Family, c, start, logger)
}

type Client struct {
	caller  statemachine.Caller
	context *Context
}

func NewClient(caller statemachine.Caller, c *Context) *Client {
	return &Client{caller: caller, context: c}
}

// JoinRing splices this server into the ring reachable through uris, or
// starts a new ring when none answers.
func (c *Client) JoinRing(uris ...string) { c.caller.Send(JoinRing, uris) }

func (c *Client) SendToken() { c.caller.Send(SendToken, nil) }

func (c *Client) LeaveRing() { c.caller.Send(LeaveRing, nil) }

func (c *Client) AddListener(l Listener) { c.context.AddListener(l) }

func (c *Client) IsMaster() bool { return c.context.IsMaster() }
