// Package cluster maintains group membership. A server either creates a
// one-node cluster or joins an existing one by fetching its configuration
// and proposing itself as a new member through paxos; every configuration
// change is agreed through atomic broadcast and applied in order.
package cluster

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/heartbeat"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
	"github.com/ryandielhenn/zephyrcluster/pkg/timeout"
)

const (
	joinKey  = "cluster/join"
	leaveKey = "cluster/leave"

	DefaultName = "default"
)

// InstanceView reports the delivered prefix of the paxos log.
type InstanceView interface {
	LastDelivered() paxos.InstanceID
}

type Listener interface {
	EnteredCluster(cfg *membership.Configuration)
	JoinedCluster(uri string)
	LeftCluster(uri string)
	Elected(role, uri string)
	Unelected(role, uri string)
}

// Adapter is a Listener that ignores everything; embed it to implement only
// some callbacks.
type Adapter struct{}

func (Adapter) EnteredCluster(*membership.Configuration) {}
func (Adapter) JoinedCluster(string)                     {}
func (Adapter) LeftCluster(string)                       {}
func (Adapter) Elected(string, string)                   {}
func (Adapter) Unelected(string, string)                 {}

// Hook runs inside dispatch after a configuration change was applied.
type Hook func(cfg *membership.Configuration, change Change, out message.Holder)

type Context struct {
	me       string
	config   *membership.Holder
	timeouts *timeout.Timeouts
	paxos    InstanceView
	logger   *zap.Logger

	target           string
	targets          []string
	tried            []string
	joinConversation string
	// joinBase is the configuration a joiner will enter with: the
	// responder's snapshot plus every change delivered since.
	joinBase *membership.Configuration

	listeners atomic.Pointer[[]Listener]
	hooks     atomic.Pointer[[]Hook]
}

func NewContext(config *membership.Holder, timeouts *timeout.Timeouts, paxos InstanceView, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Context{
		config:   config,
		timeouts: timeouts,
		paxos:    paxos,
		logger:   logger.Named("cluster"),
	}
	c.listeners.Store(&[]Listener{})
	c.hooks.Store(&[]Hook{})
	return c
}

func (c *Context) Bind(me string) { c.me = me }

func (c *Context) Configuration() *membership.Configuration { return c.config.Get() }

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

func (c *Context) each(f func(Listener)) {
	for _, l := range *c.listeners.Load() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("cluster listener panicked", zap.Any("panic", r))
				}
			}()
			f(l)
		}()
	}
}

func (c *Context) joinRoles(seed paxos.Seed, out message.Holder) {
	out.Offer(message.Internal(paxos.AcceptorJoin, seed))
	out.Offer(message.Internal(paxos.LearnerJoin, seed))
	out.Offer(message.Internal(paxos.ProposerJoin, seed))
	out.Offer(message.Internal(paxos.BroadcastJoin, seed))
}

func (c *Context) leaveRoles(out message.Holder) {
	out.Offer(message.Internal(heartbeat.Leave, nil))
	out.Offer(message.Internal(paxos.BroadcastLeave, nil))
	out.Offer(message.Internal(paxos.ProposerLeave, nil))
	out.Offer(message.Internal(paxos.LearnerLeave, nil))
	out.Offer(message.Internal(paxos.AcceptorLeave, nil))
}

func (c *Context) response() ConfigurationResponseValue {
	cfg := c.config.Get()
	r := ConfigurationResponseValue{
		Name:    cfg.Name(),
		Members: cfg.Members(),
		Roles:   cfg.Roles(),
	}
	if c.paxos != nil {
		r.LatestInstance = c.paxos.LastDelivered()
	}
	return r
}

// entered publishes cfg as the agreed configuration of a server that just
// became a member.
func (c *Context) entered(cfg *membership.Configuration, change Change, out message.Holder) {
	c.config.Set(cfg)
	out.Offer(message.Internal(heartbeat.Join, nil))
	c.logger.Info("entered cluster", zap.String("me", c.me), zap.Strings("members", cfg.Members()))
	c.each(func(l Listener) { l.EnteredCluster(cfg) })
	c.runHooks(cfg, change, out)
}

func (c *Context) runHooks(cfg *membership.Configuration, change Change, out message.Holder) {
	for _, h := range *c.hooks.Load() {
		h(cfg, change, out)
	}
}

func (c *Context) joinResponse() *message.Message {
	return message.Internal(JoinResponse, c.response()).
		SetHeader(message.HeaderConversationID, c.joinConversation)
}

// requestConfiguration asks the next join target for its configuration.
func (c *Context) requestConfiguration(out message.Holder) statemachine.State[*Context] {
	for len(c.targets) > 0 && c.targets[0] == c.me {
		c.targets = c.targets[1:]
	}
	if len(c.targets) == 0 {
		c.logger.Warn("join failed", zap.String("me", c.me), zap.Strings("tried", c.tried))
		out.Offer(message.Internal(JoinFailure, &JoinError{Targets: slices.Clone(c.tried)}).
			SetHeader(message.HeaderConversationID, c.joinConversation))
		c.target = ""
		return start
	}
	c.target = c.targets[0]
	c.targets = c.targets[1:]
	c.tried = append(c.tried, c.target)
	out.Offer(message.To(ConfigurationRequest, c.target, ConfigurationRequestValue{Joiner: c.me}))
	return acquiringConfiguration
}

// fold applies one agreed change to cfg and returns the listener calls it
// causes.
func fold(cfg *membership.Configuration, change Change) (*membership.Configuration, []func(Listener)) {
	var notify []func(Listener)
	switch {
	case change.Join != "":
		if !cfg.Contains(change.Join) {
			cfg = cfg.Joined(change.Join)
			notify = append(notify, func(l Listener) { l.JoinedCluster(change.Join) })
		}
	case change.Leave != "":
		if cfg.Contains(change.Leave) {
			for _, role := range cfg.RolesOf(change.Leave) {
				notify = append(notify, func(l Listener) { l.Unelected(role, change.Leave) })
			}
			cfg = cfg.Left(change.Leave)
			notify = append(notify, func(l Listener) { l.LeftCluster(change.Leave) })
		}
	case change.Unelected:
		if holder := cfg.Elected(change.Role); holder != "" {
			cfg = cfg.WithUnelected(change.Role)
			notify = append(notify, func(l Listener) { l.Unelected(change.Role, holder) })
		}
	case change.Role != "":
		if cfg.Contains(change.Elected) && cfg.Elected(change.Role) != change.Elected {
			cfg = cfg.WithElected(change.Role, change.Elected)
			notify = append(notify, func(l Listener) { l.Elected(change.Role, change.Elected) })
		}
	}
	return cfg, notify
}

// apply folds an agreed change into the configuration of a member.
func (c *Context) apply(change Change, out message.Holder) {
	var notify []func(Listener)
	cfg := c.config.Update(func(cur *membership.Configuration) *membership.Configuration {
		next, n := fold(cur, change)
		notify = n
		return next
	})
	c.logger.Debug("configuration changed", zap.String("me", c.me), zap.Stringer("change", change), zap.Strings("members", cfg.Members()))
	for _, n := range notify {
		c.each(n)
	}
	out.Offer(message.Internal(heartbeat.Join, nil))
	c.runHooks(cfg, change, out)
}

func (c *Context) finishLeave(out message.Holder) statemachine.State[*Context] {
	c.timeouts.CancelTimeout(leaveKey)
	c.leaveRoles(out)
	c.config.Set(membership.Empty())
	c.logger.Info("left cluster", zap.String("me", c.me))
	c.each(func(l Listener) { l.LeftCluster(c.me) })
	return start
}

func decodeChanged(m *message.Message) (Change, error) {
	p, ok := m.Payload().(paxos.Payload)
	if !ok {
		return Change{}, errors.Errorf("unexpected payload %T for %s", m.Payload(), m.Type())
	}
	return DecodeChange(p)
}

type state uint8

const (
	start state = iota
	acquiringConfiguration
	joining
	joined
	leaving
)

func (s state) String() string {
	return [...]string{"start", "acquiringConfiguration", "joining", "joined", "leaving"}[s]
}

func (s state) Handle(c *Context, m *message.Message, out message.Holder) (statemachine.State[*Context], error) {
	switch s {
	case start:
		switch m.Type() {
		case Create:
			name, _ := m.Payload().(string)
			if name == "" {
				name = DefaultName
			}
			c.joinRoles(paxos.Seed{}, out)
			c.entered(membership.New(name, []string{c.me}, nil), Change{Name: name, Join: c.me}, out)
			return joined, nil
		case Join:
			targets, _ := m.Payload().([]string)
			c.targets = slices.Clone(targets)
			c.tried = nil
			c.joinConversation = m.Header(message.HeaderConversationID)
			return c.requestConfiguration(out), nil
		}

	case acquiringConfiguration:
		switch m.Type() {
		case ConfigurationResponse:
			if m.Header(message.HeaderFrom) != c.target {
				return s, nil
			}
			r, ok := m.Payload().(ConfigurationResponseValue)
			if !ok {
				return s, errors.Errorf("unexpected payload %T for %s", m.Payload(), m.Type())
			}
			c.joinRoles(paxos.Seed{Instance: r.LatestInstance}, out)
			if slices.Contains(r.Members, c.me) {
				cfg := membership.New(r.Name, r.Members, r.Roles)
				c.entered(cfg, Change{Name: r.Name, Members: r.Members, Roles: r.Roles}, out)
				out.Offer(c.joinResponse())
				return joined, nil
			}
			c.joinBase = membership.New(r.Name, r.Members, r.Roles)
			change := Change{
				Name:    r.Name,
				Join:    c.me,
				Members: append(slices.Clone(r.Members), c.me),
				Roles:   r.Roles,
			}
			p, err := change.Payload(c.joinConversation+"join/"+c.me, c.me)
			if err != nil {
				return s, err
			}
			out.Offer(message.To(paxos.Propose, c.target, p))
			c.timeouts.SetTimeout(joinKey, message.Timeout(ConfigurationTimeout, m, c.target))
			return joining, nil
		case ConfigurationTimeout:
			if m.Header(message.HeaderFrom) != c.target {
				return s, nil
			}
			return c.requestConfiguration(out), nil
		}

	case joining:
		switch m.Type() {
		case ConfigurationChanged:
			change, err := decodeChanged(m)
			if err != nil {
				return s, err
			}
			if change.Join != c.me {
				// agreed before our own join, e.g. another joiner
				c.joinBase, _ = fold(c.joinBase, change)
				return s, nil
			}
			c.timeouts.CancelTimeout(joinKey)
			cfg := c.joinBase.Joined(c.me)
			c.joinBase = nil
			c.entered(cfg, change, out)
			out.Offer(c.joinResponse())
			return joined, nil
		case ConfigurationTimeout:
			if target, _ := m.Payload().(string); target != c.target {
				return s, nil
			}
			next := c.requestConfiguration(out)
			if next == start {
				c.leaveRoles(out)
			}
			return next, nil
		}

	case joined:
		switch m.Type() {
		case ConfigurationChanged:
			change, err := decodeChanged(m)
			if err != nil {
				return s, err
			}
			c.apply(change, out)
			if change.Leave == c.me {
				return c.finishLeave(out), nil
			}
		case ConfigurationRequest:
			out.Offer(message.Respond(ConfigurationResponse, m, c.response()))
		case Join:
			out.Offer(message.Internal(JoinResponse, c.response()))
		case Leave:
			p, err := Change{Leave: c.me}.Payload(m.Header(message.HeaderConversationID) + "leave/" + c.me)
			if err != nil {
				return s, err
			}
			out.Offer(message.Internal(paxos.Broadcast, p))
			c.timeouts.SetTimeout(leaveKey, message.Timeout(LeaveTimedout, m, nil))
			return leaving, nil
		}

	case leaving:
		switch m.Type() {
		case ConfigurationChanged:
			change, err := decodeChanged(m)
			if err != nil {
				return s, err
			}
			c.apply(change, out)
			if change.Leave == c.me {
				return c.finishLeave(out), nil
			}
		case LeaveTimedout:
			return c.finishLeave(out), nil
		}
	}
	return s, nil
}

func NewStateMachine(c *Context, logger *zap.Logger) *statemachine.StateMachine[*Context] {
	return statemachine.New[*Context](Family, c, start, logger)
}

// Client is the membership surface of one server.
type Client struct {
	caller  statemachine.Caller
	context *Context
}

func NewClient(caller statemachine.Caller, c *Context) *Client {
	return &Client{caller: caller, context: c}
}

// Create makes this server the single member of a new cluster.
func (c *Client) Create(name string) { c.caller.Send(Create, name) }

// Join asks each of uris in turn to let this server in and blocks until the
// cluster agreed on the new configuration or every target failed.
func (c *Client) Join(ctx context.Context, uris ...string) (*membership.Configuration, error) {
	v, err := c.caller.Call(ctx, Join, uris)
	if err != nil {
		return nil, err
	}
	r, ok := v.(ConfigurationResponseValue)
	if !ok {
		return nil, errors.Errorf("unexpected join reply %T", v)
	}
	return membership.New(r.Name, r.Members, r.Roles), nil
}

func (c *Client) Leave() { c.caller.Send(Leave, nil) }

func (c *Client) AddListener(l Listener) { c.context.AddListener(l) }

func (c *Client) Configuration() *membership.Configuration { return c.context.Configuration() }
