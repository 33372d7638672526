// Package server assembles protocol state machines into a running server:
// one dispatch lock, a timeout clock, reply expectations, a conversation
// proxy for blocking clients and a transport for addressed messages.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
	"github.com/ryandielhenn/zephyrcluster/pkg/timeout"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// Binder is implemented by protocol contexts that need the server's address.
type Binder interface {
	Bind(me string)
}

// ProtocolServer runs a set of state machines for one participant.
type ProtocolServer struct {
	sender        transport.Sender
	config        *membership.Holder
	timeouts      *timeout.Timeouts
	conversations *statemachine.Conversations
	machines      *statemachine.StateMachines
	expectations  *statemachine.Expectations
	proxy         *statemachine.Proxy
	logger        *zap.Logger

	mu       sync.Mutex
	binders  []Binder
	bindings []func(uri string)
	family   map[message.Family]statemachine.Machine
}

// New builds an empty server. Broadcasts go to the members of config other
// than this server.
func New(sender transport.Sender, config *membership.Holder, t Timeouts, logger *zap.Logger) *ProtocolServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = membership.NewHolder()
	}
	t = t.WithDefaults()
	s := &ProtocolServer{
		sender:        sender,
		config:        config,
		timeouts:      timeout.New(t.Strategy()),
		conversations: statemachine.NewConversations(""),
		logger:        logger,
		family:        make(map[message.Family]statemachine.Machine),
	}
	s.machines = statemachine.NewStateMachines(s.timeouts, s.conversations, message.ProcessorFunc(s.send), logger)
	s.expectations = statemachine.NewExpectations(t.Expectation, message.ProcessorFunc(func(m *message.Message) bool {
		telemetry.ExpectationFailures.WithLabelValues(m.Type().String()).Inc()
		return s.Process(m)
	}), logger)
	s.proxy = statemachine.NewProxy(s.conversations, s)

	s.machines.AddIncomingProcessor(message.ProcessorFunc(func(m *message.Message) bool {
		telemetry.MessagesProcessed.WithLabelValues(string(m.Type().Family()), m.Type().String()).Inc()
		return true
	}))
	s.machines.AddIncomingProcessor(s.expectations.Incoming())
	s.machines.AddIncomingProcessor(s.proxy)

	s.machines.AddOutgoingProcessor(message.ProcessorFunc(s.stampFrom))
	s.machines.AddOutgoingProcessor(message.ProcessorFunc(s.loopback))
	s.machines.AddOutgoingProcessor(s.expectations.Outgoing())
	s.machines.AddOutgoingProcessor(s.proxy)
	s.machines.AddOutgoingProcessor(message.ProcessorFunc(observeDelivery))
	return s
}

// AddMachine registers m, replacing the machine of the same family. Contexts
// that implement Binder receive the address from ListeningAt.
func (s *ProtocolServer) AddMachine(m statemachine.Machine, contexts ...any) {
	s.machines.Add(m)
	m.AddTransitionListener(statemachine.TransitionListenerFunc(s.transition))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.family[m.Family()] = m
	for _, c := range contexts {
		if b, ok := c.(Binder); ok {
			s.binders = append(s.binders, b)
		}
	}
}

// AddBindingListener is told the address once the server listens.
func (s *ProtocolServer) AddBindingListener(f func(uri string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, f)
}

// ListeningAt binds the server's identity. Call it before any message is
// processed.
func (s *ProtocolServer) ListeningAt(uri string) {
	s.conversations.Bind(uri)
	s.mu.Lock()
	binders := append([]Binder(nil), s.binders...)
	bindings := append([]func(string){}, s.bindings...)
	s.mu.Unlock()

	for _, b := range binders {
		b.Bind(uri)
	}
	s.logger.Info("listening", zap.String("me", uri))
	for _, f := range bindings {
		f(uri)
	}
}

// Me is the address passed to ListeningAt.
func (s *ProtocolServer) Me() string { return s.conversations.Me() }

func (s *ProtocolServer) Caller() statemachine.Caller { return s.proxy }

// PendingCalls is the number of client calls waiting for a reply.
func (s *ProtocolServer) PendingCalls() int { return s.proxy.Pending() }

func (s *ProtocolServer) Configuration() *membership.Configuration { return s.config.Get() }

func (s *ProtocolServer) Timeouts() *timeout.Timeouts { return s.timeouts }

// States reports the current state of every machine, by family.
func (s *ProtocolServer) States() map[message.Family]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[message.Family]string, len(s.family))
	for f, m := range s.family {
		out[f] = m.State()
	}
	return out
}

// Process handles a message arriving from the network or a local client.
func (s *ProtocolServer) Process(m *message.Message) bool {
	return s.machines.Process(m)
}

// Tick advances the server clock: expired timeouts fire under the dispatch
// lock, then unanswered requests fail.
func (s *ProtocolServer) Tick(now time.Time) {
	s.machines.Tick(now)
	s.expectations.Tick(now)
}

// Run ticks on wall time until ctx is done.
func (s *ProtocolServer) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.Tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

func (s *ProtocolServer) stampFrom(m *message.Message) bool {
	if !m.IsInternal() {
		m.SetHeader(message.HeaderFrom, s.Me())
	}
	return true
}

// loopback turns messages addressed to this server into internal ones, so
// they are handled in the same dispatch instead of crossing the network.
func (s *ProtocolServer) loopback(m *message.Message) bool {
	if !m.IsInternal() && m.Header(message.HeaderTo) == s.Me() {
		m.RemoveHeader(message.HeaderTo)
	}
	return true
}

func (s *ProtocolServer) send(m *message.Message) bool {
	to := m.Header(message.HeaderTo)
	switch to {
	case "":
		s.logger.Warn("dropping message without destination", zap.Stringer("message", m))
		return false
	case message.Broadcast:
		if err := s.broadcast(m); err != nil {
			s.logger.Warn("broadcast incomplete",
				zap.Stringer("type", m.Type()),
				zap.Int("failed", len(multierr.Errors(err))),
				zap.Error(err))
		}
		return true
	}
	if err := s.sendTo(to, m); err != nil {
		s.logger.Warn("send failed", zap.String("to", to), zap.Stringer("type", m.Type()), zap.Error(err))
	}
	return true
}

func (s *ProtocolServer) broadcast(m *message.Message) error {
	var errs error
	for _, uri := range s.config.Get().Others(s.Me()) {
		errs = multierr.Append(errs, s.sendTo(uri, m.Clone().SetHeader(message.HeaderTo, uri)))
	}
	return errs
}

func (s *ProtocolServer) sendTo(to string, m *message.Message) error {
	err := s.sender.Send(to, m)
	telemetry.MessagesSent.WithLabelValues(string(m.Type().Family()), telemetry.SendResult(err)).Inc()
	return err
}

func (s *ProtocolServer) transition(t statemachine.Transition) {
	if t.Old == t.New {
		return
	}
	telemetry.Transitions.WithLabelValues(string(t.Family)).Inc()
	s.logger.Debug("transition",
		zap.String("me", s.Me()),
		zap.String("family", string(t.Family)),
		zap.String("from", t.Old),
		zap.String("to", t.New),
		zap.Stringer("type", t.Message.Type()))
}

func observeDelivery(m *message.Message) bool {
	if m.Type() == paxos.BroadcastResponse {
		if d, ok := m.Payload().(paxos.Delivery); ok {
			telemetry.Delivered.Inc()
			telemetry.LastDelivered.Set(float64(d.Instance))
		}
	}
	return true
}
