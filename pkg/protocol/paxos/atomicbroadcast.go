package paxos

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
)

type broadcastState uint8

const (
	broadcastStart broadcastState = iota
	broadcasting
)

func (s broadcastState) String() string {
	if s == broadcastStart {
		return "start"
	}
	return "broadcasting"
}

func (s broadcastState) Handle(c *Context, m *message.Message, out message.Holder) (statemachine.State[*Context], error) {
	if s == broadcastStart {
		if m.Type() == BroadcastJoin {
			return broadcasting, nil
		}
		return s, nil
	}

	switch m.Type() {
	case BroadcastLeave:
		return broadcastStart, nil
	case Broadcast:
		p, ok := m.Payload().(Payload)
		if !ok {
			return s, errUnexpectedPayload(m)
		}
		if p.ID == "" {
			p.ID = m.Header(message.HeaderConversationID)
		}
		if coordinator := c.config.Get().Elected(CoordinatorRole); coordinator != "" && coordinator != c.me {
			out.Offer(message.To(Propose, coordinator, p))
		} else {
			out.Offer(message.Internal(Propose, p))
		}
	case BroadcastResponse:
		d, ok := m.Payload().(Delivery)
		if !ok {
			return s, errUnexpectedPayload(m)
		}
		if t, ok := c.route(d.Value.Kind); ok {
			out.Offer(message.Internal(t, d.Value))
			return s, nil
		}
		for _, l := range *c.listeners.Load() {
			c.notify(l, d)
		}
	}
	return s, nil
}

func (c *Context) notify(l Listener, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("broadcast listener panicked", zap.Any("panic", r))
		}
	}()
	l.Receive(d)
}

// NewProposer, NewAcceptor, NewLearner and NewAtomicBroadcast build the
// machines sharing c.
func NewProposer(c *Context, logger *zap.Logger) *statemachine.StateMachine[*Context] {
	return statemachine.New[*Context](ProposerFamily, c, proposerStart, logger)
}

func NewAcceptor(c *Context, logger *zap.Logger) *statemachine.StateMachine[*Context] {
	return statemachine.New[*Context](AcceptorFamily, c, acceptorStart, logger)
}

func NewLearner(c *Context, logger *zap.Logger) *statemachine.StateMachine[*Context] {
	return statemachine.New[*Context](LearnerFamily, c, learnerStart, logger)
}

func NewAtomicBroadcast(c *Context, logger *zap.Logger) *statemachine.StateMachine[*Context] {
	return statemachine.New[*Context](AtomicBroadcastFamily, c, broadcastStart, logger)
}

// ProposerState and AcceptorState expose the initial states so other
// protocols can delegate to them.
func ProposerState() statemachine.State[*Context] { return proposerStart }

func AcceptorState() statemachine.State[*Context] { return acceptorStart }

// AtomicBroadcastClient is the application surface of atomic broadcast.
type AtomicBroadcastClient struct {
	caller  statemachine.Caller
	context *Context
}

func NewAtomicBroadcastClient(caller statemachine.Caller, c *Context) *AtomicBroadcastClient {
	return &AtomicBroadcastClient{caller: caller, context: c}
}

// Broadcast submits p for agreement. Delivery is reported to listeners, or
// to the route registered for p.Kind.
func (a *AtomicBroadcastClient) Broadcast(p Payload) {
	a.caller.Send(Broadcast, p)
}

func (a *AtomicBroadcastClient) AddListener(l Listener) {
	a.context.AddListener(l)
}
