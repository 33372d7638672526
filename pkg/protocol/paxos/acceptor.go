package paxos

import (
	"github.com/pkg/errors"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
)

type acceptorState uint8

const (
	acceptorStart acceptorState = iota
	acceptorReady
)

func (s acceptorState) String() string {
	if s == acceptorStart {
		return "start"
	}
	return "acceptor"
}

func (s acceptorState) Handle(c *Context, m *message.Message, out message.Holder) (statemachine.State[*Context], error) {
	if s == acceptorStart {
		if m.Type() == AcceptorJoin {
			return acceptorReady, nil
		}
		return s, nil
	}

	switch m.Type() {
	case AcceptorLeave:
		c.accepted.Clear()
		return acceptorStart, nil
	case Prepare:
		p, ok := m.Payload().(PrepareValue)
		if !ok {
			return s, errUnexpectedPayload(m)
		}
		out.Offer(c.Prepare(m, p))
	case Accept:
		a, ok := m.Payload().(AcceptValue)
		if !ok {
			return s, errUnexpectedPayload(m)
		}
		if promised, ok := c.AcceptValue(a.Instance, a.Ballot, a.Value); ok {
			out.Offer(message.Respond(Accepted, m, AcceptedValue{Instance: a.Instance, Ballot: a.Ballot}))
		} else {
			out.Offer(message.Respond(RejectAccept, m, Reject{Instance: a.Instance, Ballot: a.Ballot, Promised: promised}))
		}
	}
	return s, nil
}

// Prepare applies the promise rule and returns the reply to m.
func (c *Context) Prepare(m *message.Message, p PrepareValue) *message.Message {
	inst := c.accepted.Get(p.Instance)
	if p.Ballot < inst.promised {
		return message.Respond(RejectPrepare, m, Reject{Instance: p.Instance, Ballot: p.Ballot, Promised: inst.promised})
	}
	inst.promised = p.Ballot
	return message.Respond(Promise, m, PromiseValue{
		Instance:       p.Instance,
		Ballot:         p.Ballot,
		AcceptedBallot: inst.acceptedBallot,
		Value:          inst.value,
	})
}

// AcceptValue accepts value iff ballot is exactly the promised ballot. It
// returns the promised ballot.
func (c *Context) AcceptValue(id InstanceID, ballot int64, value Payload) (int64, bool) {
	inst := c.accepted.Get(id)
	if ballot != inst.promised {
		return inst.promised, false
	}
	inst.acceptedBallot = ballot
	inst.value = &value
	return ballot, true
}

func errUnexpectedPayload(m *message.Message) error {
	return errors.Errorf("unexpected payload %T for %s/%s", m.Payload(), m.Type().Family(), m.Type())
}
