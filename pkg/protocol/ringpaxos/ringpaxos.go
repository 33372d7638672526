// Package ringpaxos runs phase 2 of paxos along a ring of acceptors: the
// coordinator hands the value to the first acceptor, each acceptor votes and
// forwards it to its successor, and only the last one reports the decision.
// Phase 1, learning and delivery are the ones of package paxos.
package ringpaxos

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
)

// RingAccept travels acceptor to acceptor.
type AcceptorMessage string

const RingAccept AcceptorMessage = "ringAccept"

func (AcceptorMessage) Family() message.Family { return paxos.AcceptorFamily }
func (t AcceptorMessage) String() string     { return string(t) }

// Decision reaches the coordinator from the last acceptor of the ring.
type CoordinatorMessage string

const Decision CoordinatorMessage = "decision"

func (CoordinatorMessage) Family() message.Family { return paxos.ProposerFamily }
func (t CoordinatorMessage) String() string     { return string(t) }

func init() {
	message.Register(RingAccept, RingAcceptValue{})
	message.Register(Decision, DecisionValue{})
}

type RingAcceptValue struct {
	Instance    paxos.InstanceID `json:"instance"`
	Ballot      int64            `json:"ballot"`
	Value       paxos.Payload    `json:"value"`
	Coordinator string           `json:"coordinator"`
	Ring        []string         `json:"ring"`
	Votes       int              `json:"votes"`
}

func (r RingAcceptValue) InstanceBallot() (paxos.InstanceID, int64) { return r.Instance, r.Ballot }

type DecisionValue struct {
	Instance paxos.InstanceID `json:"instance"`
	Ballot   int64            `json:"ballot"`
	Votes    int              `json:"votes"`
}

// Phase2 starts the ring walk over the acceptors that promised. Install it
// with paxos.WithPhase2.
func Phase2(c *paxos.Context, req paxos.Phase2Request, _ *message.Message, out message.Holder) {
	order := ring.FromMembers(req.Promisers).Order()
	if len(order) == 0 {
		return
	}
	out.Offer(message.To(RingAccept, order[0], RingAcceptValue{
		Instance:    req.Instance,
		Ballot:      req.Ballot,
		Value:       req.Value,
		Coordinator: c.Me(),
		Ring:        order,
	}))
}

type coordinator struct {
	inner statemachine.State[*paxos.Context]
}

func (s coordinator) String() string { return s.inner.String() }

func (s coordinator) Handle(c *paxos.Context, m *message.Message, out message.Holder) (statemachine.State[*paxos.Context], error) {
	if m.Type() == Decision {
		d, _ := m.Payload().(DecisionValue)
		if !c.Decide(m, d.Instance, d.Ballot, d.Votes, out) {
			c.Logger().Debug("stale decision", zap.Int64("instance", int64(d.Instance)), zap.Int64("ballot", d.Ballot))
		}
		return s, nil
	}
	next, err := s.inner.Handle(c, m, out)
	if err != nil {
		return s, err
	}
	return coordinator{inner: next}, nil
}

type acceptor struct {
	inner statemachine.State[*paxos.Context]
}

func (s acceptor) String() string { return s.inner.String() }

func (s acceptor) Handle(c *paxos.Context, m *message.Message, out message.Holder) (statemachine.State[*paxos.Context], error) {
	if m.Type() == RingAccept {
		if s.inner == paxos.AcceptorState() {
			return s, nil
		}
		ra, _ := m.Payload().(RingAcceptValue)
		forward(c, ra, out)
		return s, nil
	}
	next, err := s.inner.Handle(c, m, out)
	if err != nil {
		return s, err
	}
	return acceptor{inner: next}, nil
}

func forward(c *paxos.Context, ra RingAcceptValue, out message.Holder) {
	promised, ok := c.AcceptValue(ra.Instance, ra.Ballot, ra.Value)
	if !ok {
		out.Offer(message.To(paxos.RejectAccept, ra.Coordinator, paxos.Reject{
			Instance: ra.Instance,
			Ballot:   ra.Ballot,
			Promised: promised,
		}))
		return
	}
	ra.Votes++
	r := ring.FromMembers(ra.Ring)
	if len(ra.Ring) == 0 || r.Last(ra.Ring[0], c.Me()) || !r.Contains(c.Me()) {
		out.Offer(message.To(Decision, ra.Coordinator, DecisionValue{
			Instance: ra.Instance,
			Ballot:   ra.Ballot,
			Votes:    ra.Votes,
		}))
		return
	}
	next, _ := r.Successor(c.Me())
	out.Offer(message.To(RingAccept, next, ra))
}

// NewCoordinator is registered under the proposer family in place of the
// paxos proposer.
func NewCoordinator(c *paxos.Context, logger *zap.Logger) *statemachine.StateMachine[*paxos.Context] {
	return statemachine.New[*paxos.Context](paxos.ProposerFamily, c, coordinator{inner: paxos.ProposerState()}, logger)
}

// NewAcceptor is registered under the acceptor family in place of the paxos
// acceptor.
func NewAcceptor(c *paxos.Context, logger *zap.Logger) *statemachine.StateMachine[*paxos.Context] {
	return statemachine.New[*paxos.Context](paxos.AcceptorFamily, c, acceptor{inner: paxos.AcceptorState()}, logger)
}
