package paxos

import (
	"slices"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
)

type proposerState uint8

const (
	proposerStart proposerState = iota
	proposerReady
)

func (s proposerState) String() string {
	if s == proposerStart {
		return "start"
	}
	return "proposer"
}

func (s proposerState) Handle(c *Context, m *message.Message, out message.Holder) (statemachine.State[*Context], error) {
	if s == proposerStart {
		if m.Type() == ProposerJoin {
			seed, _ := m.Payload().(Seed)
			c.seed(seed.Instance)
			return proposerReady, nil
		}
		if m.Type() == Propose {
			c.logger.Debug("proposal dropped, not joined", zap.String("me", c.me))
		}
		return s, nil
	}

	switch m.Type() {
	case ProposerJoin:
		seed, _ := m.Payload().(Seed)
		c.seed(seed.Instance)
	case ProposerLeave:
		c.resetProposer()
		return proposerStart, nil
	case Propose:
		p, ok := m.Payload().(Payload)
		if !ok {
			return s, errUnexpectedPayload(m)
		}
		c.pending = append(c.pending, p)
		c.proposeNext(m, out)
	case Promise:
		p, ok := m.Payload().(PromiseValue)
		if !ok {
			return s, errUnexpectedPayload(m)
		}
		c.promise(m, p, out)
	case RejectPrepare:
		c.reject(m, p1Pending, out)
	case Phase1Timeout:
		id, _ := m.Payload().(InstanceID)
		if inst, ok := c.proposals.Lookup(id); ok && inst.state == p1Pending {
			c.startPhase1(m, inst, c.NextBallot(max(inst.ballot, inst.highest)), out)
		}
	case Accepted:
		a, ok := m.Payload().(AcceptedValue)
		if !ok {
			return s, errUnexpectedPayload(m)
		}
		inst, ok := c.proposals.Lookup(a.Instance)
		if !ok || inst.state != p2Pending || inst.ballot != a.Ballot {
			return s, nil
		}
		inst.accepts[m.Header(message.HeaderFrom)] = struct{}{}
		if len(inst.accepts) >= c.Quorum() {
			c.close(m, inst, out)
		}
	case RejectAccept:
		c.reject(m, p2Pending, out)
	case Phase2Timeout:
		id, _ := m.Payload().(InstanceID)
		if inst, ok := c.proposals.Lookup(id); ok && inst.state == p2Pending {
			c.startPhase1(m, inst, c.NextBallot(max(inst.ballot, inst.highest)), out)
		}
	}
	return s, nil
}

// proposeNext books pending values while the window has room.
func (c *Context) proposeNext(trigger *message.Message, out message.Holder) {
	for len(c.inflight) < BookedWindow && len(c.pending) > 0 {
		p := c.pending[0]
		c.pending = c.pending[1:]
		c.book(trigger, p, out)
	}
}

func (c *Context) book(trigger *message.Message, p Payload, out message.Holder) {
	if c.nextInstance <= c.lastLearned {
		c.nextInstance = c.lastLearned + 1
	}
	id := c.nextInstance
	for {
		inst, ok := c.proposals.Lookup(id)
		if !ok || inst.state == empty {
			break
		}
		id++
	}
	c.nextInstance = id + 1

	inst := c.proposals.Get(id)
	inst.booked = &p
	inst.value2 = nil
	c.inflight[id] = struct{}{}
	c.startPhase1(trigger, inst, c.NextBallot(0), out)
}

func (c *Context) startPhase1(trigger *message.Message, inst *proposerInstance, ballot int64, out message.Holder) {
	c.timeouts.CancelTimeout(phase2Key(inst.id))
	inst.state = p1Pending
	inst.ballot = ballot
	inst.value1 = nil
	inst.ballot1 = 0
	inst.resetVotes()
	for _, acceptor := range c.config.Get().Members() {
		out.Offer(message.To(Prepare, acceptor, PrepareValue{Instance: inst.id, Ballot: ballot}))
	}
	c.timeouts.SetTimeout(phase1Key(inst.id), message.Timeout(Phase1Timeout, trigger, inst.id))
}

func (c *Context) promise(m *message.Message, p PromiseValue, out message.Holder) {
	inst, ok := c.proposals.Lookup(p.Instance)
	if !ok || inst.state != p1Pending || inst.ballot != p.Ballot {
		return
	}
	inst.promises[m.Header(message.HeaderFrom)] = struct{}{}
	if p.Value != nil && p.AcceptedBallot > inst.ballot1 {
		v := *p.Value
		inst.value1 = &v
		inst.ballot1 = p.AcceptedBallot
	}
	if len(inst.promises) < c.Quorum() {
		return
	}

	c.timeouts.CancelTimeout(phase1Key(inst.id))
	inst.state = p1Ready
	switch {
	case inst.value1 != nil:
		// A value may already be chosen; ours waits for another instance.
		if inst.booked != nil && inst.booked.ID != inst.value1.ID {
			c.pending = append([]Payload{*inst.booked}, c.pending...)
		}
		inst.booked = nil
		inst.value2 = inst.value1
	case inst.value2 == nil:
		inst.value2 = inst.booked
	}
	if inst.value2 == nil {
		inst.state = empty
		delete(c.inflight, inst.id)
		return
	}

	inst.state = p2Pending
	c.phase2(c, Phase2Request{
		Instance:  inst.id,
		Ballot:    inst.ballot,
		Value:     *inst.value2,
		Promisers: inst.promisers(),
	}, m, out)
	c.timeouts.SetTimeout(phase2Key(inst.id), message.Timeout(Phase2Timeout, m, inst.id))
}

func broadcastAccept(c *Context, req Phase2Request, _ *message.Message, out message.Holder) {
	for _, acceptor := range c.config.Get().Members() {
		out.Offer(message.To(Accept, acceptor, AcceptValue{
			Instance: req.Instance,
			Ballot:   req.Ballot,
			Value:    req.Value,
		}))
	}
}

// reject counts a rejection (or a silent acceptor) against the current
// ballot and restarts phase 1 once a quorum is out of reach.
func (c *Context) reject(m *message.Message, phase instanceState, out message.Holder) {
	b, ok := m.Payload().(Ballotted)
	if !ok {
		return
	}
	id, ballot := b.InstanceBallot()
	inst, ok := c.proposals.Lookup(id)
	if !ok || inst.state != phase || inst.ballot != ballot {
		return
	}
	if r, ok := m.Payload().(Reject); ok && r.Promised > inst.highest {
		inst.highest = r.Promised
	}
	inst.rejects[m.Header(message.HeaderFrom)] = struct{}{}
	if len(inst.rejects) > c.config.Get().Size()-c.Quorum() {
		c.logger.Debug(
			"ballot rejected",
			zap.String("me", c.me),
			zap.Int64("instance", int64(id)),
			zap.Int64("ballot", ballot),
			zap.Int64("promised", inst.highest),
		)
		if inst.highest > inst.ballot && inst.highest%BallotStep != int64(c.serverID) {
			c.backOff(m, inst)
			return
		}
		c.startPhase1(m, inst, c.NextBallot(max(inst.ballot, inst.highest)), out)
	}
}

// backOff leaves the instance to the proposer holding the higher ballot. The
// phase 1 timeout retries it unless that proposer closes it first.
func (c *Context) backOff(trigger *message.Message, inst *proposerInstance) {
	c.timeouts.CancelTimeout(phase2Key(inst.id))
	inst.state = p1Pending
	inst.ballot = 0
	inst.resetVotes()
	c.timeouts.SetTimeout(phase1Key(inst.id), message.Timeout(Phase1Timeout, trigger, inst.id))
}

// Decide closes an instance in phase 2 at ballot once votes reach a quorum.
func (c *Context) Decide(trigger *message.Message, id InstanceID, ballot int64, votes int, out message.Holder) bool {
	inst, ok := c.proposals.Lookup(id)
	if !ok || inst.state != p2Pending || inst.ballot != ballot || votes < c.Quorum() {
		return false
	}
	c.close(trigger, inst, out)
	return true
}

func (c *Context) close(trigger *message.Message, inst *proposerInstance, out message.Holder) {
	c.timeouts.CancelTimeout(phase2Key(inst.id))
	inst.state = closed
	inst.booked = nil
	delete(c.inflight, inst.id)

	value := *inst.value2
	targets := c.config.Get().Members()
	for _, uri := range value.Notify {
		if !slices.Contains(targets, uri) {
			targets = append(targets, uri)
		}
	}
	for _, uri := range targets {
		out.Offer(message.To(Learn, uri, LearnValue{Instance: inst.id, Value: value}))
	}
	c.proposeNext(trigger, out)
}

// closedElsewhere retires an instance this server was driving once any
// learner reports it closed.
func (c *Context) closedElsewhere(trigger *message.Message, id InstanceID, value Payload, out message.Holder) {
	inst, ok := c.proposals.Lookup(id)
	if !ok {
		return
	}
	if inst.state != p1Pending && inst.state != p1Ready && inst.state != p2Pending {
		return
	}
	c.timeouts.CancelTimeout(phase1Key(id))
	c.timeouts.CancelTimeout(phase2Key(id))
	if inst.booked != nil && inst.booked.ID != value.ID {
		c.pending = append([]Payload{*inst.booked}, c.pending...)
	}
	inst.booked = nil
	inst.value2 = &value
	inst.state = closed
	delete(c.inflight, id)
	c.proposeNext(trigger, out)
}

func (c *Context) resetProposer() {
	for id := range c.inflight {
		c.timeouts.CancelTimeout(phase1Key(id))
		c.timeouts.CancelTimeout(phase2Key(id))
	}
	c.proposals.Clear()
	clear(c.inflight)
	c.pending = nil
	c.nextInstance = 1
}
