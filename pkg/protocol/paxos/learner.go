package paxos

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
)

// catchUpBatch bounds how many instances one learnRequest is answered with.
const catchUpBatch = 2 * BookedWindow

type learnerState uint8

const (
	learnerStart learnerState = iota
	learnerReady
)

func (s learnerState) String() string {
	if s == learnerStart {
		return "start"
	}
	return "learner"
}

func (s learnerState) Handle(c *Context, m *message.Message, out message.Holder) (statemachine.State[*Context], error) {
	if s == learnerStart {
		if m.Type() == LearnerJoin {
			seed, _ := m.Payload().(Seed)
			c.seed(seed.Instance)
			return learnerReady, nil
		}
		return s, nil
	}

	switch m.Type() {
	case LearnerJoin:
		seed, _ := m.Payload().(Seed)
		c.seed(seed.Instance)
	case LearnerLeave:
		c.resetLearner()
		return learnerStart, nil
	case Learn:
		l, ok := m.Payload().(LearnValue)
		if !ok {
			return s, errUnexpectedPayload(m)
		}
		c.learn(m, l, out)
	case LearnTimedout:
		c.requestMissing(m, out)
	case LearnFailed:
		c.requestMissing(m, out)
	case LearnRequest:
		r, ok := m.Payload().(LearnRequestValue)
		if !ok {
			return s, errUnexpectedPayload(m)
		}
		last := min(c.lastLearned, r.Instance+catchUpBatch-1)
		for id := r.Instance; id <= last; id++ {
			inst, ok := c.learned.Lookup(id)
			if !ok || inst.value == nil {
				continue
			}
			out.Offer(message.Respond(Learn, m, LearnValue{Instance: id, Value: *inst.value}))
		}
	}
	return s, nil
}

func (c *Context) learn(m *message.Message, l LearnValue, out message.Holder) {
	if l.Instance <= c.LastDelivered() {
		return
	}
	inst := c.learned.Get(l.Instance)
	if inst.value != nil {
		if inst.value.ID != l.Value.ID {
			c.logger.Error(
				"conflicting values learned",
				zap.String("me", c.me),
				zap.Int64("instance", int64(l.Instance)),
				zap.Stringer("have", inst.value),
				zap.Stringer("got", l.Value),
			)
		}
		return
	}
	if from := m.Header(message.HeaderFrom); from != "" && from != c.me {
		c.source = from
	}
	v := l.Value
	inst.value = &v
	if l.Instance > c.lastLearned {
		c.lastLearned = l.Instance
	}
	c.closedElsewhere(m, l.Instance, v, out)

	for {
		next := c.LastDelivered() + 1
		inst, ok := c.learned.Lookup(next)
		if !ok || inst.value == nil {
			break
		}
		c.lastDelivered.Store(int64(next))
		c.learned.Delivered(next)
		if p, ok := c.proposals.Lookup(next); ok {
			p.state = delivered
		}
		c.proposals.Delivered(next)
		c.accepted.Delivered(next)
		out.Offer(message.Internal(BroadcastResponse, Delivery{Instance: next, Value: *inst.value}))
	}

	if c.lastLearned > c.LastDelivered() {
		if !c.timeouts.IsSet(gapKey) {
			c.timeouts.SetTimeout(gapKey, message.Timeout(LearnTimedout, m, nil))
		}
	} else {
		c.timeouts.CancelTimeout(gapKey)
	}
}

// requestMissing asks one other learner for the instances after the
// delivered prefix. Successive requests go to successive members, since the
// last one asked may be missing the same instances. Outside any
// configuration the request goes to the server that sent the last learn.
func (c *Context) requestMissing(trigger *message.Message, out message.Holder) {
	if c.lastLearned <= c.LastDelivered() {
		return
	}
	var responder string
	if others := c.config.Get().Others(c.me); len(others) > 0 {
		responder = others[c.responder%len(others)]
		c.responder++
	} else if c.source != "" {
		responder = c.source
	} else {
		return
	}
	out.Offer(message.To(LearnRequest, responder, LearnRequestValue{Instance: c.LastDelivered() + 1}))
	c.timeouts.SetTimeout(gapKey, message.Timeout(LearnTimedout, trigger, nil))
}

func (c *Context) resetLearner() {
	c.timeouts.CancelTimeout(gapKey)
	c.learned.Clear()
	c.lastDelivered.Store(0)
	c.lastLearned = 0
	c.responder = 0
	c.source = ""
}
