package statemachine

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/timeout"
)

// StateMachines connects a set of state machines, one per message family.
// Processing one inbound message, draining everything it causes and firing
// timeouts all happen under a single lock.
type StateMachines struct {
	mu            sync.Mutex
	machines      map[message.Family]Machine
	timeouts      *timeout.Timeouts
	conversations *Conversations
	sender        message.Processor
	incoming      atomic.Pointer[[]message.Processor]
	outgoing      atomic.Pointer[[]message.Processor]
	logger        *zap.Logger
}

// NewStateMachines builds a registry that hands addressed messages to
// sender. The sender must not block on the network.
func NewStateMachines(
	timeouts *timeout.Timeouts,
	conversations *Conversations,
	sender message.Processor,
	logger *zap.Logger,
) *StateMachines {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StateMachines{
		machines:      make(map[message.Family]Machine),
		timeouts:      timeouts,
		conversations: conversations,
		sender:        sender,
		logger:        logger,
	}
	s.incoming.Store(&[]message.Processor{})
	s.outgoing.Store(&[]message.Processor{})
	return s
}

// Add registers m for its family, replacing any machine already registered.
func (s *StateMachines) Add(m Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.Family()] = m
}

func (s *StateMachines) Machine(f message.Family) (Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[f]
	return m, ok
}

func (s *StateMachines) Machines() []Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out
}

// AddIncomingProcessor registers an observer run on every inbound message
// before dispatch. Returning false drops the message.
func (s *StateMachines) AddIncomingProcessor(p message.Processor) {
	addProcessor(&s.incoming, p)
}

// AddOutgoingProcessor registers an interceptor run on every emitted message
// before it is routed. Returning false drops the message.
func (s *StateMachines) AddOutgoingProcessor(p message.Processor) {
	addProcessor(&s.outgoing, p)
}

func addProcessor(list *atomic.Pointer[[]message.Processor], p message.Processor) {
	for {
		cur := list.Load()
		next := append(append([]message.Processor{}, *cur...), p)
		if list.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func (s *StateMachines) AddTransitionListener(l TransitionListener) {
	for _, m := range s.Machines() {
		m.AddTransitionListener(l)
	}
}

// Process handles one inbound message. It implements message.Processor.
func (s *StateMachines) Process(m *message.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receive(m)
	return true
}

// Tick advances the timeout clock and processes expired timeouts under the
// same lock as inbound messages.
func (s *StateMachines) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.timeouts.Tick(now) {
		s.receive(m)
	}
}

func (s *StateMachines) receive(m *message.Message) {
	for _, p := range *s.incoming.Load() {
		if !s.safeProcess("incoming", p, m) {
			return
		}
	}
	s.dispatch(m)
}

func (s *StateMachines) dispatch(m *message.Message) {
	machine, ok := s.machines[m.Type().Family()]
	if !ok {
		return
	}

	var out message.Queue
	machine.Receive(m, &out)

	for next := out.Poll(); next != nil; next = out.Poll() {
		s.stamp(m, next)
		if !s.intercept(next) {
			continue
		}
		if next.IsInternal() {
			s.dispatch(next)
			continue
		}
		s.sender.Process(next)
	}
}

// stamp carries the conversation forward from the triggering message.
func (s *StateMachines) stamp(trigger, m *message.Message) {
	trigger.CopyHeadersTo(m, message.HeaderConversationID, message.HeaderCreatedBy)
	if !m.HasHeader(message.HeaderConversationID) && s.conversations != nil {
		m.SetHeader(message.HeaderConversationID, s.conversations.Next())
	}
	if !m.HasHeader(message.HeaderCreatedBy) && s.conversations != nil {
		m.SetHeader(message.HeaderCreatedBy, s.conversations.Me())
	}
}

func (s *StateMachines) intercept(m *message.Message) bool {
	for _, p := range *s.outgoing.Load() {
		if !s.safeProcess("outgoing", p, m) {
			return false
		}
	}
	return true
}

// safeProcess runs one hook; a panicking hook lets the message through.
func (s *StateMachines) safeProcess(hook string, p message.Processor, m *message.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("processor panicked",
				zap.String("hook", hook), zap.Stringer("type", m.Type()), zap.Any("panic", r))
			ok = true
		}
	}()
	return p.Process(m)
}
