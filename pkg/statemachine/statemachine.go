// Package statemachine turns messages into state transitions. A StateMachine
// owns one protocol context and its current state; StateMachines connects a
// set of them, routing emitted messages either back into a local machine or
// out to the network.
package statemachine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

// State is one value of a protocol's closed state enumeration. Handle returns
// the next state; returning the receiver means "stay".
type State[C any] interface {
	fmt.Stringer
	Handle(c C, m *message.Message, out message.Holder) (State[C], error)
}

// Transition describes one dispatch. Old and New are equal for no-op
// dispatches.
type Transition struct {
	Family  message.Family
	Old     string
	Message *message.Message
	New     string
}

type TransitionListener interface {
	Transition(t Transition)
}

type TransitionListenerFunc func(t Transition)

func (f TransitionListenerFunc) Transition(t Transition) { f(t) }

// Machine is the non-generic view of a StateMachine used by StateMachines.
type Machine interface {
	Family() message.Family
	Receive(m *message.Message, out message.Holder)
	State() string
	AddTransitionListener(l TransitionListener)
}

type StateMachine[C any] struct {
	mu        sync.Mutex
	family    message.Family
	context   C
	state     State[C]
	listeners atomic.Pointer[[]TransitionListener]
	logger    *zap.Logger
}

func New[C any](
	family message.Family,
	context C,
	initial State[C],
	logger *zap.Logger,
) *StateMachine[C] {
	if logger == nil {
		logger = zap.NewNop()
	}
	sm := &StateMachine[C]{
		family:  family,
		context: context,
		state:   initial,
		logger:  logger.With(zap.String("family", string(family))),
	}
	sm.listeners.Store(&[]TransitionListener{})
	return sm
}

func (sm *StateMachine[C]) Family() message.Family { return sm.family }

func (sm *StateMachine[C]) Context() C { return sm.context }

func (sm *StateMachine[C]) State() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state.String()
}

// Receive dispatches m to the current state. A handler that fails or panics
// leaves the machine in its prior state and its emitted messages are
// discarded.
func (sm *StateMachine[C]) Receive(m *message.Message, out message.Holder) {
	sm.mu.Lock()
	old := sm.state
	next, emitted := sm.handle(old, m)
	if next == nil {
		next = old
	} else {
		for _, e := range emitted {
			out.Offer(e)
		}
	}
	sm.state = next
	sm.mu.Unlock()

	if old.String() != next.String() {
		sm.logger.Debug(
			"transition",
			zap.String("from", old.String()),
			zap.String("to", next.String()),
			zap.Stringer("message", m.Type()),
		)
	}
	sm.notify(Transition{
		Family:  sm.family,
		Old:     old.String(),
		Message: m,
		New:     next.String(),
	})
}

func (sm *StateMachine[C]) handle(
	state State[C],
	m *message.Message,
) (next State[C], emitted []*message.Message) {
	var q message.Queue
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error(
				"transition panicked, state retained",
				zap.String("state", state.String()),
				zap.Stringer("message", m.Type()),
				zap.Error(errors.Errorf("%v", r)),
			)
			next, emitted = nil, nil
		}
	}()
	next, err := state.Handle(sm.context, m, &q)
	if err != nil {
		sm.logger.Warn(
			"transition failed, state retained",
			zap.String("state", state.String()),
			zap.Stringer("message", m.Type()),
			zap.Error(err),
		)
		return nil, nil
	}
	return next, q.Drain()
}

func (sm *StateMachine[C]) notify(t Transition) {
	for _, l := range *sm.listeners.Load() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					sm.logger.Error(
						"transition listener panicked",
						zap.Error(errors.Errorf("%v", r)),
					)
				}
			}()
			l.Transition(t)
		}()
	}
}

func (sm *StateMachine[C]) AddTransitionListener(l TransitionListener) {
	for {
		cur := sm.listeners.Load()
		next := append(append([]TransitionListener{}, *cur...), l)
		if sm.listeners.CompareAndSwap(cur, &next) {
			return
		}
	}
}
