package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/timeout"
)

// A tiny counter protocol used to exercise the runtime.

type counterMessage string

const (
	increment counterMessage = "increment"
	read      counterMessage = "read"
	value     counterMessage = "value"
	readLost  counterMessage = "readLost"
	explode   counterMessage = "explode"
	fail      counterMessage = "fail"
	forward   counterMessage = "forward"
	remote    counterMessage = "remote"
	arm       counterMessage = "arm"
	fired     counterMessage = "fired"
)

const counterFamily message.Family = "counter"

func (m counterMessage) Family() message.Family { return counterFamily }
func (m counterMessage) String() string         { return string(m) }

func (m counterMessage) FailureMessage() message.Type {
	switch m {
	case read, remote:
		return readLost
	}
	return nil
}

func (m counterMessage) Next() []message.Type {
	switch m {
	case read, remote:
		return []message.Type{value}
	}
	return nil
}

// echoMessage lives in a second family so internal routing can be observed.
type echoMessage string

const echo echoMessage = "echo"

func (m echoMessage) Family() message.Family { return "echo" }
func (m echoMessage) String() string         { return string(m) }

type counterContext struct {
	count    int
	timeouts *timeout.Timeouts
	echoed   []any
}

type counterState int

const (
	idle counterState = iota
	counting
)

func (s counterState) String() string {
	if s == idle {
		return "idle"
	}
	return "counting"
}

func (s counterState) Handle(
	c *counterContext,
	m *message.Message,
	out message.Holder,
) (State[*counterContext], error) {
	switch m.Type() {
	case increment:
		c.count++
		return counting, nil
	case read:
		out.Offer(message.Internal(value, c.count))
	case explode:
		out.Offer(message.Internal(echo, "lost"))
		panic("boom")
	case fail:
		c.count = -100
		return counting, errors.New("nope")
	case forward:
		out.Offer(message.Internal(echo, m.Payload()))
	case remote:
		out.Offer(message.To(remote, "peer", nil))
	case arm:
		c.timeouts.SetTimeout("t", message.Timeout(fired, m, nil))
	case fired:
		c.count += 10
	}
	return s, nil
}

type echoState struct{}

func (echoState) String() string { return "echo" }

func (s echoState) Handle(
	c *counterContext,
	m *message.Message,
	out message.Holder,
) (State[*counterContext], error) {
	c.echoed = append(c.echoed, m.Payload())
	return s, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*message.Message
}

func (r *recordingSender) Process(m *message.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return true
}

type fixture struct {
	ctx      *counterContext
	counter  *StateMachine[*counterContext]
	machines *StateMachines
	sender   *recordingSender
	convs    *Conversations
	timeouts *timeout.Timeouts
}

var epoch = time.Unix(1_700_000_000, 0)

func newFixture() *fixture {
	timeouts := timeout.New(timeout.NewFixed(time.Second))
	timeouts.Tick(epoch)
	ctx := &counterContext{timeouts: timeouts}
	convs := NewConversations("me")
	sender := &recordingSender{}
	machines := NewStateMachines(timeouts, convs, sender, nil)
	counter := New[*counterContext](counterFamily, ctx, idle, nil)
	machines.Add(counter)
	machines.Add(New[*counterContext]("echo", ctx, echoState{}, nil))
	return &fixture{
		ctx:      ctx,
		counter:  counter,
		machines: machines,
		sender:   sender,
		convs:    convs,
		timeouts: timeouts,
	}
}

func TestReceiveTransitionsAndNotifies(t *testing.T) {
	f := newFixture()
	var got []Transition
	f.counter.AddTransitionListener(TransitionListenerFunc(func(tr Transition) {
		got = append(got, tr)
	}))

	f.machines.Process(message.Internal(increment, nil))
	f.machines.Process(message.Internal(increment, nil))

	assert.Equal(t, 2, f.ctx.count)
	assert.Equal(t, "counting", f.counter.State())
	require.Len(t, got, 2)
	assert.Equal(t, "idle", got[0].Old)
	assert.Equal(t, "counting", got[0].New)
	assert.Equal(t, "counting", got[1].Old, "no-op dispatches are still reported")
}

func TestPanickingTransitionRetainsState(t *testing.T) {
	f := newFixture()
	f.machines.Process(message.Internal(explode, nil))

	assert.Equal(t, "idle", f.counter.State())
	assert.Empty(t, f.ctx.echoed, "messages from a failed transition are discarded")

	f.machines.Process(message.Internal(increment, nil))
	assert.Equal(t, 1, f.ctx.count)
}

func TestFailingTransitionRetainsState(t *testing.T) {
	f := newFixture()
	f.machines.Process(message.Internal(fail, nil))
	assert.Equal(t, "idle", f.counter.State())
}

func TestListenerPanicDoesNotAbortDispatch(t *testing.T) {
	f := newFixture()
	calls := 0
	f.counter.AddTransitionListener(TransitionListenerFunc(func(Transition) { panic("bad listener") }))
	f.counter.AddTransitionListener(TransitionListenerFunc(func(Transition) { calls++ }))

	f.machines.Process(message.Internal(increment, nil))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "counting", f.counter.State())
}

func TestInternalMessagesAreRedeliveredLocally(t *testing.T) {
	f := newFixture()
	f.machines.Process(message.Internal(forward, "hello"))

	assert.Equal(t, []any{"hello"}, f.ctx.echoed)
	assert.Empty(t, f.sender.sent)
}

func TestAddressedMessagesGoToSenderWithConversation(t *testing.T) {
	f := newFixture()
	trigger := message.Internal(remote, nil).SetHeader(message.HeaderConversationID, "c-1")
	f.machines.Process(trigger)

	require.Len(t, f.sender.sent, 1)
	sent := f.sender.sent[0]
	assert.Equal(t, "peer", sent.Header(message.HeaderTo))
	assert.Equal(t, "c-1", sent.Header(message.HeaderConversationID))
	assert.Equal(t, "me", sent.Header(message.HeaderCreatedBy))
}

type strayMessage string

func (m strayMessage) Family() message.Family { return "stray" }
func (m strayMessage) String() string         { return string(m) }

func TestUnknownFamilyIsIgnored(t *testing.T) {
	f := newFixture()
	assert.True(t, f.machines.Process(message.Internal(strayMessage("x"), nil)))
	assert.Empty(t, f.ctx.echoed)
	assert.Empty(t, f.sender.sent)
}

func TestOutgoingInterceptorCanDrop(t *testing.T) {
	f := newFixture()
	f.machines.AddOutgoingProcessor(message.ProcessorFunc(func(m *message.Message) bool {
		m.SetHeader(message.HeaderFrom, "me")
		return m.Type() != echo
	}))
	f.machines.Process(message.Internal(forward, "dropped"))
	f.machines.Process(message.Internal(remote, nil))

	assert.Empty(t, f.ctx.echoed)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "me", f.sender.sent[0].Header(message.HeaderFrom))
}

func TestTickFiresTimeoutsThroughDispatch(t *testing.T) {
	f := newFixture()
	f.machines.Process(message.Internal(arm, nil))
	f.machines.Tick(epoch.Add(500 * time.Millisecond))
	assert.Equal(t, 0, f.ctx.count)
	f.machines.Tick(epoch.Add(time.Second))
	assert.Equal(t, 10, f.ctx.count)
}

func TestConversationIDsAreUnique(t *testing.T) {
	c := NewConversations("a")
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := c.Next()
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, "a/101#", c.Next())
}

func newProxyFixture() (*fixture, *Proxy) {
	f := newFixture()
	proxy := NewProxy(f.convs, f.machines)
	f.machines.AddIncomingProcessor(proxy)
	f.machines.AddOutgoingProcessor(proxy)
	return f, proxy
}

func TestProxyCallReturnsCorrelatedReply(t *testing.T) {
	f, proxy := newProxyFixture()
	f.machines.Process(message.Internal(increment, nil))

	got, err := proxy.Call(context.Background(), read, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, 0, proxy.Pending())
}

func TestProxyIgnoresOtherConversations(t *testing.T) {
	f, proxy := newProxyFixture()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := proxy.Call(ctx, remote, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return proxy.Pending() == 1 }, time.Second, time.Millisecond)

	// A reply on an unrelated conversation must not resolve the call.
	f.machines.Process(message.Internal(value, 5).SetHeader(message.HeaderConversationID, "other"))

	err := <-done
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExpectationFailureUnblocksCall(t *testing.T) {
	f, proxy := newProxyFixture()
	exp := NewExpectations(3*time.Second, f.machines, nil)
	f.machines.AddIncomingProcessor(exp.Incoming())
	f.machines.AddOutgoingProcessor(exp.Outgoing())
	exp.Tick(epoch)

	done := make(chan error, 1)
	go func() {
		_, err := proxy.Call(context.Background(), remote, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return exp.Len() == 1 }, time.Second, time.Millisecond)

	exp.Tick(epoch.Add(2 * time.Second))
	assert.Equal(t, 1, exp.Len())
	exp.Tick(epoch.Add(3 * time.Second))

	err := <-done
	var convErr *ConversationError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, message.Type(readLost), convErr.Type)
	assert.Equal(t, 0, exp.Len())
}

func TestExpectationCancelledByReply(t *testing.T) {
	f := newFixture()
	var failures int
	incoming := message.ProcessorFunc(func(m *message.Message) bool {
		if m.Type() == readLost {
			failures++
		}
		return true
	})
	exp := NewExpectations(time.Second, incoming, nil)
	f.machines.AddIncomingProcessor(exp.Incoming())
	f.machines.AddOutgoingProcessor(exp.Outgoing())
	exp.Tick(epoch)

	f.machines.Process(message.Internal(remote, nil).SetHeader(message.HeaderConversationID, "c"))
	require.Equal(t, 1, exp.Len())

	// Same conversation but from an unrelated peer does not count.
	f.machines.Process(message.Internal(value, 1).
		SetHeader(message.HeaderConversationID, "c").
		SetHeader(message.HeaderFrom, "stranger"))
	require.Equal(t, 1, exp.Len())

	f.machines.Process(message.Internal(value, 1).
		SetHeader(message.HeaderConversationID, "c").
		SetHeader(message.HeaderFrom, "peer"))
	assert.Equal(t, 0, exp.Len())

	exp.Tick(epoch.Add(time.Hour))
	assert.Equal(t, 0, failures)
}

func TestExpectationFireAndCancelRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		var mu sync.Mutex
		failures := 0
		exp := NewExpectations(time.Second, message.ProcessorFunc(func(m *message.Message) bool {
			mu.Lock()
			failures++
			mu.Unlock()
			return true
		}), nil)
		exp.Tick(epoch)
		exp.Outgoing().Process(message.To(remote, "peer", nil).SetHeader(message.HeaderConversationID, "c"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			exp.Tick(epoch.Add(time.Second))
		}()
		go func() {
			defer wg.Done()
			exp.Incoming().Process(message.Internal(value, nil).
				SetHeader(message.HeaderConversationID, "c").
				SetHeader(message.HeaderFrom, "peer"))
		}()
		wg.Wait()
		assert.LessOrEqual(t, failures, 1)
		assert.Equal(t, 0, exp.Len())
	}
}

func TestProxyReplyClearsPendingBeforeCallerWakes(t *testing.T) {
	f, proxy := newProxyFixture()

	done := make(chan any, 1)
	go func() {
		v, _ := proxy.Call(context.Background(), remote, nil)
		done <- v
	}()
	var id string
	require.Eventually(t, func() bool {
		f.sender.mu.Lock()
		defer f.sender.mu.Unlock()
		if len(f.sender.sent) == 0 {
			return false
		}
		id = f.sender.sent[0].Header(message.HeaderConversationID)
		return true
	}, time.Second, time.Millisecond)

	f.machines.Process(message.Internal(value, 7).SetHeader(message.HeaderConversationID, id))
	// no scheduling point between the reply and this check
	assert.Equal(t, 0, proxy.Pending())
	assert.Equal(t, 7, <-done)
}

func TestIncomingProcessorPanicDoesNotAbortDispatch(t *testing.T) {
	f := newFixture()
	var seen []message.Type
	f.machines.AddIncomingProcessor(message.ProcessorFunc(func(*message.Message) bool { panic("broken") }))
	f.machines.AddIncomingProcessor(message.ProcessorFunc(func(m *message.Message) bool {
		seen = append(seen, m.Type())
		return true
	}))

	f.machines.Process(message.Internal(increment, nil))

	assert.Equal(t, []message.Type{increment}, seen)
	assert.Equal(t, 1, f.ctx.count)
}
