package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
	"github.com/ryandielhenn/zephyrcluster/pkg/timeout"
)

type recorder struct {
	failed []string
	alive  []string
}

func (r *recorder) Failed(uri string) { r.failed = append(r.failed, uri) }
func (r *recorder) Alive(uri string)  { r.alive = append(r.alive, uri) }

type fixture struct {
	t        *testing.T
	sm       *statemachine.StateMachine[*Context]
	timeouts *timeout.Timeouts
	config   *membership.Holder
	rec      *recorder
	now      time.Time
	sent     []*message.Message
}

func newFixture(t *testing.T) *fixture {
	config := membership.NewHolder()
	config.Set(membership.New("test", []string{"a", "b", "c"}, nil))
	timeouts := timeout.New(timeout.NewFixed(time.Second).
		With(SendHeartbeat, time.Second).
		With(TimedOut, 3*time.Second))
	ctx := NewContext(config, timeouts, nil)
	ctx.Bind("a")
	rec := &recorder{}
	ctx.AddListener(rec)
	f := &fixture{
		t:        t,
		sm:       NewStateMachine(ctx, nil),
		timeouts: timeouts,
		config:   config,
		rec:      rec,
		now:      time.Unix(1000, 0),
	}
	f.timeouts.Tick(f.now)
	return f
}

func (f *fixture) receive(m *message.Message) {
	var q message.Queue
	f.sm.Receive(m, &q)
	f.sent = append(f.sent, q.Drain()...)
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
	for _, m := range f.timeouts.Tick(f.now) {
		f.receive(m)
	}
}

func aliveFrom(uri string) *message.Message {
	return message.Internal(IAmAlive, Alive{Server: uri}).SetHeader(message.HeaderFrom, uri)
}

func TestJoinArmsPeersAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.receive(message.Internal(Join, nil))

	assert.Equal(t, "running", f.sm.State())
	require.Len(t, f.sent, 1)
	assert.Equal(t, IAmAlive, f.sent[0].Type())
	assert.True(t, f.sent[0].IsBroadcast())
	assert.True(t, f.timeouts.IsSet(timedOutKey("b")))
	assert.True(t, f.timeouts.IsSet(timedOutKey("c")))
	assert.False(t, f.timeouts.IsSet(timedOutKey("a")))
	assert.True(t, f.timeouts.IsSet(sendKey))
}

func TestFailedReportedOnceAndAliveOnce(t *testing.T) {
	f := newFixture(t)
	f.receive(message.Internal(Join, nil))

	for i := 0; i < 10; i++ {
		f.advance(time.Second)
		f.receive(aliveFrom("c"))
	}
	assert.Equal(t, []string{"b"}, f.rec.failed)
	assert.Empty(t, f.rec.alive)
	assert.True(t, f.sm.Context().IsFailed("b"))
	assert.Equal(t, []string{"b"}, f.sm.Context().Failed())

	f.receive(aliveFrom("b"))
	f.receive(aliveFrom("b"))
	assert.Equal(t, []string{"b"}, f.rec.alive)
	assert.False(t, f.sm.Context().IsFailed("b"))

	// silent again: a second episode is reported again
	f.advance(4 * time.Second)
	assert.ElementsMatch(t, []string{"b", "b", "c"}, f.rec.failed)
}

func TestHeartbeatRepeats(t *testing.T) {
	f := newFixture(t)
	f.receive(message.Internal(Join, nil))
	f.sent = nil
	f.advance(time.Second)
	f.advance(time.Second)
	require.Len(t, f.sent, 2)
	for _, m := range f.sent {
		assert.Equal(t, IAmAlive, m.Type())
		assert.Equal(t, Alive{Server: "a"}, m.Payload())
	}
}

func TestJoinIsIdempotentAndResyncs(t *testing.T) {
	f := newFixture(t)
	f.receive(message.Internal(Join, nil))
	f.receive(message.Internal(Join, nil))
	assert.Len(t, f.sm.Context().armed, 2)

	f.config.Update(func(c *membership.Configuration) *membership.Configuration {
		return c.Left("c").Joined("d")
	})
	f.receive(message.Internal(Join, nil))
	assert.False(t, f.timeouts.IsSet(timedOutKey("c")))
	assert.True(t, f.timeouts.IsSet(timedOutKey("d")))
	assert.Len(t, f.sm.Context().armed, 2)
}

func TestUnknownPeerIgnored(t *testing.T) {
	f := newFixture(t)
	f.receive(message.Internal(Join, nil))
	f.receive(aliveFrom("zz"))
	f.receive(message.Internal(TimedOut, "zz"))
	assert.Empty(t, f.rec.failed)
	assert.False(t, f.timeouts.IsSet(timedOutKey("zz")))
}

func TestLeaveCancelsEverything(t *testing.T) {
	f := newFixture(t)
	f.receive(message.Internal(Join, nil))
	f.advance(5 * time.Second)
	require.NotEmpty(t, f.rec.failed)

	f.receive(message.Internal(Leave, nil))
	assert.Equal(t, "start", f.sm.State())
	assert.Equal(t, 0, f.timeouts.Len())
	assert.Empty(t, f.sm.Context().Failed())

	f.receive(aliveFrom("b"))
	assert.Empty(t, f.rec.alive, "start ignores heartbeats")
}

func TestHooksCanEmit(t *testing.T) {
	f := newFixture(t)
	var events []Event
	f.sm.Context().AddHook(func(e Event, uri string, out message.Holder) {
		events = append(events, e)
		out.Offer(message.Internal(Leave, nil))
	})
	f.receive(message.Internal(Join, nil))
	f.sent = nil
	f.receive(message.Internal(TimedOut, "b"))
	assert.Equal(t, []Event{Failed}, events)
	require.Len(t, f.sent, 1)
	assert.Equal(t, Leave, f.sent[0].Type())
}

type panicking struct{}

func (panicking) Failed(string) { panic("failed listener") }
func (panicking) Alive(string)  { panic("alive listener") }

func TestPanickingListenerDoesNotSilenceOthers(t *testing.T) {
	f := newFixture(t)
	second := &recorder{}
	f.sm.Context().AddListener(panicking{})
	f.sm.Context().AddListener(second)
	var events []Event
	f.sm.Context().AddHook(func(e Event, uri string, out message.Holder) { panic("hook") })
	f.sm.Context().AddHook(func(e Event, uri string, out message.Holder) { events = append(events, e) })
	f.receive(message.Internal(Join, nil))

	f.receive(message.Internal(TimedOut, "b"))
	assert.Equal(t, []string{"b"}, f.rec.failed)
	assert.Equal(t, []string{"b"}, second.failed)
	assert.Equal(t, []Event{Failed}, events)
	assert.True(t, f.sm.Context().IsFailed("b"))
	assert.True(t, f.timeouts.IsSet(timedOutKey("b")), "suspect stays armed")

	f.receive(aliveFrom("b"))
	assert.Equal(t, []string{"b"}, second.alive)
	assert.Equal(t, []Event{Failed, Recovered}, events)
	assert.False(t, f.sm.Context().IsFailed("b"))
}
