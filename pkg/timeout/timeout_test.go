package timeout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

type tick string

func (t tick) Family() message.Family { return "timer" }
func (t tick) String() string         { return string(t) }

const (
	fast tick = "fast"
	slow tick = "slow"
)

var epoch = time.Unix(1_700_000_000, 0)

func newTimeouts() *Timeouts {
	s := NewFixed(100 * time.Millisecond).With(slow, time.Second)
	t := New(s)
	t.Tick(epoch)
	return t
}

func TestFiresAfterStrategyDuration(t *testing.T) {
	to := newTimeouts()
	to.SetTimeout("a", message.Internal(fast, nil))

	assert.Empty(t, to.Tick(epoch.Add(99*time.Millisecond)))
	fired := to.Tick(epoch.Add(100 * time.Millisecond))
	require.Len(t, fired, 1)
	assert.Equal(t, message.Type(fast), fired[0].Type())
	assert.False(t, to.IsSet("a"))
}

func TestResettingKeyReplacesTimer(t *testing.T) {
	to := newTimeouts()
	to.SetTimeout("a", message.Internal(fast, 1))
	to.Tick(epoch.Add(50 * time.Millisecond))
	to.SetTimeout("a", message.Internal(fast, 2))

	assert.Empty(t, to.Tick(epoch.Add(120*time.Millisecond)))
	fired := to.Tick(epoch.Add(150 * time.Millisecond))
	require.Len(t, fired, 1)
	assert.Equal(t, 2, fired[0].Payload())
}

func TestCancel(t *testing.T) {
	to := newTimeouts()
	m := message.Internal(slow, nil)
	to.SetTimeout("s", m)
	assert.Same(t, m, to.CancelTimeout("s"))
	assert.Nil(t, to.CancelTimeout("s"))
	assert.Empty(t, to.Tick(epoch.Add(time.Hour)))
}

func TestFiredInDeadlineOrder(t *testing.T) {
	to := newTimeouts()
	to.SetTimeout("slow", message.Internal(slow, nil))
	to.SetTimeout("fast1", message.Internal(fast, 1))
	to.SetTimeout("fast2", message.Internal(fast, 2))

	fired := to.Tick(epoch.Add(2 * time.Second))
	require.Len(t, fired, 3)
	assert.Equal(t, 1, fired[0].Payload())
	assert.Equal(t, 2, fired[1].Payload())
	assert.Equal(t, message.Type(slow), fired[2].Type())
}

func TestArmedBeforeFirstTick(t *testing.T) {
	to := New(NewFixed(time.Second))
	to.SetTimeout("a", message.Internal(fast, nil))
	assert.Empty(t, to.Tick(epoch))
	assert.Len(t, to.Tick(epoch.Add(time.Second)), 1)
}

func TestCancelAll(t *testing.T) {
	to := newTimeouts()
	to.SetTimeout("a", message.Internal(fast, nil))
	to.SetTimeout("b", message.Internal(slow, nil))
	to.CancelAll()
	assert.Equal(t, 0, to.Len())
}
