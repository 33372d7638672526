// Package timeout schedules named timeouts that turn into messages when they
// expire. Time only advances through Tick, so the owning server decides
// whether that is wall time or a simulated clock.
package timeout

import (
	"sort"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

// Strategy decides how long a timeout armed with a given message lasts.
type Strategy interface {
	TimeoutFor(m *message.Message) time.Duration
}

// Fixed is a Strategy with a default and per-type overrides.
type Fixed struct {
	Default   time.Duration
	Overrides map[message.Type]time.Duration
}

func NewFixed(def time.Duration) *Fixed {
	return &Fixed{Default: def, Overrides: make(map[message.Type]time.Duration)}
}

// With sets the duration for messages of type t.
func (f *Fixed) With(t message.Type, d time.Duration) *Fixed {
	f.Overrides[t] = d
	return f
}

func (f *Fixed) TimeoutFor(m *message.Message) time.Duration {
	if d, ok := f.Overrides[m.Type()]; ok {
		return d
	}
	return f.Default
}

type entry struct {
	key      string
	deadline time.Time
	msg      *message.Message
	seq      uint64
}

type Timeouts struct {
	mu       sync.Mutex
	strategy Strategy
	now      time.Time
	seq      uint64
	pending  map[string]*entry
}

func New(strategy Strategy) *Timeouts {
	return &Timeouts{
		strategy: strategy,
		pending:  make(map[string]*entry),
	}
}

// SetTimeout arms key to fire m after the strategy's duration, replacing any
// timeout already armed under key.
func (t *Timeouts) SetTimeout(key string, m *message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.pending[key] = &entry{
		key:      key,
		deadline: t.now.Add(t.strategy.TimeoutFor(m)),
		msg:      m,
		seq:      t.seq,
	}
}

// CancelTimeout disarms key and returns the message it would have fired.
func (t *Timeouts) CancelTimeout(key string) *message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[key]
	if !ok {
		return nil
	}
	delete(t.pending, key)
	return e.msg
}

func (t *Timeouts) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.pending)
}

func (t *Timeouts) IsSet(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

func (t *Timeouts) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Now is the time of the last tick.
func (t *Timeouts) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

// Tick advances the clock to now and removes every expired timeout, returning
// their messages ordered by deadline then arming order. The first tick only
// sets the clock.
func (t *Timeouts) Tick(now time.Time) []*message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.now.IsZero() {
		// Timeouts armed before the first tick are relative to it.
		for _, e := range t.pending {
			e.deadline = now.Add(e.deadline.Sub(t.now))
		}
	}
	t.now = now

	var expired []*entry
	for key, e := range t.pending {
		if !e.deadline.After(now) {
			expired = append(expired, e)
			delete(t.pending, key)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].deadline.Equal(expired[j].deadline) {
			return expired[i].deadline.Before(expired[j].deadline)
		}
		return expired[i].seq < expired[j].seq
	})

	out := make([]*message.Message, 0, len(expired))
	for _, e := range expired {
		out = append(out, e.msg)
	}
	return out
}
