package statemachine

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

// DefaultExpectationTimeout is how long an addressed request may go
// unanswered before its failure message is synthesized.
const DefaultExpectationTimeout = 3 * time.Second

type expectation struct {
	key      string
	request  *message.Message
	deadline time.Time
	done     atomic.Bool
}

// Expectations watches addressed requests whose type declares a failure
// message. If no declared reply from the destination arrives before the
// deadline, the failure message is fed to the incoming processor with the
// request's conversation id. Cancel and fire race on a per-expectation flag;
// exactly one of them takes effect.
type Expectations struct {
	mu       sync.Mutex
	pending  map[string]*expectation
	timeout  time.Duration
	now      time.Time
	incoming message.Processor
	logger   *zap.Logger
}

func NewExpectations(
	timeout time.Duration,
	incoming message.Processor,
	logger *zap.Logger,
) *Expectations {
	if timeout <= 0 {
		timeout = DefaultExpectationTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expectations{
		pending:  make(map[string]*expectation),
		timeout:  timeout,
		incoming: incoming,
		logger:   logger,
	}
}

func expectationKey(conversation, peer string) string {
	return conversation + "|" + peer
}

// Outgoing is the outgoing-processor hook that arms expectations.
func (e *Expectations) Outgoing() message.Processor {
	return message.ProcessorFunc(func(m *message.Message) bool {
		if m.IsInternal() || m.IsBroadcast() || message.FailureOf(m.Type()) == nil {
			return true
		}
		conversation := m.Header(message.HeaderConversationID)
		if conversation == "" {
			return true
		}
		key := expectationKey(conversation, m.Header(message.HeaderTo))
		e.mu.Lock()
		if old, ok := e.pending[key]; ok {
			old.done.Store(true)
		}
		e.pending[key] = &expectation{
			key:      key,
			request:  m,
			deadline: e.now.Add(e.timeout),
		}
		e.mu.Unlock()
		return true
	})
}

// Incoming is the incoming-processor hook that cancels satisfied
// expectations.
func (e *Expectations) Incoming() message.Processor {
	return message.ProcessorFunc(func(m *message.Message) bool {
		conversation := m.Header(message.HeaderConversationID)
		if conversation == "" || !m.HasHeader(message.HeaderFrom) {
			return true
		}
		key := expectationKey(conversation, m.Header(message.HeaderFrom))
		e.mu.Lock()
		exp, ok := e.pending[key]
		if ok && message.IsReply(exp.request.Type(), m.Type()) && exp.done.CompareAndSwap(false, true) {
			delete(e.pending, key)
		}
		e.mu.Unlock()
		return true
	})
}

// Len is the number of armed expectations.
func (e *Expectations) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Tick fires every expectation whose deadline has passed. It must be called
// without holding the dispatch lock, since failures re-enter through the
// incoming processor.
func (e *Expectations) Tick(now time.Time) {
	e.mu.Lock()
	if e.now.IsZero() {
		for _, exp := range e.pending {
			exp.deadline = now.Add(exp.deadline.Sub(e.now))
		}
	}
	e.now = now
	var fired []*expectation
	for key, exp := range e.pending {
		if exp.deadline.After(now) {
			continue
		}
		delete(e.pending, key)
		if exp.done.CompareAndSwap(false, true) {
			fired = append(fired, exp)
		}
	}
	e.mu.Unlock()

	sort.Slice(fired, func(i, j int) bool { return fired[i].key < fired[j].key })
	for _, exp := range fired {
		failure := message.Internal(message.FailureOf(exp.request.Type()), exp.request.Payload())
		exp.request.CopyHeadersTo(failure, message.HeaderConversationID, message.HeaderCreatedBy)
		failure.SetHeader(message.HeaderFrom, exp.request.Header(message.HeaderTo))
		e.logger.Debug(
			"expectation failed",
			zap.Stringer("request", exp.request.Type()),
			zap.Stringer("failure", failure.Type()),
			zap.String("peer", exp.request.Header(message.HeaderTo)),
		)
		e.incoming.Process(failure)
	}
}
