package statemachine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

// ConversationError is returned by Call when the conversation ended with the
// request's declared failure message.
type ConversationError struct {
	Type    message.Type
	Payload any
}

func (e *ConversationError) Error() string {
	if err, ok := e.Payload.(error); ok {
		return fmt.Sprintf("%s: %v", e.Type, err)
	}
	if e.Payload == nil {
		return e.Type.String()
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Payload)
}

func (e *ConversationError) Unwrap() error {
	err, _ := e.Payload.(error)
	return err
}

// Caller is what typed protocol clients are built on.
type Caller interface {
	// Call injects a request and blocks until its conversation is answered.
	Call(ctx context.Context, t message.Type, payload any) (any, error)
	// Send injects a request without waiting for a reply.
	Send(t message.Type, payload any)
}

type pendingCall struct {
	request message.Type
	reply   chan *message.Message
}

// Proxy correlates replies with blocked callers by conversation id. It must be
// registered as both an incoming and an outgoing processor so it observes
// replies produced locally and failures injected from outside.
type Proxy struct {
	mu            sync.Mutex
	pending       map[string]*pendingCall
	conversations *Conversations
	target        message.Processor
}

func NewProxy(conversations *Conversations, target message.Processor) *Proxy {
	return &Proxy{
		pending:       make(map[string]*pendingCall),
		conversations: conversations,
		target:        target,
	}
}

// Call must not be invoked from a dispatch goroutine: the reply is produced
// under the dispatch lock.
func (p *Proxy) Call(ctx context.Context, t message.Type, payload any) (any, error) {
	id := p.conversations.Next()
	call := &pendingCall{request: t, reply: make(chan *message.Message, 1)}

	p.mu.Lock()
	p.pending[id] = call
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	p.target.Process(p.request(id, t, payload))

	select {
	case reply := <-call.reply:
		if reply.Type() == message.FailureOf(t) {
			return nil, &ConversationError{Type: reply.Type(), Payload: reply.Payload()}
		}
		return reply.Payload(), nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "call %s", t)
	}
}

func (p *Proxy) Send(t message.Type, payload any) {
	p.target.Process(p.request(p.conversations.Next(), t, payload))
}

func (p *Proxy) request(id string, t message.Type, payload any) *message.Message {
	return message.Internal(t, payload).
		SetHeader(message.HeaderConversationID, id).
		SetHeader(message.HeaderCreatedBy, p.conversations.Me())
}

// Pending is the number of calls awaiting a reply.
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Process resolves the pending call whose conversation m belongs to, if m is
// a declared reply or the declared failure of that call's request.
func (p *Proxy) Process(m *message.Message) bool {
	id := m.Header(message.HeaderConversationID)
	if id == "" {
		return true
	}
	p.mu.Lock()
	call, ok := p.pending[id]
	if !ok {
		p.mu.Unlock()
		return true
	}
	failure := message.FailureOf(call.request)
	answered := (failure != nil && m.Type() == failure) || message.IsReply(call.request, m.Type())
	if answered {
		// the call is resolved here, not when the caller wakes up
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if answered {
		call.reply <- m
	}
	return true
}
