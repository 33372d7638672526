// Package message defines the envelope exchanged between protocol state
// machines, both locally and over the network. A message carries a typed tag,
// an optional payload and a set of string headers. Messages without a TO
// header are internal and never leave the process.
package message

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Reserved headers.
const (
	HeaderTo             = "TO"
	HeaderFrom           = "FROM"
	HeaderConversationID = "CONVERSATION_ID"
	HeaderCreatedBy      = "CREATED_BY"
)

// Broadcast is the TO sentinel meaning "every known member except me".
const Broadcast = "*"

// Family names a message-type family. Each family is handled by exactly one
// state machine in a server.
type Family string

// Type is one value from a closed, per-family enumeration.
type Type interface {
	Family() Family
	String() string
}

// Expecting is implemented by types that expect a reply. FailureMessage is
// synthesized when no reply of a type in Next arrives in time; a nil
// FailureMessage means no expectation is armed.
type Expecting interface {
	FailureMessage() Type
	Next() []Type
}

// FailureOf returns the failure type declared by t, or nil.
func FailureOf(t Type) Type {
	if e, ok := t.(Expecting); ok {
		return e.FailureMessage()
	}
	return nil
}

// IsReply reports whether reply is a declared valid reply to request.
func IsReply(request, reply Type) bool {
	e, ok := request.(Expecting)
	if !ok {
		return false
	}
	for _, n := range e.Next() {
		if n == reply {
			return true
		}
	}
	return false
}

type Message struct {
	typ     Type
	payload any
	headers map[string]string
}

// Internal builds a message that is redelivered to a local state machine.
func Internal(t Type, payload any) *Message {
	return &Message{typ: t, payload: payload, headers: make(map[string]string)}
}

// To builds a message addressed to a remote (or loopback) participant.
func To(t Type, to string, payload any) *Message {
	return Internal(t, payload).SetHeader(HeaderTo, to)
}

// Respond builds a reply to request, addressed to its sender and carrying its
// conversation.
func Respond(t Type, request *Message, payload any) *Message {
	m := To(t, request.Header(HeaderFrom), payload)
	return request.CopyHeadersTo(m, HeaderConversationID, HeaderCreatedBy)
}

// Timeout builds an internal message to be armed as a timeout. It keeps the
// conversation of the message that armed it.
func Timeout(t Type, trigger *Message, payload any) *Message {
	m := Internal(t, payload)
	if trigger != nil {
		trigger.CopyHeadersTo(m, HeaderConversationID, HeaderCreatedBy)
	}
	return m
}

func (m *Message) Type() Type   { return m.typ }
func (m *Message) Payload() any { return m.payload }

func (m *Message) SetHeader(name, value string) *Message {
	m.headers[name] = value
	return m
}

func (m *Message) Header(name string) string {
	return m.headers[name]
}

func (m *Message) HasHeader(name string) bool {
	_, ok := m.headers[name]
	return ok
}

func (m *Message) RemoveHeader(name string) *Message {
	delete(m.headers, name)
	return m
}

// Headers returns a copy of the header map.
func (m *Message) Headers() map[string]string {
	return maps.Clone(m.headers)
}

// CopyHeadersTo copies the named headers (all of them when names is empty)
// onto target, without overwriting headers target already has.
func (m *Message) CopyHeadersTo(target *Message, names ...string) *Message {
	if len(names) == 0 {
		for k, v := range m.headers {
			if !target.HasHeader(k) {
				target.headers[k] = v
			}
		}
		return target
	}
	for _, name := range names {
		v, ok := m.headers[name]
		if ok && !target.HasHeader(name) {
			target.headers[name] = v
		}
	}
	return target
}

// IsInternal reports whether the message stays inside the process.
func (m *Message) IsInternal() bool {
	return !m.HasHeader(HeaderTo)
}

func (m *Message) IsBroadcast() bool {
	return m.Header(HeaderTo) == Broadcast
}

// Clone returns a copy with an independent header map. The payload is shared.
func (m *Message) Clone() *Message {
	return &Message{typ: m.typ, payload: m.payload, headers: maps.Clone(m.headers)}
}

// WithHeaders returns a message of type t with the given payload and headers.
// Used by codecs rebuilding a message from the wire.
func WithHeaders(t Type, payload any, headers map[string]string) *Message {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Message{typ: t, payload: payload, headers: maps.Clone(headers)}
}

func (m *Message) String() string {
	keys := make([]string, 0, len(m.headers))
	for k := range m.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s{", m.typ.Family(), m.typ)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s=%s", k, m.headers[k])
	}
	fmt.Fprintf(&b, "} %v", m.payload)
	return b.String()
}

// Holder receives messages emitted by a state transition.
type Holder interface {
	Offer(m *Message)
}

// Processor consumes a message. Interceptors return false to stop the
// message from travelling further.
type Processor interface {
	Process(m *Message) bool
}

type ProcessorFunc func(m *Message) bool

func (f ProcessorFunc) Process(m *Message) bool { return f(m) }

// Queue is a FIFO Holder.
type Queue struct {
	items []*Message
}

func (q *Queue) Offer(m *Message) {
	q.items = append(q.items, m)
}

// Poll removes and returns the oldest message, or nil.
func (q *Queue) Poll() *Message {
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m
}

func (q *Queue) Len() int { return len(q.items) }

// Drain removes and returns all queued messages.
func (q *Queue) Drain() []*Message {
	out := q.items
	q.items = nil
	return out
}
