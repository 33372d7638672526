package transport

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

type envelope struct {
	from string
	to   string
	m    *message.Message
}

// DropFunc decides whether a message is lost in transit.
type DropFunc func(from, to string, m *message.Message) bool

// MemoryNetwork connects processors in one process. Sends are queued in
// FIFO order and only delivered by Deliver, so a test decides when the
// network makes progress. A server that is down neither sends nor receives.
type MemoryNetwork struct {
	mu        sync.Mutex
	nodes     map[string]message.Processor
	down      map[string]bool
	queue     []envelope
	drop      DropFunc
	codec     *Codec
	delivered int
	dropped   int
}

type MemoryOption func(*MemoryNetwork)

// WithCodec makes every message travel through its wire encoding.
func WithCodec() MemoryOption {
	return func(n *MemoryNetwork) { n.codec = &Codec{} }
}

func WithDrop(f DropFunc) MemoryOption {
	return func(n *MemoryNetwork) { n.drop = f }
}

func NewMemoryNetwork(opts ...MemoryOption) *MemoryNetwork {
	n := &MemoryNetwork{
		nodes: make(map[string]message.Processor),
		down:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register attaches the processor listening at addr.
func (n *MemoryNetwork) Register(addr string, p message.Processor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[addr] = p
}

// Sender returns the Sender of the server listening at from.
func (n *MemoryNetwork) Sender(from string) Sender {
	return SenderFunc(func(to string, m *message.Message) error {
		return n.send(from, to, m)
	})
}

func (n *MemoryNetwork) send(from, to string, m *message.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[to]; !ok {
		return errors.Errorf("no route to %s", to)
	}
	n.queue = append(n.queue, envelope{from: from, to: to, m: m.Clone()})
	return nil
}

// Down cuts addr off the network in both directions until Up.
func (n *MemoryNetwork) Down(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = true
}

func (n *MemoryNetwork) Up(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, addr)
}

func (n *MemoryNetwork) IsDown(addr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.down[addr]
}

// SetDrop replaces the loss function; nil disables loss.
func (n *MemoryNetwork) SetDrop(f DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Pending is the number of queued messages.
func (n *MemoryNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Stats reports how many messages were delivered and dropped so far.
func (n *MemoryNetwork) Stats() (delivered, dropped int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered, n.dropped
}

// Deliver hands every message queued so far to its destination and returns
// how many arrived. Messages sent while delivering wait for the next round.
func (n *MemoryNetwork) Deliver() (int, error) {
	n.mu.Lock()
	batch := n.queue
	n.queue = nil
	n.mu.Unlock()

	arrived := 0
	for _, e := range batch {
		p, ok := n.admit(e)
		if !ok {
			continue
		}
		m := e.m
		if n.codec != nil {
			data, err := n.codec.Encode(m)
			if err != nil {
				return arrived, err
			}
			if m, err = n.codec.Decode(data); err != nil {
				return arrived, err
			}
		}
		p.Process(m)
		arrived++
	}
	return arrived, nil
}

func (n *MemoryNetwork) admit(e envelope) (message.Processor, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[e.from] || n.down[e.to] || (n.drop != nil && n.drop(e.from, e.to, e.m)) {
		n.dropped++
		return nil, false
	}
	n.delivered++
	return n.nodes[e.to], true
}
