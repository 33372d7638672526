// Package paxos implements pipelined multi-instance Paxos as four
// cooperating state machines (proposer, acceptor, learner and the atomic
// broadcast facade) sharing one Context.
package paxos

import (
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/timeout"
)

const (
	// BookedWindow bounds the instances one proposer drives at a time.
	BookedWindow = 10
	// BallotStep separates ballot rounds; the remainder is the server id.
	BallotStep = 100
	// CoordinatorRole is the role atomic broadcast forwards proposals to.
	CoordinatorRole = "coordinator"
)

type instanceState uint8

const (
	empty instanceState = iota
	p1Pending
	p1Ready
	p2Pending
	closed
	delivered
)

func (s instanceState) String() string {
	return [...]string{"empty", "p1_pending", "p1_ready", "p2_pending", "closed", "delivered"}[s]
}

type proposerInstance struct {
	id       InstanceID
	state    instanceState
	ballot   int64
	highest  int64 // highest ballot any acceptor reported being bound to
	value1   *Payload
	ballot1  int64
	value2   *Payload
	booked   *Payload
	promises map[string]struct{}
	accepts  map[string]struct{}
	rejects  map[string]struct{}
}

func newProposerInstance(id InstanceID) *proposerInstance {
	return &proposerInstance{id: id}
}

func (p *proposerInstance) resetVotes() {
	p.promises = make(map[string]struct{})
	p.accepts = make(map[string]struct{})
	p.rejects = make(map[string]struct{})
}

func (p *proposerInstance) promisers() []string {
	out := make([]string, 0, len(p.promises))
	for uri := range p.promises {
		out = append(out, uri)
	}
	slices.Sort(out)
	return out
}

type acceptorInstance struct {
	id             InstanceID
	promised       int64
	acceptedBallot int64
	value          *Payload
}

func newAcceptorInstance(id InstanceID) *acceptorInstance {
	return &acceptorInstance{id: id}
}

type learnerInstance struct {
	id    InstanceID
	value *Payload
}

func newLearnerInstance(id InstanceID) *learnerInstance {
	return &learnerInstance{id: id}
}

// Phase2Request describes an instance whose phase 1 reached quorum.
type Phase2Request struct {
	Instance  InstanceID
	Ballot    int64
	Value     Payload
	Promisers []string
}

// Phase2 starts phase 2 of an instance. The default sends accept to every
// member; ring paxos replaces it.
type Phase2 func(c *Context, req Phase2Request, trigger *message.Message, out message.Holder)

// Listener receives delivered values that have no internal route.
type Listener interface {
	Receive(d Delivery)
}

type ListenerFunc func(d Delivery)

func (f ListenerFunc) Receive(d Delivery) { f(d) }

// Context is shared by the proposer, acceptor, learner and atomic broadcast
// machines of one server. It is only mutated under the dispatch lock.
type Context struct {
	me              string
	serverID        int
	allowedFailures int
	config          *membership.Holder
	timeouts        *timeout.Timeouts
	logger          *zap.Logger
	phase2          Phase2

	proposals    *instanceStore[proposerInstance]
	inflight     map[InstanceID]struct{}
	pending      []Payload
	nextInstance InstanceID

	accepted *instanceStore[acceptorInstance]

	learned       *instanceStore[learnerInstance]
	lastDelivered atomic.Int64
	lastLearned   InstanceID
	responder     int
	// source is the last remote server a learn came from. A joiner knows no
	// members yet and catches up from it.
	source string

	routesMu sync.RWMutex
	routes   map[string]message.Type

	listeners atomic.Pointer[[]Listener]
}

type Option func(*Context)

// WithPhase2 replaces how phase 2 is run.
func WithPhase2(p Phase2) Option {
	return func(c *Context) { c.phase2 = p }
}

func NewContext(
	serverID int,
	allowedFailures int,
	config *membership.Holder,
	timeouts *timeout.Timeouts,
	logger *zap.Logger,
	opts ...Option,
) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Context{
		serverID:        serverID,
		allowedFailures: allowedFailures,
		config:          config,
		timeouts:        timeouts,
		logger:          logger.Named("paxos"),
		phase2:          broadcastAccept,
		proposals:       newInstanceStore(DeliveredCapacity, newProposerInstance),
		inflight:        make(map[InstanceID]struct{}),
		nextInstance:    1,
		accepted:        newInstanceStore(DeliveredCapacity, newAcceptorInstance),
		learned:         newInstanceStore(DeliveredCapacity, newLearnerInstance),
		routes:          make(map[string]message.Type),
	}
	c.listeners.Store(&[]Listener{})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Context) Bind(me string) { c.me = me }

func (c *Context) Me() string { return c.me }

func (c *Context) ServerID() int { return c.serverID }

func (c *Context) Config() *membership.Configuration { return c.config.Get() }

func (c *Context) Timeouts() *timeout.Timeouts { return c.timeouts }

func (c *Context) Logger() *zap.Logger { return c.logger }

// Quorum is the number of acceptors that must agree in each phase.
func (c *Context) Quorum() int {
	return membership.QuorumSize(c.config.Get().Size(), c.allowedFailures)
}

// LastDelivered is the highest instance of the gap-free delivered prefix.
func (c *Context) LastDelivered() InstanceID {
	return InstanceID(c.lastDelivered.Load())
}

// Pending is the number of proposals waiting for a free instance.
func (c *Context) Pending() int { return len(c.pending) }

// InFlight is the number of instances this server is driving.
func (c *Context) InFlight() int { return len(c.inflight) }

// Route sends delivered payloads of kind to the internal message type t
// instead of the listeners.
func (c *Context) Route(kind string, t message.Type) {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	c.routes[kind] = t
}

func (c *Context) route(kind string) (message.Type, bool) {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()
	t, ok := c.routes[kind]
	return t, ok
}

func (c *Context) AddListener(l Listener) {
	for {
		cur := c.listeners.Load()
		next := append(slices.Clone(*cur), l)
		if c.listeners.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// seed moves every role past instance, used when joining a running cluster.
func (c *Context) seed(instance InstanceID) {
	if instance > c.LastDelivered() {
		c.lastDelivered.Store(int64(instance))
	}
	if instance > c.lastLearned {
		c.lastLearned = instance
	}
	if instance >= c.nextInstance {
		c.nextInstance = instance + 1
	}
}

// NextBallot returns this server's first ballot above highest.
func (c *Context) NextBallot(highest int64) int64 {
	return (highest/BallotStep+1)*BallotStep + int64(c.serverID)
}

func phase1Key(id InstanceID) string {
	return "proposer/phase1/" + itoa(id)
}

func phase2Key(id InstanceID) string {
	return "proposer/phase2/" + itoa(id)
}

const gapKey = "learner/gap"

func itoa(id InstanceID) string { return strconv.FormatInt(int64(id), 10) }
