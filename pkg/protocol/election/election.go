// Package election assigns cluster roles by vote. When a role holder is
// demoted (typically because heartbeat suspects it), the elector asks every
// live member for a candidate and proposes the winner as a configuration
// change through paxos.
package election

import (
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
)

const Family message.Family = "election"

type MessageType string

const (
	Demote          MessageType = "demote"
	Promote         MessageType = "promote"
	Vote            MessageType = "vote"
	Voted           MessageType = "voted"
	PerformElection MessageType = "performElection"
)

func (MessageType) Family() message.Family { return Family }
func (t MessageType) String() string     { return string(t) }

// A voter that never answers abstains: the vote request comes back as voted.
func (t MessageType) FailureMessage() message.Type {
	if t == Vote {
		return Voted
	}
	return nil
}

func (t MessageType) Next() []message.Type {
	if t == Vote {
		return []message.Type{Voted}
	}
	return nil
}

func init() {
	message.Register(Demote, "")
	message.Register(Promote, PromoteValue{})
	message.Register(Vote, VoteRequest{})
	message.Register(Voted, VoteValue{})
	message.Register(PerformElection, nil)
}

type PromoteValue struct {
	Node string `json:"node"`
	Role string `json:"role"`
}

type VoteRequest struct {
	Role    string `json:"role"`
	Demoted string `json:"demoted,omitempty"`
}

// VoteValue is one member's suggestion for a role.
type VoteValue struct {
	Role        string `json:"role"`
	Voter       string `json:"voter"`
	Candidate   string `json:"candidate"`
	Credentials int64  `json:"credentials"`
}

// FailureView tells which members are suspected.
type FailureView interface {
	IsFailed(uri string) bool
}

// Credentials ranks this server as a candidate for role. Higher wins.
type Credentials func(role string) int64

// Stable gives every server the same credentials, leaving the address to
// break the tie.
func Stable(string) int64 { return 0 }

type ballotBox struct {
	demoted string
	voters  []string
	votes   map[string]VoteValue
}

type Context struct {
	me          string
	config      *membership.Holder
	failures    FailureView
	credentials Credentials
	roles       []string
	logger      *zap.Logger

	ballots map[string]*ballotBox
	serial  int
}

// NewContext builds an election context for roles, the roles kept filled
// whenever the configuration changes.
func NewContext(config *membership.Holder, failures FailureView, credentials Credentials, roles []string, logger *zap.Logger) *Context {
	if credentials == nil {
		credentials = Stable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		config:      config,
		failures:    failures,
		credentials: credentials,
		roles:       slices.Clone(roles),
		logger:      logger.Named("election"),
		ballots:     make(map[string]*ballotBox),
	}
}

func (c *Context) Bind(me string) { c.me = me }

// Roles returns the roles this context keeps elected.
func (c *Context) Roles() []string { return slices.Clone(c.roles) }

func (c *Context) failed(uri string) bool {
	return c.failures != nil && c.failures.IsFailed(uri)
}

// live is the configuration minus suspected members, in member order.
func (c *Context) live(cfg *membership.Configuration) []string {
	var out []string
	for _, m := range cfg.Members() {
		if m == c.me || !c.failed(m) {
			out = append(out, m)
		}
	}
	return out
}

// isElector reports whether this server is the first live member.
func (c *Context) isElector(cfg *membership.Configuration) bool {
	live := c.live(cfg)
	return len(live) > 0 && live[0] == c.me
}

func (c *Context) startElection(role, demoted string, out message.Holder) {
	cfg := c.config.Get()
	voters := slices.DeleteFunc(c.live(cfg), func(m string) bool { return m == demoted })
	if len(voters) == 0 {
		return
	}
	c.ballots[role] = &ballotBox{demoted: demoted, voters: voters, votes: make(map[string]VoteValue)}
	c.logger.Info("election started", zap.String("me", c.me), zap.String("role", role), zap.String("demoted", demoted), zap.Strings("voters", voters))
	for _, v := range voters {
		out.Offer(message.To(Vote, v, VoteRequest{Role: role, Demoted: demoted}))
	}
}

// Winner picks the highest credentials; equal credentials go to the smallest
// address so every elector agrees.
func Winner(votes []VoteValue, excluded string) (string, bool) {
	var best *VoteValue
	for i := range votes {
		v := &votes[i]
		if v.Candidate == "" || v.Candidate == excluded {
			continue
		}
		if best == nil ||
			v.Credentials > best.Credentials ||
			(v.Credentials == best.Credentials && strings.Compare(v.Candidate, best.Candidate) < 0) {
			best = v
		}
	}
	if best == nil {
		return "", false
	}
	return best.Candidate, true
}

func (c *Context) publish(role, uri string, out message.Holder) {
	c.serial++
	id := c.me + "/elect/" + role + "/" + uri + "/" + strconv.Itoa(c.serial)
	p, err := cluster.ElectedChange(role, uri).Payload(id)
	if err != nil {
		c.logger.Error("encode election result", zap.Error(err))
		return
	}
	// Proposed locally: the coordinator may be the member being replaced.
	out.Offer(message.Internal(paxos.Propose, p))
}

func (c *Context) tally(role string, box *ballotBox, out message.Holder) {
	for _, v := range box.voters {
		if _, ok := box.votes[v]; !ok {
			return
		}
	}
	delete(c.ballots, role)
	votes := make([]VoteValue, 0, len(box.votes))
	for _, v := range box.votes {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].Voter < votes[j].Voter })
	winner, ok := Winner(votes, box.demoted)
	if !ok {
		return
	}
	c.logger.Info("election decided", zap.String("me", c.me), zap.String("role", role), zap.String("winner", winner))
	if c.config.Get().Elected(role) != winner {
		c.publish(role, winner, out)
	}
}

type state uint8

const (
	start state = iota
	electing
)

func (s state) String() string {
	if s == start {
		return "start"
	}
	return "election"
}

// phase is electing while any ballot box is open.
func (c *Context) phase() state {
	if len(c.ballots) > 0 {
		return electing
	}
	return start
}

func (state) Handle(c *Context, m *message.Message, out message.Holder) (statemachine.State[*Context], error) {
	switch m.Type() {
	case Demote:
		node, _ := m.Payload().(string)
		cfg := c.config.Get()
		if !c.isElector(cfg) {
			return c.phase(), nil
		}
		for role, ballot := range c.ballots {
			if ballot.demoted == node {
				delete(c.ballots, role)
			}
		}
		for _, role := range cfg.RolesOf(node) {
			c.startElection(role, node, out)
		}
	case Promote:
		p, _ := m.Payload().(PromoteValue)
		if p.Role != "" && c.config.Get().Contains(p.Node) {
			c.publish(p.Role, p.Node, out)
		}
	case Vote:
		req, _ := m.Payload().(VoteRequest)
		candidate := c.me
		if candidate == req.Demoted {
			candidate = ""
		}
		out.Offer(message.Respond(Voted, m, VoteValue{
			Role:        req.Role,
			Voter:       c.me,
			Candidate:   candidate,
			Credentials: c.credentials(req.Role),
		}))
	case Voted:
		var v VoteValue
		switch p := m.Payload().(type) {
		case VoteValue:
			v = p
		case VoteRequest:
			v = VoteValue{Role: p.Role, Voter: m.Header(message.HeaderFrom)}
		}
		box, ok := c.ballots[v.Role]
		if !ok || !slices.Contains(box.voters, v.Voter) {
			return c.phase(), nil
		}
		box.votes[v.Voter] = v
		c.tally(v.Role, box, out)
	case PerformElection:
		cfg := c.config.Get()
		if !cfg.Contains(c.me) || !c.isElector(cfg) {
			return c.phase(), nil
		}
		for _, role := range c.roles {
			holder := cfg.Elected(role)
			if holder != "" && !c.failed(holder) {
				continue
			}
			if _, running := c.ballots[role]; running {
				continue
			}
			c.startElection(role, holder, out)
		}
		return c.phase(), nil
	}
	return c.phase(), nil
}

func NewStateMachine(c *Context, logger *zap.Logger) *statemachine.StateMachine[*Context] {
	return statemachine.New[*Context](Family, c, start, logger)
}

// Client drives elections from outside dispatch.
type Client struct {
	caller statemachine.Caller
}

func NewClient(caller statemachine.Caller) *Client {
	return &Client{caller: caller}
}

// Demote re-elects every role node holds.
func (c *Client) Demote(node string) { c.caller.Send(Demote, node) }

// Promote assigns role to node without a vote.
func (c *Client) Promote(node, role string) {
	c.caller.Send(Promote, PromoteValue{Node: node, Role: role})
}

// PerformElection fills roles that have no live holder.
func (c *Client) PerformElection() { c.caller.Send(PerformElection, nil) }
