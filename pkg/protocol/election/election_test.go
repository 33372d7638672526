package election

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
)

type suspects map[string]bool

func (s suspects) IsFailed(uri string) bool { return s[uri] }

type fixture struct {
	sm     *statemachine.StateMachine[*Context]
	config *membership.Holder
	sent   []*message.Message
}

func newFixture(me string, roles map[string]string, failed suspects, credentials Credentials) *fixture {
	config := membership.NewHolder()
	config.Set(membership.New("test", []string{"a", "b", "c"}, roles))
	ctx := NewContext(config, failed, credentials, []string{paxos.CoordinatorRole}, nil)
	ctx.Bind(me)
	return &fixture{sm: NewStateMachine(ctx, nil), config: config}
}

func (f *fixture) receive(m *message.Message) {
	var q message.Queue
	f.sm.Receive(m, &q)
	f.sent = append(f.sent, q.Drain()...)
}

func (f *fixture) drain() []*message.Message {
	out := f.sent
	f.sent = nil
	return out
}

func voted(from string, candidate string, credentials int64) *message.Message {
	return message.To(Voted, "a", VoteValue{
		Role:        paxos.CoordinatorRole,
		Voter:       from,
		Candidate:   candidate,
		Credentials: credentials,
	}).SetHeader(message.HeaderFrom, from)
}

func proposed(t *testing.T, ms []*message.Message) cluster.Change {
	t.Helper()
	require.Len(t, ms, 1)
	require.Equal(t, paxos.Propose, ms[0].Type())
	assert.True(t, ms[0].IsInternal())
	change, err := cluster.DecodeChange(ms[0].Payload().(paxos.Payload))
	require.NoError(t, err)
	return change
}

func TestWinnerPrefersCredentialsThenAddress(t *testing.T) {
	winner, ok := Winner([]VoteValue{
		{Candidate: "c", Credentials: 1},
		{Candidate: "b", Credentials: 5},
		{Candidate: "a", Credentials: 5},
	}, "")
	require.True(t, ok)
	assert.Equal(t, "a", winner)

	winner, ok = Winner([]VoteValue{{Candidate: "c", Credentials: 1}, {Candidate: "b"}}, "")
	require.True(t, ok)
	assert.Equal(t, "c", winner)
}

func TestWinnerSkipsExcludedAndAbstentions(t *testing.T) {
	winner, ok := Winner([]VoteValue{{Candidate: "a", Credentials: 9}, {Candidate: ""}, {Candidate: "c"}}, "a")
	require.True(t, ok)
	assert.Equal(t, "c", winner)

	_, ok = Winner([]VoteValue{{Candidate: ""}, {Candidate: "a"}}, "a")
	assert.False(t, ok)
}

func TestDemoteRunsElectionOnFirstLiveMember(t *testing.T) {
	f := newFixture("a", map[string]string{paxos.CoordinatorRole: "b"}, suspects{"b": true}, nil)

	f.receive(message.Internal(Demote, "b"))
	votes := f.drain()
	require.Len(t, votes, 2)
	assert.Equal(t, "a", votes[0].Header(message.HeaderTo))
	assert.Equal(t, "c", votes[1].Header(message.HeaderTo))
	assert.Equal(t, VoteRequest{Role: paxos.CoordinatorRole, Demoted: "b"}, votes[1].Payload())

	f.receive(voted("c", "c", 0))
	assert.Empty(t, f.drain(), "still waiting for a")
	f.receive(voted("a", "a", 0))
	assert.Equal(t, cluster.ElectedChange(paxos.CoordinatorRole, "a"), proposed(t, f.drain()))
}

func TestOnlyTheElectorRunsElections(t *testing.T) {
	f := newFixture("c", map[string]string{paxos.CoordinatorRole: "b"}, suspects{"b": true}, nil)
	f.receive(message.Internal(Demote, "b"))
	assert.Empty(t, f.drain())
}

func TestVotersNameThemselvesUnlessDemoted(t *testing.T) {
	f := newFixture("a", nil, nil, func(string) int64 { return 7 })

	f.receive(message.To(Vote, "a", VoteRequest{Role: "r"}).SetHeader(message.HeaderFrom, "b"))
	f.receive(message.To(Vote, "a", VoteRequest{Role: "r", Demoted: "a"}).SetHeader(message.HeaderFrom, "b"))
	replies := f.drain()
	require.Len(t, replies, 2)
	assert.Equal(t, "b", replies[0].Header(message.HeaderTo))
	assert.Equal(t, VoteValue{Role: "r", Voter: "a", Candidate: "a", Credentials: 7}, replies[0].Payload())
	assert.Empty(t, replies[1].Payload().(VoteValue).Candidate)
}

func TestSilentVoterAbstains(t *testing.T) {
	f := newFixture("a", map[string]string{paxos.CoordinatorRole: "b"}, suspects{"b": true}, nil)
	f.receive(message.Internal(Demote, "b"))
	f.drain()

	// synthesized when c never answers
	f.receive(message.Internal(Voted, VoteRequest{Role: paxos.CoordinatorRole, Demoted: "b"}).SetHeader(message.HeaderFrom, "c"))
	f.receive(voted("a", "a", 0))
	assert.Equal(t, cluster.ElectedChange(paxos.CoordinatorRole, "a"), proposed(t, f.drain()))
}

func TestPerformElectionFillsVacantRoles(t *testing.T) {
	f := newFixture("a", nil, nil, nil)
	f.receive(message.Internal(PerformElection, nil))
	assert.Equal(t, "election", f.sm.State())
	assert.Len(t, f.drain(), 3)

	f.receive(voted("a", "a", 0))
	f.receive(voted("b", "b", 3))
	f.receive(voted("c", "c", 0))
	assert.Equal(t, cluster.ElectedChange(paxos.CoordinatorRole, "b"), proposed(t, f.drain()))
	assert.Equal(t, "start", f.sm.State(), "no ballot left open")
}

func TestPerformElectionKeepsLiveHolder(t *testing.T) {
	f := newFixture("a", map[string]string{paxos.CoordinatorRole: "c"}, nil, nil)
	f.receive(message.Internal(PerformElection, nil))
	assert.Empty(t, f.drain())
}

func TestPromoteSkipsStrangers(t *testing.T) {
	f := newFixture("a", nil, nil, nil)
	f.receive(message.Internal(Promote, PromoteValue{Node: "z", Role: "r"}))
	assert.Empty(t, f.drain())

	f.receive(message.Internal(Promote, PromoteValue{Node: "c", Role: "r"}))
	assert.Equal(t, cluster.ElectedChange("r", "c"), proposed(t, f.drain()))
}

func TestElectionWithoutCandidateEndsInStart(t *testing.T) {
	f := newFixture("a", map[string]string{paxos.CoordinatorRole: "b"}, suspects{"b": true}, nil)
	f.receive(message.Internal(Demote, "b"))
	assert.Equal(t, "election", f.sm.State())
	f.drain()

	f.receive(message.Internal(Voted, VoteRequest{Role: paxos.CoordinatorRole, Demoted: "b"}).SetHeader(message.HeaderFrom, "a"))
	assert.Equal(t, "election", f.sm.State(), "c has not answered")
	f.receive(message.Internal(Voted, VoteRequest{Role: paxos.CoordinatorRole, Demoted: "b"}).SetHeader(message.HeaderFrom, "c"))
	assert.Equal(t, "start", f.sm.State())
	assert.Empty(t, f.drain())
}
