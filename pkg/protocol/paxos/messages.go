package paxos

import (
	"fmt"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

const (
	ProposerFamily        message.Family = "proposer"
	AcceptorFamily        message.Family = "acceptor"
	LearnerFamily         message.Family = "learner"
	AtomicBroadcastFamily message.Family = "atomicbroadcast"
)

type ProposerMessage string

const (
	ProposerJoin  ProposerMessage = "join"
	ProposerLeave ProposerMessage = "leave"
	Propose       ProposerMessage = "propose"
	Promise       ProposerMessage = "promise"
	RejectPrepare ProposerMessage = "rejectPrepare"
	Phase1Timeout ProposerMessage = "phase1Timeout"
	Accepted      ProposerMessage = "accepted"
	RejectAccept  ProposerMessage = "rejectAccept"
	Phase2Timeout ProposerMessage = "phase2Timeout"
)

func (ProposerMessage) Family() message.Family { return ProposerFamily }
func (t ProposerMessage) String() string     { return string(t) }

type AcceptorMessage string

const (
	AcceptorJoin  AcceptorMessage = "join"
	AcceptorLeave AcceptorMessage = "leave"
	Prepare       AcceptorMessage = "prepare"
	Accept        AcceptorMessage = "accept"
)

func (AcceptorMessage) Family() message.Family { return AcceptorFamily }
func (t AcceptorMessage) String() string     { return string(t) }

func (t AcceptorMessage) FailureMessage() message.Type {
	switch t {
	case Prepare:
		return RejectPrepare
	case Accept:
		return RejectAccept
	}
	return nil
}

func (t AcceptorMessage) Next() []message.Type {
	switch t {
	case Prepare:
		return []message.Type{Promise, RejectPrepare}
	case Accept:
		return []message.Type{Accepted, RejectAccept}
	}
	return nil
}

type LearnerMessage string

const (
	LearnerJoin   LearnerMessage = "join"
	LearnerLeave  LearnerMessage = "leave"
	Learn         LearnerMessage = "learn"
	LearnTimedout LearnerMessage = "learnTimedout"
	LearnRequest  LearnerMessage = "learnRequest"
	LearnFailed   LearnerMessage = "learnFailed"
)

func (LearnerMessage) Family() message.Family { return LearnerFamily }
func (t LearnerMessage) String() string     { return string(t) }

func (t LearnerMessage) FailureMessage() message.Type {
	if t == LearnRequest {
		return LearnFailed
	}
	return nil
}

func (t LearnerMessage) Next() []message.Type {
	if t == LearnRequest {
		return []message.Type{Learn}
	}
	return nil
}

type BroadcastMessage string

const (
	BroadcastJoin     BroadcastMessage = "join"
	BroadcastLeave    BroadcastMessage = "leave"
	Broadcast         BroadcastMessage = "broadcast"
	BroadcastResponse BroadcastMessage = "broadcastResponse"
)

func (BroadcastMessage) Family() message.Family { return AtomicBroadcastFamily }
func (t BroadcastMessage) String() string     { return string(t) }

func init() {
	for _, t := range []message.Type{ProposerJoin, ProposerLeave, AcceptorJoin, AcceptorLeave, LearnerJoin, LearnerLeave, BroadcastJoin, BroadcastLeave} {
		message.Register(t, Seed{})
	}
	message.Register(Propose, Payload{})
	message.Register(Promise, PromiseValue{})
	message.Register(RejectPrepare, Reject{})
	message.Register(Phase1Timeout, InstanceID(0))
	message.Register(Accepted, AcceptedValue{})
	message.Register(RejectAccept, Reject{})
	message.Register(Phase2Timeout, InstanceID(0))
	message.Register(Prepare, PrepareValue{})
	message.Register(Accept, AcceptValue{})
	message.Register(Learn, LearnValue{})
	message.Register(LearnTimedout, nil)
	message.Register(LearnRequest, LearnRequestValue{})
	message.Register(LearnFailed, LearnRequestValue{})
	message.Register(Broadcast, Payload{})
	message.Register(BroadcastResponse, Delivery{})
}

// InstanceID orders agreement rounds. The first instance is 1.
type InstanceID int64

// Payload is the opaque value agreed on in one instance. Kind routes it on
// delivery; Notify lists extra participants that must learn it.
type Payload struct {
	ID     string   `json:"id"`
	Kind   string   `json:"kind"`
	Data   []byte   `json:"data,omitempty"`
	Notify []string `json:"notify,omitempty"`
}

func (p Payload) String() string { return fmt.Sprintf("%s(%s)", p.Kind, p.ID) }

// Seed is carried by join messages. A joining server starts after Instance.
type Seed struct {
	Instance InstanceID `json:"instance"`
}

// Ballotted is implemented by every payload that names an instance and
// ballot, including requests echoed back as synthesized failures.
type Ballotted interface {
	InstanceBallot() (InstanceID, int64)
}

type PrepareValue struct {
	Instance InstanceID `json:"instance"`
	Ballot   int64      `json:"ballot"`
}

func (p PrepareValue) InstanceBallot() (InstanceID, int64) { return p.Instance, p.Ballot }

type PromiseValue struct {
	Instance       InstanceID `json:"instance"`
	Ballot         int64      `json:"ballot"`
	AcceptedBallot int64      `json:"acceptedBallot"`
	Value          *Payload   `json:"value,omitempty"`
}

// Reject answers a prepare or accept whose ballot was too low. Promised is the
// ballot the acceptor is bound to.
type Reject struct {
	Instance InstanceID `json:"instance"`
	Ballot   int64      `json:"ballot"`
	Promised int64      `json:"promised"`
}

func (r Reject) InstanceBallot() (InstanceID, int64) { return r.Instance, r.Ballot }

type AcceptValue struct {
	Instance InstanceID `json:"instance"`
	Ballot   int64      `json:"ballot"`
	Value    Payload    `json:"value"`
}

func (a AcceptValue) InstanceBallot() (InstanceID, int64) { return a.Instance, a.Ballot }

type AcceptedValue struct {
	Instance InstanceID `json:"instance"`
	Ballot   int64      `json:"ballot"`
}

type LearnValue struct {
	Instance InstanceID `json:"instance"`
	Value    Payload    `json:"value"`
}

type LearnRequestValue struct {
	Instance InstanceID `json:"instance"`
}

// Delivery is one value handed to the application, in instance order.
type Delivery struct {
	Instance InstanceID `json:"instance"`
	Value    Payload    `json:"value"`
}
