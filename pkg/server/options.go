package server

import (
	"time"

	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/election"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/heartbeat"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/statemachine"
	"github.com/ryandielhenn/zephyrcluster/pkg/timeout"
)

// Timeouts configures every protocol timer. Zero fields take the defaults.
type Timeouts struct {
	Default           time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Phase1            time.Duration
	Phase2            time.Duration
	Learn             time.Duration
	Join              time.Duration
	Leave             time.Duration
	Expectation       time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default:           5 * time.Second,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  3 * time.Second,
		Phase1:            2 * time.Second,
		Phase2:            2 * time.Second,
		Learn:             time.Second,
		Join:              10 * time.Second,
		Leave:             5 * time.Second,
		Expectation:       statemachine.DefaultExpectationTimeout,
	}
}

// WithDefaults returns t with zero fields filled in.
func (t Timeouts) WithDefaults() Timeouts {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.Default, d.Default)
	fill(&t.HeartbeatInterval, d.HeartbeatInterval)
	fill(&t.HeartbeatTimeout, d.HeartbeatTimeout)
	fill(&t.Phase1, d.Phase1)
	fill(&t.Phase2, d.Phase2)
	fill(&t.Learn, d.Learn)
	fill(&t.Join, d.Join)
	fill(&t.Leave, d.Leave)
	fill(&t.Expectation, d.Expectation)
	return t
}

// Strategy maps each timer message to its duration.
func (t Timeouts) Strategy() *timeout.Fixed {
	return timeout.NewFixed(t.Default).
		With(heartbeat.SendHeartbeat, t.HeartbeatInterval).
		With(heartbeat.TimedOut, t.HeartbeatTimeout).
		With(paxos.Phase1Timeout, t.Phase1).
		With(paxos.Phase2Timeout, t.Phase2).
		With(paxos.LearnTimedout, t.Learn).
		With(cluster.ConfigurationTimeout, t.Join).
		With(cluster.LeaveTimedout, t.Leave)
}

// Options configures a paxos server.
type Options struct {
	// ServerID makes this server's ballots unique. Every member needs a
	// different one.
	ServerID        int
	AllowedFailures int
	// Roles are kept elected whenever the configuration changes.
	Roles       []string
	Credentials election.Credentials
	Timeouts    Timeouts
}
