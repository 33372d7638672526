package server

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/election"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/heartbeat"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/ringpaxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/tokenring"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// PaxosServer is a server running cluster membership, heartbeat, election
// and atomic broadcast, with the clients to drive them.
type PaxosServer struct {
	*ProtocolServer

	Cluster         *cluster.Client
	AtomicBroadcast *paxos.AtomicBroadcastClient
	Heartbeat       *heartbeat.Client
	Election        *election.Client

	Paxos    *paxos.Context
	Failures *heartbeat.Context
}

// NewMultiPaxosServer runs classic multi-paxos: phase 2 sends accept to
// every member.
func NewMultiPaxosServer(sender transport.Sender, opts Options, logger *zap.Logger) *PaxosServer {
	return newPaxosServer(sender, opts, logger, false)
}

// NewRingPaxosServer runs phase 2 along a ring of the acceptors that
// promised.
func NewRingPaxosServer(sender transport.Sender, opts Options, logger *zap.Logger) *PaxosServer {
	return newPaxosServer(sender, opts, logger, true)
}

func newPaxosServer(sender transport.Sender, opts Options, logger *zap.Logger, ring bool) *PaxosServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := membership.NewHolder()
	s := New(sender, config, opts.Timeouts, logger)

	var paxosOpts []paxos.Option
	if ring {
		paxosOpts = append(paxosOpts, paxos.WithPhase2(ringpaxos.Phase2))
	}
	px := paxos.NewContext(opts.ServerID, opts.AllowedFailures, config, s.timeouts, logger, paxosOpts...)
	hb := heartbeat.NewContext(config, s.timeouts, logger)
	cl := cluster.NewContext(config, s.timeouts, px, logger)
	el := election.NewContext(config, hb, opts.Credentials, opts.Roles, logger)

	if ring {
		s.AddMachine(ringpaxos.NewCoordinator(px, logger), px)
		s.AddMachine(ringpaxos.NewAcceptor(px, logger))
	} else {
		s.AddMachine(paxos.NewProposer(px, logger), px)
		s.AddMachine(paxos.NewAcceptor(px, logger))
	}
	s.AddMachine(paxos.NewLearner(px, logger))
	s.AddMachine(paxos.NewAtomicBroadcast(px, logger))
	s.AddMachine(cluster.NewStateMachine(cl, logger), cl)
	s.AddMachine(heartbeat.NewStateMachine(hb, logger), hb)
	s.AddMachine(election.NewStateMachine(el, logger), el)

	px.Route(cluster.KindConfiguration, cluster.ConfigurationChanged)

	hb.AddListener(suspicionGauge{hb})
	hb.AddHook(func(e heartbeat.Event, uri string, out message.Holder) {
		if e == heartbeat.Failed && len(config.Get().RolesOf(uri)) > 0 {
			out.Offer(message.Internal(election.Demote, uri))
		}
	})
	cl.AddHook(func(cfg *membership.Configuration, _ cluster.Change, out message.Holder) {
		telemetry.Members.Set(float64(cfg.Size()))
		if len(opts.Roles) > 0 {
			out.Offer(message.Internal(election.PerformElection, nil))
		}
	})

	return &PaxosServer{
		ProtocolServer:  s,
		Cluster:         cluster.NewClient(s.proxy, cl),
		AtomicBroadcast: paxos.NewAtomicBroadcastClient(s.proxy, px),
		Heartbeat:       heartbeat.NewClient(s.proxy),
		Election:        election.NewClient(s.proxy),
		Paxos:           px,
		Failures:        hb,
	}
}

type suspicionGauge struct {
	hb *heartbeat.Context
}

func (g suspicionGauge) Failed(string) { telemetry.Suspected.Set(float64(len(g.hb.Failed()))) }
func (g suspicionGauge) Alive(string)  { telemetry.Suspected.Set(float64(len(g.hb.Failed()))) }

// TokenRingServer passes a mastership token around a ring.
type TokenRingServer struct {
	*ProtocolServer

	TokenRing *tokenring.Client
	Ring      *tokenring.Context
}

func NewTokenRingServer(sender transport.Sender, t Timeouts, logger *zap.Logger) *TokenRingServer {
	s := New(sender, nil, t, logger)
	tr := tokenring.NewContext(logger)
	s.AddMachine(tokenring.NewStateMachine(tr, logger), tr)
	return &TokenRingServer{
		ProtocolServer: s,
		TokenRing:      tokenring.NewClient(s.proxy, tr),
		Ring:           tr,
	}
}
