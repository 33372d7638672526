package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcluster/internal/config"
	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/kv"
	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/node"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/registry"
	"github.com/ryandielhenn/zephyrcluster/pkg/replicatedmap"
	"github.com/ryandielhenn/zephyrcluster/pkg/server"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	path := flag.String("config", os.Getenv("ZEPHYR_CONFIG"), "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, closer, err := cfg.CreateLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	telemetry.SetBuildInfo(version, gitSHA)
	logger = logger.With(zap.String("id", cfg.Node.ID))

	// 1. Protocol server on the HTTP transport
	tr := transport.NewHTTP(logger,
		transport.WithQueueSize(cfg.Transport.QueueSize),
		transport.WithClient(&http.Client{Timeout: cfg.Transport.RequestTimeout}),
	)
	var s *server.PaxosServer
	if cfg.Cluster.Mode == config.ModeRingPaxos {
		s = server.NewRingPaxosServer(tr, cfg.ServerOptions(), logger)
	} else {
		s = server.NewMultiPaxosServer(tr, cfg.ServerOptions(), logger)
	}
	s.Cluster.AddListener(clusterLog{logger: logger.Named("cluster")})
	s.ListeningAt(cfg.Node.Addr)

	// 2. Replicated map and its HTTP surface
	m := replicatedmap.New(s, kv.NewStore(cfg.Store.CapacityBytes), logger)
	n := node.NewNode(s, m, logger,
		node.WithTransport(tr),
		node.WithWriteTimeout(cfg.Store.WriteTimeout),
	)
	httpSrv := &http.Server{Addr: cfg.Node.Listen, Handler: n.Handler()}

	// 3. Discovery
	var cli *clientv3.Client
	if len(cfg.Etcd.Endpoints) > 0 {
		var err error
		cli, err = registry.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			return err
		}
		defer cli.Close()
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.Run(runCtx, cfg.Cluster.Tick) })
	g.Go(func() error {
		logger.Info("listening", zap.String("listen", cfg.Node.Listen), zap.String("addr", cfg.Node.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		if err := enter(gctx, cfg, s, cli, logger); err != nil {
			return err
		}
		if cli == nil {
			return nil
		}
		lease, cancel, err := registry.RegisterNode(gctx, cli, cfg.Node.ID, cfg.Node.Addr, cfg.Etcd.LeaseTTL, logger)
		if err != nil {
			return err
		}
		go func() {
			<-gctx.Done()
			cancel()
			rctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_, _ = cli.Revoke(rctx, lease)
		}()
		return registry.WatchPeers(gctx, cli, func(peers map[string]string) {
			logger.Info("registered peers", zap.Int("count", len(peers)), zap.Any("peers", peers))
		}, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		leave(s, cfg.Timeouts.Leave, logger)
		stopRun()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Append(httpSrv.Shutdown(sctx), tr.Close())
	})
	return g.Wait()
}

// enter creates a cluster when there is nobody to join, and joins otherwise.
func enter(ctx context.Context, cfg config.Config, s *server.PaxosServer, cli *clientv3.Client, logger *zap.Logger) error {
	targets, err := joinTargets(ctx, cfg, cli)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		logger.Info("creating cluster", zap.String("name", cfg.Cluster.Name))
		s.Cluster.Create(cfg.Cluster.Name)
		return nil
	}

	logger.Info("joining cluster", zap.Strings("targets", targets))
	jctx, cancel := context.WithTimeout(ctx, time.Duration(len(targets)+1)*cfg.Timeouts.Join)
	defer cancel()
	joined, err := s.Cluster.Join(jctx, targets...)
	if err != nil {
		return errors.Wrap(err, "join cluster")
	}
	logger.Info("joined cluster", zap.String("name", joined.Name()), zap.Strings("members", joined.Members()))
	return nil
}

// joinTargets lists configured seeds first, then every other server found in
// etcd in id order.
func joinTargets(ctx context.Context, cfg config.Config, cli *clientv3.Client) ([]string, error) {
	seen := map[string]bool{cfg.Node.Addr: true}
	var out []string
	add := func(addr string) {
		addr = transport.NormalizeHostPort(addr, transport.DefaultPort)
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	for _, seed := range cfg.Cluster.Seeds {
		add(seed)
	}
	if cli == nil {
		return out, nil
	}
	peers, _, err := registry.GetPeers(ctx, cli)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(peers))
	for id := range peers {
		if id != cfg.Node.ID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		add(peers[id])
	}
	return out, nil
}

// leave asks the cluster to remove this server and waits until it did or
// wait passed.
func leave(s *server.PaxosServer, wait time.Duration, logger *zap.Logger) {
	me := s.Me()
	cfg := s.Configuration()
	if !cfg.Contains(me) {
		return
	}
	if cfg.Size() == 1 {
		logger.Info("last member stopping", zap.String("cluster", cfg.Name()))
		return
	}
	s.Cluster.Leave()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !s.Configuration().Contains(me) {
			logger.Info("left cluster")
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	logger.Warn("leave not agreed in time", zap.Duration("wait", wait))
}

type clusterLog struct {
	cluster.Adapter
	logger *zap.Logger
}

func (l clusterLog) EnteredCluster(cfg *membership.Configuration) {
	l.logger.Info("entered", zap.String("name", cfg.Name()), zap.Strings("members", cfg.Members()))
}

func (l clusterLog) JoinedCluster(uri string) { l.logger.Info("member joined", zap.String("uri", uri)) }

func (l clusterLog) LeftCluster(uri string) { l.logger.Info("member left", zap.String("uri", uri)) }

func (l clusterLog) Elected(role, uri string) {
	l.logger.Info("elected", zap.String("role", role), zap.String("uri", uri))
}
