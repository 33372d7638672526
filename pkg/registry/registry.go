// Package registry publishes cluster servers in etcd so that new servers can
// find join targets. Registration only helps discovery; membership itself is
// agreed through paxos.
package registry

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Prefix holds one key per registered server: Prefix+id -> address.
const Prefix = "/zephyr/nodes/"

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd client")
	}
	return cli, nil
}

// RegisterNode publishes id -> addr under a lease of ttl seconds and keeps
// the lease alive until cancel is called or ctx ends.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64, logger *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, errors.Wrap(err, "grant lease")
	}
	if _, err := cli.Put(ctx, Prefix+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, errors.Wrapf(err, "register %s", id)
	}

	kctx, cancel := context.WithCancel(ctx)
	alive, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range alive {
		}
		if kctx.Err() == nil {
			logger.Warn("lease keepalive stopped", zap.String("id", id), zap.Int64("lease", int64(lease.ID)))
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers returns every registered id -> address, and the revision read.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.Wrap(err, "list peers")
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), Prefix)] = string(kv.Value)
	}
	return peers, resp.Header.GetRevision(), nil
}

// WatchPeers calls fn with the full peer set once, then after every change,
// until ctx ends. fn runs on the watching goroutine.
func WatchPeers(ctx context.Context, cli *clientv3.Client, fn func(peers map[string]string), logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	peers, rev, err := GetPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	go func() {
		for resp := range cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1)) {
			if err := resp.Err(); err != nil {
				logger.Warn("peer watch", zap.Error(err))
				continue
			}
			if Apply(peers, resp.Events) {
				fn(maps.Clone(peers))
			}
		}
	}()
	return nil
}

// Apply folds watch events into peers and reports whether it changed.
func Apply(peers map[string]string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		if ev.Kv == nil {
			continue
		}
		id, ok := strings.CutPrefix(string(ev.Kv.Key), Prefix)
		if !ok || id == "" {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}
