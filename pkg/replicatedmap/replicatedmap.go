// Package replicatedmap is a key/value map replicated by atomic broadcast.
// Writes are agreed through paxos and applied by every replica in instance
// order; reads are served from the local replica.
package replicatedmap

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/kv"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
	"github.com/ryandielhenn/zephyrcluster/pkg/server"
)

// Kind is the atomic broadcast payload kind of map operations.
const Kind = "replicatedmap.op"

const (
	OpPut    = "put"
	OpRemove = "remove"
)

var ErrEmptyKey = errors.New("empty key")

// Op is one write, as agreed.
type Op struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Map is one replica.
type Map struct {
	server *server.PaxosServer
	store  *kv.Store
	logger *zap.Logger
	seq    atomic.Uint64

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// New attaches a replica backed by store to s. Only operations delivered
// after s joined its cluster are applied.
func New(s *server.PaxosServer, store *kv.Store, logger *zap.Logger) *Map {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Map{
		server:  s,
		store:   store,
		logger:  logger.Named("replicatedmap"),
		waiters: make(map[string]chan struct{}),
	}
	// ids stay unique across restarts of the same address
	m.seq.Store(uint64(time.Now().UnixNano()))
	s.AtomicBroadcast.AddListener(paxos.ListenerFunc(m.apply))
	return m
}

// Put broadcasts a write of key and returns without waiting for agreement.
func (m *Map) Put(key string, value []byte) error {
	_, err := m.submit(Op{Op: OpPut, Key: key, Value: value})
	return err
}

// Remove broadcasts a removal of key.
func (m *Map) Remove(key string) error {
	_, err := m.submit(Op{Op: OpRemove, Key: key})
	return err
}

// PutSync writes key and waits until the local replica applied it.
func (m *Map) PutSync(ctx context.Context, key string, value []byte) error {
	return m.submitSync(ctx, Op{Op: OpPut, Key: key, Value: value})
}

// RemoveSync removes key and waits until the local replica applied it.
func (m *Map) RemoveSync(ctx context.Context, key string) error {
	return m.submitSync(ctx, Op{Op: OpRemove, Key: key})
}

func (m *Map) Get(key string) ([]byte, bool) { return m.store.Get(key) }

func (m *Map) Len() int { return m.store.Len() }

func (m *Map) Keys() []string { return m.store.Keys() }

// Version is the last instance applied to this replica.
func (m *Map) Version() uint64 { return m.store.Version() }

func (m *Map) submitSync(ctx context.Context, op Op) error {
	done := make(chan struct{})
	id, err := m.submit(op, done)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()
		return errors.Wrapf(ctx.Err(), "%s %q", op.Op, op.Key)
	}
}

func (m *Map) submit(op Op, done ...chan struct{}) (string, error) {
	if op.Key == "" {
		return "", ErrEmptyKey
	}
	data, err := json.Marshal(op)
	if err != nil {
		return "", errors.Wrap(err, "encode map operation")
	}
	id := m.server.Me() + "/map/" + strconv.FormatUint(m.seq.Add(1), 10)
	if len(done) > 0 {
		m.mu.Lock()
		m.waiters[id] = done[0]
		m.mu.Unlock()
	}
	m.server.AtomicBroadcast.Broadcast(paxos.Payload{ID: id, Kind: Kind, Data: data})
	return id, nil
}

// apply runs under the dispatch lock for every delivered value.
func (m *Map) apply(d paxos.Delivery) {
	if d.Value.Kind != Kind {
		return
	}
	var op Op
	if err := json.Unmarshal(d.Value.Data, &op); err != nil {
		m.logger.Error("undecodable map operation", zap.String("id", d.Value.ID), zap.Error(err))
		return
	}
	version := uint64(d.Instance)
	switch op.Op {
	case OpPut:
		if evicted := m.store.Put(op.Key, op.Value, version); len(evicted) > 0 {
			m.logger.Debug("evicted", zap.Strings("keys", evicted))
		}
	case OpRemove:
		m.store.Delete(op.Key, version)
	default:
		m.logger.Warn("unknown map operation", zap.String("op", op.Op), zap.String("id", d.Value.ID))
		return
	}
	telemetry.MapOps.WithLabelValues(op.Op).Inc()
	telemetry.MapKeys.Set(float64(m.store.Len()))

	m.mu.Lock()
	done, ok := m.waiters[d.Value.ID]
	delete(m.waiters, d.Value.ID)
	m.mu.Unlock()
	if ok {
		close(done)
	}
}
