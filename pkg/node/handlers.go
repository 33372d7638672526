package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

// maxValueSize bounds request bodies of /kv writes.
const maxValueSize = 1 << 20

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// InfoResponse is the body of /info.
type InfoResponse struct {
	PID           int                       `json:"pid"`
	Now           time.Time                 `json:"now"`
	Me            string                    `json:"me"`
	Cluster       string                    `json:"cluster"`
	Members       []string                  `json:"members"`
	Roles         map[string]string         `json:"roles"`
	States        map[message.Family]string `json:"states"`
	LastDelivered int64                     `json:"lastDelivered"`
	Items         int                       `json:"items"`
	Version       uint64                    `json:"version"`
}

// Info writes the protocol state of this server and the size of its replica.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	cfg := n.server.Configuration()
	data, err := json.Marshal(InfoResponse{
		PID:           os.Getpid(),
		Now:           time.Now(),
		Me:            n.server.Me(),
		Cluster:       cfg.Name(),
		Members:       cfg.Members(),
		Roles:         cfg.Roles(),
		States:        n.server.States(),
		LastDelivered: int64(n.server.Paxos.LastDelivered()),
		Items:         n.kv.Len(),
		Version:       n.kv.Version(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func key(req *http.Request) string {
	return req.URL.Path[len("/kv/"):]
}

// member rejects writes while this server is outside any cluster, since
// nothing would ever be delivered.
func (n *Node) member(w http.ResponseWriter) bool {
	if !n.server.Configuration().Contains(n.server.Me()) {
		http.Error(w, "not a cluster member", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// writeError maps a failed write to a status code.
func (n *Node) writeError(w http.ResponseWriter, op, k string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = http.StatusGatewayTimeout
	}
	n.logger.Warn("write failed", zap.String("op", op), zap.String("key", k), zap.Error(err))
	http.Error(w, err.Error(), status)
}

// Put writes a key/value pair and answers once the local replica applied it.
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	k := key(req)
	if k == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	if !n.member(w) {
		return
	}
	val, err := io.ReadAll(io.LimitReader(req.Body, maxValueSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(val) > maxValueSize {
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), n.writeTimeout)
	defer cancel()
	if err := n.kv.PutSync(ctx, k, val); err != nil {
		n.writeError(w, "put", k, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get returns the value of a key from the local replica.
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	val, ok := n.kv.Get(key(req))
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// Del removes a key and answers once the local replica applied the removal.
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	k := key(req)
	if k == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	if !n.member(w) {
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), n.writeTimeout)
	defer cancel()
	if err := n.kv.RemoveSync(ctx, k); err != nil {
		n.writeError(w, "delete", k, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
