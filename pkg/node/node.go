// Package node is the HTTP surface of one cluster server: health, state,
// the replicated key/value map and the protocol message endpoint.
package node

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/replicatedmap"
	"github.com/ryandielhenn/zephyrcluster/pkg/server"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// DefaultWriteTimeout bounds how long a write waits for agreement.
const DefaultWriteTimeout = 5 * time.Second

type Node struct {
	server       *server.PaxosServer
	kv           *replicatedmap.Map
	transport    *transport.HTTP
	logger       *zap.Logger
	writeTimeout time.Duration
}

type Option func(*Node)

func WithWriteTimeout(d time.Duration) Option {
	return func(n *Node) { n.writeTimeout = d }
}

// WithTransport serves inbound protocol messages on transport.MessagesPath.
func WithTransport(t *transport.HTTP) Option {
	return func(n *Node) { n.transport = t }
}

func NewNode(s *server.PaxosServer, m *replicatedmap.Map, logger *zap.Logger, opts ...Option) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		server:       s,
		kv:           m,
		logger:       logger.Named("node"),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Node) Addr() string {
	return n.server.Me()
}

// Handler routes every endpoint of the node.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	if n.transport != nil {
		mux.Handle(transport.MessagesPath, telemetry.Instrument("message", n.transport.Handler(n.server)))
	}
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		op := methodToOp(req.Method) // "get" | "put" | "post" | "delete" | "other"
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				n.Put(w, r)
			case http.MethodGet:
				n.Get(w, r)
			case http.MethodDelete:
				n.Del(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})
	return mux
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}
