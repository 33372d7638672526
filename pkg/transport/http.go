package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

// MessagesPath is where servers accept posted envelopes.
const MessagesPath = "/cluster/messages"

const (
	defaultQueueSize = 1024
	maxEnvelopeSize  = 4 << 20
)

// SendObserver is told the outcome of every post.
type SendObserver func(to string, m *message.Message, err error)

type peer struct {
	addr  string
	queue chan *message.Message
}

// HTTP sends messages to peers as JSON posts. Each peer has its own bounded
// FIFO queue drained by one worker, so messages to one peer keep their order
// and a slow peer does not hold up the others.
type HTTP struct {
	client    *http.Client
	codec     Codec
	queueSize int
	logger    *zap.Logger
	observer  SendObserver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
}

type HTTPOption func(*HTTP)

func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

func WithQueueSize(n int) HTTPOption {
	return func(h *HTTP) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithObserver(o SendObserver) HTTPOption {
	return func(h *HTTP) { h.observer = o }
}

func NewHTTP(logger *zap.Logger, opts ...HTTPOption) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &HTTP{
		client:    &http.Client{Timeout: 5 * time.Second},
		queueSize: defaultQueueSize,
		logger:    logger.Named("transport"),
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send queues m for to. A full queue drops the message.
func (h *HTTP) Send(to string, m *message.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("transport closed")
	}
	p, ok := h.peers[to]
	if !ok {
		p = &peer{addr: NormalizeHostPort(to, DefaultPort), queue: make(chan *message.Message, h.queueSize)}
		h.peers[to] = p
		h.wg.Add(1)
		go h.drain(to, p)
	}
	select {
	case p.queue <- m:
		return nil
	default:
		return errors.Errorf("queue to %s is full", to)
	}
}

func (h *HTTP) drain(to string, p *peer) {
	defer h.wg.Done()
	for m := range p.queue {
		err := h.post(p.addr, m)
		if err != nil {
			h.logger.Warn("send failed", zap.String("to", to), zap.Stringer("type", m.Type()), zap.Error(err))
		}
		if h.observer != nil {
			h.observer(to, m, err)
		}
	}
}

func (h *HTTP) post(hostport string, m *message.Message) error {
	data, err := h.codec.Encode(m)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s%s", hostport, MessagesPath)
	req, err := http.NewRequestWithContext(h.ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post to %s", hostport)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("post to %s: %s", hostport, resp.Status)
	}
	return nil
}

// Close stops every worker. Messages still queued are reported as dropped.
func (h *HTTP) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	peers := h.peers
	h.mu.Unlock()

	h.cancel()
	var errs error
	for to, p := range peers {
		close(p.queue)
		if n := len(p.queue); n > 0 {
			errs = multierr.Append(errs, errors.Errorf("%d messages to %s dropped", n, to))
		}
	}
	h.wg.Wait()
	return errs
}

// Handler decodes posted envelopes and hands them to p.
func (h *HTTP) Handler(p message.Processor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := io.ReadAll(io.LimitReader(req.Body, maxEnvelopeSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m, err := h.codec.Decode(data)
		if err != nil {
			h.logger.Warn("rejected envelope", zap.String("remote", req.RemoteAddr), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.Process(m)
		w.WriteHeader(http.StatusNoContent)
	})
}
