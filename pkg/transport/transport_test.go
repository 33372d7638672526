package transport

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
)

type wireType string

const (
	hello   wireType = "hello"
	goodbye wireType = "goodbye"
)

func (wireType) Family() message.Family { return "wiretest" }
func (t wireType) String() string       { return string(t) }

type greeting struct {
	Name  string `json:"name"`
	Times int    `json:"times"`
}

func init() {
	message.Register(hello, greeting{})
	message.Register(goodbye, nil)
}

type recorder struct {
	mu   sync.Mutex
	seen []*message.Message
}

func (r *recorder) Process(m *message.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, m)
	return true
}

func (r *recorder) messages() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.Message(nil), r.seen...)
}

func TestCodecRoundTrip(t *testing.T) {
	var c Codec
	m := message.To(hello, "b:8080", greeting{Name: "ada", Times: 3}).
		SetHeader(message.HeaderFrom, "a:8080").
		SetHeader(message.HeaderConversationID, "a:8080/7")

	data, err := c.Encode(m)
	require.NoError(t, err)
	got, err := c.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, hello, got.Type())
	assert.Equal(t, greeting{Name: "ada", Times: 3}, got.Payload())
	assert.Equal(t, m.Headers(), got.Headers())
}

func TestCodecWithoutPayload(t *testing.T) {
	var c Codec
	data, err := c.Encode(message.To(goodbye, "b", nil))
	require.NoError(t, err)
	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, goodbye, got.Type())
	assert.Nil(t, got.Payload())
}

func TestCodecKeepsPointerFields(t *testing.T) {
	var c Codec
	promise := paxos.PromiseValue{
		Instance:       4,
		Ballot:         201,
		AcceptedBallot: 102,
		Value:          &paxos.Payload{ID: "x", Kind: "k", Data: []byte("v")},
	}
	data, err := c.Encode(message.To(paxos.Promise, "a", promise))
	require.NoError(t, err)
	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, promise, got.Payload())
}

func TestCodecRejectsUnknownType(t *testing.T) {
	var c Codec
	_, err := c.Decode([]byte(`{"family":"nope","type":"nothing"}`))
	require.Error(t, err)
	_, err = c.Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestMemoryNetworkFIFO(t *testing.T) {
	n := NewMemoryNetwork()
	var b recorder
	n.Register("b", &b)

	send := n.Sender("a")
	for i := 0; i < 3; i++ {
		require.NoError(t, send.Send("b", message.To(hello, "b", greeting{Times: i})))
	}
	assert.Empty(t, b.messages(), "nothing arrives before Deliver")

	arrived, err := n.Deliver()
	require.NoError(t, err)
	assert.Equal(t, 3, arrived)
	for i, m := range b.messages() {
		assert.Equal(t, i, m.Payload().(greeting).Times)
	}
}

func TestMemoryNetworkUnknownDestination(t *testing.T) {
	n := NewMemoryNetwork()
	assert.Error(t, n.Sender("a").Send("ghost", message.To(goodbye, "ghost", nil)))
}

func TestMemoryNetworkDownBothWays(t *testing.T) {
	n := NewMemoryNetwork()
	var a, b recorder
	n.Register("a", &a)
	n.Register("b", &b)

	n.Down("b")
	require.NoError(t, n.Sender("a").Send("b", message.To(goodbye, "b", nil)))
	require.NoError(t, n.Sender("b").Send("a", message.To(goodbye, "a", nil)))
	arrived, err := n.Deliver()
	require.NoError(t, err)
	assert.Zero(t, arrived)
	_, dropped := n.Stats()
	assert.Equal(t, 2, dropped)

	n.Up("b")
	require.NoError(t, n.Sender("a").Send("b", message.To(goodbye, "b", nil)))
	arrived, err = n.Deliver()
	require.NoError(t, err)
	assert.Equal(t, 1, arrived)
	assert.Len(t, b.messages(), 1)
}

func TestMemoryNetworkDrop(t *testing.T) {
	n := NewMemoryNetwork(WithDrop(func(_, _ string, m *message.Message) bool {
		return m.Type() == goodbye
	}))
	var b recorder
	n.Register("b", &b)
	send := n.Sender("a")
	require.NoError(t, send.Send("b", message.To(goodbye, "b", nil)))
	require.NoError(t, send.Send("b", message.To(hello, "b", greeting{})))
	_, err := n.Deliver()
	require.NoError(t, err)
	require.Len(t, b.messages(), 1)
	assert.Equal(t, hello, b.messages()[0].Type())
}

func TestMemoryNetworkWithCodec(t *testing.T) {
	n := NewMemoryNetwork(WithCodec())
	var b recorder
	n.Register("b", &b)
	require.NoError(t, n.Sender("a").Send("b", message.To(hello, "b", greeting{Name: "x"})))
	_, err := n.Deliver()
	require.NoError(t, err)
	require.Len(t, b.messages(), 1)
	assert.Equal(t, greeting{Name: "x"}, b.messages()[0].Payload())
}

func TestHTTPDeliversInOrder(t *testing.T) {
	var got recorder
	h := NewHTTP(nil)
	srv := httptest.NewServer(h.Handler(&got))
	defer srv.Close()

	to := strings.TrimPrefix(srv.URL, "http://")
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Send(to, message.To(hello, to, greeting{Times: i})))
	}
	require.Eventually(t, func() bool { return len(got.messages()) == 5 }, 5*time.Second, 10*time.Millisecond)
	for i, m := range got.messages() {
		assert.Equal(t, i, m.Payload().(greeting).Times)
	}
	assert.NoError(t, h.Close())
	assert.Error(t, h.Send(to, message.To(goodbye, to, nil)))
}

func TestHTTPObserverSeesFailures(t *testing.T) {
	failures := make(chan error, 1)
	h := NewHTTP(nil, WithObserver(func(_ string, _ *message.Message, err error) {
		if err != nil {
			failures <- err
		}
	}))
	defer h.Close()

	require.NoError(t, h.Send("127.0.0.1:1", message.To(goodbye, "127.0.0.1:1", nil)))
	select {
	case err := <-failures:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("no failure reported")
	}
}

func TestNormalizeHostPort(t *testing.T) {
	assert.Equal(t, "node1:8080", NormalizeHostPort("http://node1", "8080"))
	assert.Equal(t, "node1:9000", NormalizeHostPort("https://node1:9000/", "8080"))
	assert.Equal(t, "10.0.0.1:8080", NormalizeHostPort("10.0.0.1", "8080"))
}
