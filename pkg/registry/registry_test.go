package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func event(t mvccpb.Event_EventType, key, value string) *clientv3.Event {
	return &clientv3.Event{Type: t, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)}}
}

func TestApplyFoldsEvents(t *testing.T) {
	peers := map[string]string{"n1": "n1:8080"}

	changed := Apply(peers, []*clientv3.Event{
		event(mvccpb.PUT, Prefix+"n2", "n2:8080"),
		event(mvccpb.DELETE, Prefix+"n1", ""),
	})
	assert.True(t, changed)
	assert.Equal(t, map[string]string{"n2": "n2:8080"}, peers)
}

func TestApplyIgnoresNoise(t *testing.T) {
	peers := map[string]string{"n1": "n1:8080"}

	changed := Apply(peers, []*clientv3.Event{
		event(mvccpb.PUT, Prefix+"n1", "n1:8080"),
		event(mvccpb.DELETE, Prefix+"gone", ""),
		event(mvccpb.PUT, "/other/n3", "n3:8080"),
		event(mvccpb.PUT, Prefix, "empty-id"),
		{Type: mvccpb.PUT},
	})
	assert.False(t, changed)
	assert.Equal(t, map[string]string{"n1": "n1:8080"}, peers)
}

func TestApplyMovedAddress(t *testing.T) {
	peers := map[string]string{"n1": "old:8080"}
	assert.True(t, Apply(peers, []*clientv3.Event{event(mvccpb.PUT, Prefix+"n1", "new:8080")}))
	assert.Equal(t, "new:8080", peers["n1"])
}
