package message

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Descriptor ties a message type to the Go type of its payload, so codecs can
// rebuild messages received from the wire.
type Descriptor struct {
	Type    Type
	Payload reflect.Type // nil when the message carries no payload
}

var (
	registryMu sync.RWMutex
	registry   = map[Family]map[string]Descriptor{}
)

// Register records t with a prototype of its payload (nil for none). Protocol
// packages call it from init.
func Register(t Type, prototype any) {
	registryMu.Lock()
	defer registryMu.Unlock()
	byName, ok := registry[t.Family()]
	if !ok {
		byName = make(map[string]Descriptor)
		registry[t.Family()] = byName
	}
	d := Descriptor{Type: t}
	if prototype != nil {
		d.Payload = reflect.TypeOf(prototype)
	}
	byName[t.String()] = d
}

// Lookup finds a registered type by family and name.
func Lookup(family Family, name string) (Descriptor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[family][name]
	if !ok {
		return Descriptor{}, errors.Errorf("unknown message type %s/%s", family, name)
	}
	return d, nil
}
