package transport

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

// Envelope is the wire form of a message.
type Envelope struct {
	Family  message.Family    `json:"family"`
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// Codec turns messages into JSON envelopes and back. Payload types come from
// the message registry, so every protocol package that may receive a message
// must have been imported by the decoding process.
type Codec struct{}

func (Codec) Encode(m *message.Message) ([]byte, error) {
	env := Envelope{
		Family:  m.Type().Family(),
		Type:    m.Type().String(),
		Headers: m.Headers(),
	}
	if p := m.Payload(); p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "encode payload of %s", m.Type())
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

func (Codec) Decode(data []byte) (*message.Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	d, err := message.Lookup(env.Family, env.Type)
	if err != nil {
		return nil, err
	}
	var payload any
	if d.Payload != nil && len(env.Payload) > 0 && string(env.Payload) != "null" {
		v := reflect.New(d.Payload)
		if err := json.Unmarshal(env.Payload, v.Interface()); err != nil {
			return nil, errors.Wrapf(err, "decode payload of %s/%s", env.Family, env.Type)
		}
		payload = v.Elem().Interface()
	}
	return message.WithHeaders(d.Type, payload, env.Headers), nil
}
