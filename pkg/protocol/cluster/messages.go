package cluster

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
	"github.com/ryandielhenn/zephyrcluster/pkg/protocol/paxos"
)

const Family message.Family = "cluster"

// KindConfiguration is the atomic broadcast payload kind of configuration
// changes.
const KindConfiguration = "cluster.configuration"

type MessageType string

const (
	Create                MessageType = "create"
	Join                  MessageType = "join"
	Leave                 MessageType = "leave"
	ConfigurationRequest  MessageType = "configurationRequest"
	ConfigurationResponse MessageType = "configurationResponse"
	ConfigurationTimeout  MessageType = "configurationTimeout"
	ConfigurationChanged  MessageType = "configurationChanged"
	JoinResponse          MessageType = "joinResponse"
	JoinFailure           MessageType = "joinFailure"
	LeaveTimedout         MessageType = "leaveTimedout"
)

func (MessageType) Family() message.Family { return Family }
func (t MessageType) String() string     { return string(t) }

func (t MessageType) FailureMessage() message.Type {
	switch t {
	case Join:
		return JoinFailure
	case ConfigurationRequest:
		return ConfigurationTimeout
	}
	return nil
}

func (t MessageType) Next() []message.Type {
	switch t {
	case Join:
		return []message.Type{JoinResponse}
	case ConfigurationRequest:
		return []message.Type{ConfigurationResponse}
	}
	return nil
}

func init() {
	message.Register(Create, "")
	message.Register(Join, []string(nil))
	message.Register(Leave, nil)
	message.Register(ConfigurationRequest, ConfigurationRequestValue{})
	message.Register(ConfigurationResponse, ConfigurationResponseValue{})
	message.Register(ConfigurationTimeout, "")
	message.Register(ConfigurationChanged, paxos.Payload{})
	message.Register(JoinResponse, ConfigurationResponseValue{})
	message.Register(JoinFailure, &JoinError{})
	message.Register(LeaveTimedout, nil)
}

type ConfigurationRequestValue struct {
	Joiner string `json:"joiner"`
}

type ConfigurationResponseValue struct {
	Name           string            `json:"name"`
	Members        []string          `json:"members"`
	Roles          map[string]string `json:"roles,omitempty"`
	LatestInstance paxos.InstanceID  `json:"latestInstance"`
}

// Change is one agreed configuration change. A joiner adopts Members and
// Roles wholesale; existing members apply only the delta.
type Change struct {
	Name      string            `json:"name,omitempty"`
	Join      string            `json:"join,omitempty"`
	Leave     string            `json:"leave,omitempty"`
	Role      string            `json:"role,omitempty"`
	Elected   string            `json:"elected,omitempty"`
	Unelected bool              `json:"unelected,omitempty"`
	Members   []string          `json:"members,omitempty"`
	Roles     map[string]string `json:"roles,omitempty"`
}

func (c Change) String() string {
	switch {
	case c.Join != "":
		return "join " + c.Join
	case c.Leave != "":
		return "leave " + c.Leave
	case c.Unelected:
		return "unelect " + c.Role
	case c.Role != "":
		return fmt.Sprintf("elect %s=%s", c.Role, c.Elected)
	}
	return "noop"
}

// Payload wraps c for atomic broadcast. id must be unique per change.
func (c Change) Payload(id string, notify ...string) (paxos.Payload, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return paxos.Payload{}, errors.Wrap(err, "encode configuration change")
	}
	return paxos.Payload{ID: id, Kind: KindConfiguration, Data: data, Notify: notify}, nil
}

func DecodeChange(p paxos.Payload) (Change, error) {
	var c Change
	if p.Kind != KindConfiguration {
		return c, errors.Errorf("payload kind %q is not a configuration change", p.Kind)
	}
	if err := json.Unmarshal(p.Data, &c); err != nil {
		return c, errors.Wrap(err, "decode configuration change")
	}
	return c, nil
}

// ElectedChange assigns role to uri.
func ElectedChange(role, uri string) Change {
	return Change{Role: role, Elected: uri}
}

func UnelectedChange(role string) Change {
	return Change{Role: role, Unelected: true}
}

// JoinError is the payload of joinFailure.
type JoinError struct {
	Targets []string `json:"targets"`
}

func (e *JoinError) Error() string {
	return "could not join cluster via " + strings.Join(e.Targets, ", ")
}
