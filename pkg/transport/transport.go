// Package transport moves addressed messages between servers. MemoryNetwork
// is a tick-driven in-process network for tests and simulations; HTTP posts
// JSON envelopes to peers.
package transport

import (
	"net"
	"strings"

	"github.com/ryandielhenn/zephyrcluster/pkg/message"
)

// Sender delivers one message to the server listening at to. Implementations
// must not block on the network: a protocol server calls Send while holding
// its dispatch lock.
type Sender interface {
	Send(to string, m *message.Message) error
}

type SenderFunc func(to string, m *message.Message) error

func (f SenderFunc) Send(to string, m *message.Message) error { return f(to, m) }

// DefaultPort is appended to peer addresses that carry none.
const DefaultPort = "8080"

// NormalizeHostPort cuts the http:// https:// prefixes from addr and adds
// defPort when it has no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return addr + ":" + defPort
}
