// Package membership holds the agreed cluster configuration: the ordered
// member list and the role assignments. Configurations are immutable; every
// change produces a new value that is swapped in whole.
package membership

import (
	"maps"
	"slices"
	"sort"
	"sync/atomic"
)

type Configuration struct {
	name    string
	members []string
	roles   map[string]string
}

func New(name string, members []string, roles map[string]string) *Configuration {
	c := &Configuration{
		name:  name,
		roles: maps.Clone(roles),
	}
	if c.roles == nil {
		c.roles = make(map[string]string)
	}
	for _, m := range members {
		if !slices.Contains(c.members, m) {
			c.members = append(c.members, m)
		}
	}
	return c
}

// Empty is the configuration of a server that belongs to no cluster.
func Empty() *Configuration {
	return New("", nil, nil)
}

func (c *Configuration) Name() string { return c.name }

func (c *Configuration) Members() []string { return slices.Clone(c.members) }

func (c *Configuration) Size() int { return len(c.members) }

func (c *Configuration) Contains(uri string) bool {
	return slices.Contains(c.members, uri)
}

// Roles returns a copy of the role → member map.
func (c *Configuration) Roles() map[string]string { return maps.Clone(c.roles) }

// Elected returns the member holding role, or "".
func (c *Configuration) Elected(role string) string { return c.roles[role] }

// RolesOf returns the roles held by uri, sorted.
func (c *Configuration) RolesOf(uri string) []string {
	var out []string
	for role, holder := range c.roles {
		if holder == uri {
			out = append(out, role)
		}
	}
	sort.Strings(out)
	return out
}

// Others returns every member except me, in member order.
func (c *Configuration) Others(me string) []string {
	out := make([]string, 0, len(c.members))
	for _, m := range c.members {
		if m != me {
			out = append(out, m)
		}
	}
	return out
}

// Joined returns a configuration with uri appended. Already-present members
// are not duplicated.
func (c *Configuration) Joined(uri string) *Configuration {
	return New(c.name, append(c.Members(), uri), c.roles)
}

// Left returns a configuration without uri; roles held by uri are dropped.
func (c *Configuration) Left(uri string) *Configuration {
	members := slices.DeleteFunc(c.Members(), func(m string) bool { return m == uri })
	roles := maps.Clone(c.roles)
	maps.DeleteFunc(roles, func(_ string, holder string) bool { return holder == uri })
	return New(c.name, members, roles)
}

func (c *Configuration) WithElected(role, uri string) *Configuration {
	roles := maps.Clone(c.roles)
	roles[role] = uri
	return New(c.name, c.members, roles)
}

func (c *Configuration) WithUnelected(role string) *Configuration {
	roles := maps.Clone(c.roles)
	delete(roles, role)
	return New(c.name, c.members, roles)
}

// Holder publishes the current configuration. Readers always see a complete
// configuration.
type Holder struct {
	current atomic.Pointer[Configuration]
}

func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(Empty())
	return h
}

func (h *Holder) Get() *Configuration { return h.current.Load() }

func (h *Holder) Set(c *Configuration) { h.current.Store(c) }

// Update applies f to the current configuration and publishes the result.
// Writers are serialized by the dispatch lock; Update is not a CAS loop.
func (h *Holder) Update(f func(*Configuration) *Configuration) *Configuration {
	next := f(h.current.Load())
	h.current.Store(next)
	return next
}

// QuorumSize is the number of acceptors whose agreement closes an instance:
// N minus the tolerated failures, but never less than a majority.
func QuorumSize(acceptors, allowedFailures int) int {
	q := acceptors - allowedFailures
	if majority := acceptors/2 + 1; q < majority {
		q = majority
	}
	return q
}
