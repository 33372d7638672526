package statemachine

import (
	"strconv"
	"sync/atomic"
)

// Conversations issues process-unique conversation ids of the form
// "<participant>/<n>#".
type Conversations struct {
	me   atomic.Pointer[string]
	next atomic.Uint64
}

func NewConversations(me string) *Conversations {
	c := &Conversations{}
	c.Bind(me)
	return c
}

// Bind sets the participant prefix, typically once the listening address is
// known.
func (c *Conversations) Bind(me string) {
	c.me.Store(&me)
}

func (c *Conversations) Me() string {
	return *c.me.Load()
}

func (c *Conversations) Next() string {
	n := c.next.Add(1)
	return c.Me() + "/" + strconv.FormatUint(n, 10) + "#"
}
