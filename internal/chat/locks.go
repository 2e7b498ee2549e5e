package chat

import "sync"

// conversationLocks linearizes pipeline runs per conversation id. Two
// concurrent sends to the same conversation take turns; different
// conversations never contend. Entries are reference-counted so the map does
// not grow with conversation history.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[int64]*lockEntry)}
}

func (c *conversationLocks) lock(id int64) {
	c.mu.Lock()
	e, ok := c.locks[id]
	if !ok {
		e = &lockEntry{}
		c.locks[id] = e
	}
	e.refs++
	c.mu.Unlock()
	e.mu.Lock()
}

func (c *conversationLocks) unlock(id int64) {
	c.mu.Lock()
	e := c.locks[id]
	e.refs--
	if e.refs == 0 {
		delete(c.locks, id)
	}
	c.mu.Unlock()
	e.mu.Unlock()
}
