package rooms

import "sync"

// MemoryBus is an in-process Bus for single-node deployments and tests.
// Delivery is synchronous: Publish invokes every member's handler before
// returning, which gives tests deterministic ordering. Each handler snapshot
// is taken under the read lock so that a handler unsubscribing mid-delivery
// does not deadlock.
type MemoryBus struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Handler // room -> owner -> handler
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		rooms: make(map[string]map[string]Handler),
	}
}

// Subscribe adds the owner to the room, replacing any previous handler for
// the same (room, owner) pair.
func (b *MemoryBus) Subscribe(room, owner string, h Handler) error {
	b.mu.Lock()
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]Handler)
		b.rooms[room] = members
	}
	members[owner] = h
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the owner's membership in the room.
func (b *MemoryBus) Unsubscribe(room, owner string) error {
	b.mu.Lock()
	if members, ok := b.rooms[room]; ok {
		delete(members, owner)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
	b.mu.Unlock()
	return nil
}

// UnsubscribeAll removes every membership held by the owner.
func (b *MemoryBus) UnsubscribeAll(owner string) error {
	b.mu.Lock()
	for room, members := range b.rooms {
		delete(members, owner)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
	b.mu.Unlock()
	return nil
}

// Publish synchronously invokes the handler of every current room member.
func (b *MemoryBus) Publish(room string, data []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.rooms[room]))
	for _, h := range b.rooms[room] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Members returns the number of current members in the room.
func (b *MemoryBus) Members(room string) int {
	b.mu.RLock()
	n := len(b.rooms[room])
	b.mu.RUnlock()
	return n
}

// Close releases the bus. Pending memberships are dropped.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.rooms = make(map[string]map[string]Handler)
	b.mu.Unlock()
}
