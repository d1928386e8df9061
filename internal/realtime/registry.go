// Package realtime maps logical identities to live connections and fans
// domain events out to them. Delivery is fire-and-forget: nothing is queued
// for identities without a live connection.
package realtime

import (
	"sync"

	"github.com/example/tow-dispatch/internal/models"
)

// Identity is the logical room a connection joins.
type Identity struct {
	Role models.Role
	ID   string
}

func (i Identity) String() string { return string(i.Role) + ":" + i.ID }

func Requester(id string) Identity { return Identity{Role: models.RoleRequester, ID: id} }

func Operator(id string) Identity { return Identity{Role: models.RoleOperator, ID: id} }

// Conn is one live connection. Send must not block; it reports false when the
// message could not be queued.
type Conn interface {
	ID() string
	Send(msg []byte) bool
}

// Registry tracks the live connections of each identity.
type Registry interface {
	Add(id Identity, c Conn)
	Remove(id Identity, connID string) bool
	Conns(id Identity) []Conn
	Len() int
}

type MemoryRegistry struct {
	mu    sync.RWMutex
	rooms map[Identity]map[string]Conn
	total int
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{rooms: make(map[Identity]map[string]Conn)}
}

func (r *MemoryRegistry) Add(id Identity, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[id] = room
	}
	if _, exists := room[c.ID()]; !exists {
		r.total++
	}
	room[c.ID()] = c
}

func (r *MemoryRegistry) Remove(id Identity, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return false
	}
	if _, ok := room[connID]; !ok {
		return false
	}
	delete(room, connID)
	r.total--
	if len(room) == 0 {
		delete(r.rooms, id)
	}
	return true
}

func (r *MemoryRegistry) Conns(id Identity) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[id]
	out := make([]Conn, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
