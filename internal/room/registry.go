// Package room tracks the live websocket connections subscribed to each
// planning session and fans broadcast events out to them. Membership is
// ephemeral: it is lost on restart and rebuilt as clients reconnect.
package room

import (
	"log"
	"sync"
)

// Conn is the send side of one subscribed connection. The websocket layer
// wraps *websocket.Conn behind it; tests inject fakes.
type Conn interface {
	WriteJSON(v any) error
}

type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[Conn]struct{})}
}

// Join adds conn to the session's room, creating the room if absent.
func (r *Registry) Join(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[sessionID]
	if !ok {
		members = make(map[Conn]struct{})
		r.rooms[sessionID] = members
	}
	members[conn] = struct{}{}
}

// Leave removes conn from the session's room. Empty rooms are dropped so
// connection churn does not grow the map.
func (r *Registry) Leave(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, conn)
}

func (r *Registry) leaveLocked(sessionID string, conn Conn) {
	members, ok := r.rooms[sessionID]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, sessionID)
	}
}

// Broadcast sends event to every connection in the session's room. A
// failed send counts as a disconnect: the connection is pruned and the
// fan-out continues. Delivery is best-effort and never errors to the
// caller. The registry lock is held for the whole fan-out, so broadcasts
// issued in sequence reach each connection in that same order.
func (r *Registry) Broadcast(sessionID string, event any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[sessionID]
	if len(members) == 0 {
		return
	}
	var dead []Conn
	for conn := range members {
		if err := conn.WriteJSON(event); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		r.leaveLocked(sessionID, conn)
	}
	if len(dead) > 0 {
		log.Printf("room %s: pruned %d dead connection(s) during broadcast", sessionID, len(dead))
	}
}

// Count returns the current number of connections in the session's room.
func (r *Registry) Count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[sessionID])
}
