// Package presence tracks which sessions are viewing which document.
//
// Each document room carries its own lock, so joins, leaves and counts for one
// document are serialized while different documents proceed independently.
// Rooms are created on first join and dropped when the last member leaves.
package presence

import (
	"sort"
	"sync"
)

// RoomFunc runs while the room lock is held, right after a mutation. members
// is a snapshot of the room after the change and may be empty.
type RoomFunc func(documentID string, members []string)

type Registry struct {
	mu          sync.Mutex
	rooms       map[string]*room
	memberships map[string]map[string]struct{} // session id -> document ids
}

type room struct {
	mu      sync.Mutex
	members map[string]struct{}
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]*room),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds sessionID to the room for documentID and returns the room size.
// Joining twice has the effect of one join.
func (r *Registry) Join(documentID, sessionID string, fn RoomFunc) int {
	rm := r.acquire(documentID, true)
	defer r.release(documentID, rm)

	rm.members[sessionID] = struct{}{}

	r.mu.Lock()
	docs, ok := r.memberships[sessionID]
	if !ok {
		docs = make(map[string]struct{})
		r.memberships[sessionID] = docs
	}
	docs[documentID] = struct{}{}
	r.mu.Unlock()

	if fn != nil {
		fn(documentID, rm.snapshot())
	}
	return len(rm.members)
}

// Leave removes sessionID from the room and returns the remaining size. It is
// a no-op when the session is not a member; fn is only called on removal.
func (r *Registry) Leave(documentID, sessionID string, fn RoomFunc) int {
	rm := r.acquire(documentID, false)
	if rm == nil {
		return 0
	}
	defer r.release(documentID, rm)

	if _, ok := rm.members[sessionID]; !ok {
		return len(rm.members)
	}
	delete(rm.members, sessionID)
	r.forget(sessionID, documentID)

	if fn != nil {
		fn(documentID, rm.snapshot())
	}
	return len(rm.members)
}

// LeaveAll removes sessionID from every room it belongs to and returns the
// document ids it left. Safe to call for sessions that never joined.
func (r *Registry) LeaveAll(sessionID string, fn RoomFunc) []string {
	r.mu.Lock()
	docs := make([]string, 0, len(r.memberships[sessionID]))
	for id := range r.memberships[sessionID] {
		docs = append(docs, id)
	}
	r.mu.Unlock()

	sort.Strings(docs)
	left := make([]string, 0, len(docs))
	for _, documentID := range docs {
		rm := r.acquire(documentID, false)
		if rm == nil {
			continue
		}
		if _, ok := rm.members[sessionID]; ok {
			delete(rm.members, sessionID)
			left = append(left, documentID)
			if fn != nil {
				fn(documentID, rm.snapshot())
			}
		}
		r.release(documentID, rm)
	}

	r.mu.Lock()
	delete(r.memberships, sessionID)
	r.mu.Unlock()

	return left
}

// Count returns the number of sessions viewing documentID.
func (r *Registry) Count(documentID string) int {
	rm := r.acquire(documentID, false)
	if rm == nil {
		return 0
	}
	defer r.release(documentID, rm)
	return len(rm.members)
}

// Members returns the session ids viewing documentID, sorted.
func (r *Registry) Members(documentID string) []string {
	rm := r.acquire(documentID, false)
	if rm == nil {
		return nil
	}
	defer r.release(documentID, rm)
	return rm.snapshot()
}

// Rooms returns a point-in-time copy of every non-empty room and its size.
func (r *Registry) Rooms() map[string]int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	rooms := make(map[string]int, len(ids))
	for _, id := range ids {
		if n := r.Count(id); n > 0 {
			rooms[id] = n
		}
	}
	return rooms
}

// acquire returns the room for documentID with its lock held, or nil when the
// room does not exist and create is false.
func (r *Registry) acquire(documentID string, create bool) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[documentID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			rm = &room{members: make(map[string]struct{})}
			r.rooms[documentID] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		// Emptied and unlinked while we waited; look it up again.
		rm.mu.Unlock()
	}
}

func (r *Registry) release(documentID string, rm *room) {
	if len(rm.members) == 0 {
		rm.closed = true
		r.mu.Lock()
		if r.rooms[documentID] == rm {
			delete(r.rooms, documentID)
		}
		r.mu.Unlock()
	}
	rm.mu.Unlock()
}

func (r *Registry) forget(sessionID, documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs, ok := r.memberships[sessionID]
	if !ok {
		return
	}
	delete(docs, documentID)
	if len(docs) == 0 {
		delete(r.memberships, sessionID)
	}
}

func (rm *room) snapshot() []string {
	members := make([]string, 0, len(rm.members))
	for id := range rm.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}
