// Package rooms fans chat events out to the connections subscribed to a chat.
//
// Membership is transient: it is built only from explicit join and leave
// events and disappears with the connection. A room without members does not
// exist.
package rooms

import (
	"sort"
	"sync"

	"github.com/Tyrowin/relaychat/internal/conn"
)

// Router maps a chat id to the set of connections subscribed to it.
type Router struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]conn.Handle // chat id -> conn id -> handle
	byConn map[string]map[string]struct{}    // conn id -> chat ids
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		rooms:  make(map[string]map[string]conn.Handle),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes h to chatID. Joining twice is a no-op.
func (r *Router) Join(chatID string, h conn.Handle) {
	if chatID == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[chatID]
	if !ok {
		members = make(map[string]conn.Handle)
		r.rooms[chatID] = members
	}
	members[h.ID()] = h

	chats, ok := r.byConn[h.ID()]
	if !ok {
		chats = make(map[string]struct{})
		r.byConn[h.ID()] = chats
	}
	chats[chatID] = struct{}{}
}

// Leave unsubscribes h from chatID. Leaving a room h is not in is a no-op.
func (r *Router) Leave(chatID string, h conn.Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(chatID, h.ID())
}

// LeaveAll removes h from every room it joined and returns those chat ids.
func (r *Router) LeaveAll(h conn.Handle) []string {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	chats := r.byConn[h.ID()]
	left := make([]string, 0, len(chats))
	for chatID := range chats {
		left = append(left, chatID)
	}
	for _, chatID := range left {
		r.leaveLocked(chatID, h.ID())
	}
	sort.Strings(left)
	return left
}

func (r *Router) leaveLocked(chatID, connID string) {
	if members, ok := r.rooms[chatID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, chatID)
		}
	}
	if chats, ok := r.byConn[connID]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Broadcast delivers payload to every member of chatID except exclude, which
// may be nil. It returns the number of connections that accepted the payload.
// Members whose buffers are full are skipped; the transport reaps them.
func (r *Router) Broadcast(chatID string, payload []byte, exclude conn.Handle) int {
	targets := r.snapshot(chatID, exclude)

	delivered := 0
	for _, h := range targets {
		if h.Deliver(payload) {
			delivered++
		}
	}
	return delivered
}

// snapshot copies the member list so delivery happens outside the lock.
func (r *Router) snapshot(chatID string, exclude conn.Handle) []conn.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[chatID]
	targets := make([]conn.Handle, 0, len(members))
	for id, h := range members {
		if exclude != nil && id == exclude.ID() {
			continue
		}
		targets = append(targets, h)
	}
	return targets
}

// Members returns the connection ids subscribed to chatID, sorted.
func (r *Router) Members(chatID string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms[chatID]))
	for id := range r.rooms[chatID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// RoomsOf returns the chat ids h is subscribed to, sorted.
func (r *Router) RoomsOf(h conn.Handle) []string {
	if h == nil {
		return nil
	}
	r.mu.RLock()
	chats := make([]string, 0, len(r.byConn[h.ID()]))
	for chatID := range r.byConn[h.ID()] {
		chats = append(chats, chatID)
	}
	r.mu.RUnlock()
	sort.Strings(chats)
	return chats
}

// Len returns the number of non-empty rooms.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
