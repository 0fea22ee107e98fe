// Package presence tracks which user is reachable on which live connection.
package presence

import (
	"sort"
	"sync"

	"github.com/Tyrowin/relaychat/internal/conn"
)

// Listener is notified of every presence change, in mutation order.
type Listener interface {
	PresenceChanged(userID string, online bool)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(userID string, online bool)

func (f ListenerFunc) PresenceChanged(userID string, online bool) { f(userID, online) }

// Registry maps a user to its current connection. At most one connection is
// current per user; the last SetOnline wins.
type Registry struct {
	// notifyMu serializes mutations together with their notifications so
	// listeners observe changes in the order they were applied.
	notifyMu sync.Mutex

	mu     sync.RWMutex
	byUser map[string]conn.Handle
	byConn map[string]string // connection id -> user id

	listeners []Listener
}

// New creates an empty Registry.
func New(listeners ...Listener) *Registry {
	return &Registry{
		byUser:    make(map[string]conn.Handle),
		byConn:    make(map[string]string),
		listeners: listeners,
	}
}

// Subscribe adds a listener. It must be called before the registry is shared.
func (r *Registry) Subscribe(l Listener) {
	r.notifyMu.Lock()
	r.listeners = append(r.listeners, l)
	r.notifyMu.Unlock()
}

// SetOnline makes h the current connection of userID, replacing any earlier
// mapping without notifying the replaced connection. A connection that was
// bound to another user is unbound from it first.
func (r *Registry) SetOnline(userID string, h conn.Handle) {
	if userID == "" || h == nil {
		return
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	var dropped string
	if prev, ok := r.byConn[h.ID()]; ok && prev != userID {
		if conn.Same(r.byUser[prev], h) {
			delete(r.byUser, prev)
			dropped = prev
		}
	}
	r.byUser[userID] = h
	r.byConn[h.ID()] = userID
	r.mu.Unlock()

	if dropped != "" {
		r.notify(dropped, false)
	}
	r.notify(userID, true)
}

// Lookup returns the current connection of userID.
func (r *Registry) Lookup(userID string) (conn.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byUser[userID]
	return h, ok
}

// IsOnline reports whether userID has a current connection.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// UserOf returns the user that h authenticated as, current or superseded.
func (r *Registry) UserOf(h conn.Handle) (string, bool) {
	if h == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[h.ID()]
	return u, ok
}

// RemoveByConnection forgets h. It returns the user h was bound to and
// whether h was still that user's current connection; only then is the user
// reported offline. A superseded connection leaves the newer mapping intact.
func (r *Registry) RemoveByConnection(h conn.Handle) (userID string, wasCurrent bool) {
	if h == nil {
		return "", false
	}

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	userID, ok := r.byConn[h.ID()]
	if ok {
		delete(r.byConn, h.ID())
		if conn.Same(r.byUser[userID], h) {
			delete(r.byUser, userID)
			wasCurrent = true
		}
	}
	r.mu.Unlock()

	if wasCurrent {
		r.notify(userID, false)
	}
	return userID, wasCurrent
}

// OnlineUsers returns the ids of every user with a current connection, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// notify must be called with notifyMu held.
func (r *Registry) notify(userID string, online bool) {
	for _, l := range r.listeners {
		l.PresenceChanged(userID, online)
	}
}
