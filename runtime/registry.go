// Package runtime holds the process-local state shared by the engines.
// It contains no business rules; durable state lives in the store.
package runtime

import "sync"

type Set map[string]struct{}

// Binding is the transient identity attached to one live connection.
type Binding struct {
	UserID        string
	SessionID     string
	Authenticated bool
}

// Registry maps live connection ids to their identity and auth state.
// It is rebuilt from scratch on restart; only the presence service
// mutates it, other engines read it to answer "is this binding live".
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding // connection id -> identity
	byUser   map[string]Set     // user id -> connection ids
}

func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]Binding),
		byUser:   make(map[string]Set),
	}
}

// Register attaches a connection to a user. Re-registering the same
// connection overwrites its binding in place, moving it between users
// if the identity changed.
func (r *Registry) Register(connID string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bindings[connID]; ok && prev.UserID != b.UserID {
		r.dropFromUser(prev.UserID, connID)
	}
	r.bindings[connID] = b

	if _, ok := r.byUser[b.UserID]; !ok {
		r.byUser[b.UserID] = make(Set)
	}
	r.byUser[b.UserID][connID] = struct{}{}
}

// Unregister detaches a connection, cleaning up the per-user set so no
// empty entries accumulate over time.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[connID]
	if !ok {
		return
	}
	delete(r.bindings, connID)
	r.dropFromUser(b.UserID, connID)
}

// Lookup returns the binding for a live connection.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[connID]
	return b, ok
}

// LiveConnections lists the connection ids currently attached to a user.
// With authenticatedOnly set, unverified connections are skipped.
func (r *Registry) LiveConnections(userID string, authenticatedOnly bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	var ids []string
	for connID := range conns {
		if authenticatedOnly && !r.bindings[connID].Authenticated {
			continue
		}
		ids = append(ids, connID)
	}
	return ids
}

// UnregisterUser detaches every connection of a user at once, returning
// the connection ids that were dropped. Used by the inactivity sweep.
func (r *Registry) UnregisterUser(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	var dropped []string
	for connID := range conns {
		delete(r.bindings, connID)
		dropped = append(dropped, connID)
	}
	delete(r.byUser, userID)
	return dropped
}

func (r *Registry) dropFromUser(userID, connID string) {
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
}
