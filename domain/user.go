// Package domain contains core concepts of the presence and messaging system.
// This file defines user sessions and their connection bindings.
// No runtime, transport, or storage logic should be added here.
package domain

import "time"

// BindingState is the lifecycle state of a single connection binding.
// A binding only ever moves forward: connected -> authenticated -> offline.
type BindingState string

const (
	StateConnected     BindingState = "connected"
	StateAuthenticated BindingState = "authenticated"
	StateOffline       BindingState = "offline"
)

// Valid reports whether s is one of the known binding states.
func (s BindingState) Valid() bool {
	switch s {
	case StateConnected, StateAuthenticated, StateOffline:
		return true
	}
	return false
}

// ConnectionBinding is one live transport connection owned by a UserSession.
// SessionID is opaque and rotated on every new connection.
type ConnectionBinding struct {
	ConnectionID string       `json:"connectionId"`
	SessionID    string       `json:"sessionId"`
	State        BindingState `json:"state"`
	ConnectedAt  time.Time    `json:"connectedAt"`
}

// UserData is the caller-supplied identity attached to a connection.
type UserData struct {
	UserID   string `json:"userId" validate:"required"`
	UserName string `json:"userName"`
}

// UserSession tracks one user across all their concurrent connections.
// State is always the aggregate of the bindings, never set independently.
type UserSession struct {
	UserID       string              `json:"userId"`
	UserName     string              `json:"userName"`
	Connections  []ConnectionBinding `json:"connections"`
	State        BindingState        `json:"state"`
	ConnectedAt  time.Time           `json:"connectedAt"`
	LastActivity time.Time           `json:"lastActivity"`
}

// AggregateState derives the user state from the binding states:
// authenticated if any binding is authenticated, else connected if any
// binding is connected, else offline.
func (u *UserSession) AggregateState() BindingState {
	state := StateOffline
	for _, c := range u.Connections {
		switch c.State {
		case StateAuthenticated:
			return StateAuthenticated
		case StateConnected:
			state = StateConnected
		}
	}
	return state
}

// Binding returns the binding owning connID, or nil.
func (u *UserSession) Binding(connID string) *ConnectionBinding {
	for i := range u.Connections {
		if u.Connections[i].ConnectionID == connID {
			return &u.Connections[i]
		}
	}
	return nil
}

// LiveConnectionIDs lists the connection ids of every binding in the given state.
func (u *UserSession) LiveConnectionIDs(state BindingState) []string {
	var ids []string
	for _, c := range u.Connections {
		if c.State == state {
			ids = append(ids, c.ConnectionID)
		}
	}
	return ids
}
