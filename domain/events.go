// Outbound event payloads produced for transport peers.
package domain

import "time"

// TypingEvent is relayed to a recipient's live bindings; Timestamp
// marshals as ISO-8601.
type TypingEvent struct {
	Sender    UserData  `json:"sender"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthenticatedEvent confirms a successful handshake on a connection.
type AuthenticatedEvent struct {
	State    BindingState `json:"state"`
	Success  bool         `json:"success"`
	UserID   string       `json:"userId"`
	UserName string       `json:"userName"`
}
