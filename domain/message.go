// This file defines Message events and their status lifecycle.
// Messages are persisted before delivery and validated by the domain.
package domain

import "time"

// BroadcastRecipient is the sentinel recipient id for public messages.
// BroadcastPartyName is the display name of the public conversation.
const (
	BroadcastRecipient = "all"
	BroadcastPartyName = "Everyone"
)

type MessageType string

const (
	MessagePrivate MessageType = "private"
	MessagePublic  MessageType = "public"
)

// MessageStatus advances forward only: pending -> sent -> delivered -> read.
// Broadcast messages start at sent.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank orders statuses along the lifecycle. Unknown statuses rank lowest.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.Rank() > s.Rank()
}

// Message is an immutable chat event; only Status and ReadAt ever change
// after creation, and only forward.
type Message struct {
	ID          string        `json:"messageId"`
	SenderID    string        `json:"senderId"`
	SenderName  string        `json:"senderName"`
	RecipientID string        `json:"recipientId"`
	Content     string        `json:"content"`
	Type        MessageType   `json:"type"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	ReadAt      *time.Time    `json:"readAt,omitempty"`
}
