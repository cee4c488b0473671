// This file defines the Conversation projection. Conversations are never
// stored; they are recomputed from the message log on every query.
package domain

import "time"

// StatusCounts breaks down one direction of a conversation by message status.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Total     int `json:"total"`
}

// Add counts one message status.
func (c *StatusCounts) Add(s MessageStatus) {
	switch s {
	case StatusPending:
		c.Pending++
	case StatusSent:
		c.Sent++
	case StatusDelivered:
		c.Delivered++
	case StatusRead:
		c.Read++
	}
	c.Total++
}

// Conversation is the per-counterparty view of a user's message log.
// A user messaging themselves counts every message in both directions.
type Conversation struct {
	PartyID       string       `json:"partyId"`
	PartyName     string       `json:"partyName"`
	Incoming      StatusCounts `json:"incoming"`
	Outgoing      StatusCounts `json:"outgoing"`
	LastMessageAt time.Time    `json:"lastMessageAt"`
}

// MessageHistory is one page of an ordered conversation slice.
type MessageHistory struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}
