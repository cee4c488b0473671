package domain

import (
	"chat-core/errors"
	"fmt"
)

// Direction selects which side of a conversation an operation applies to.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MarkReadOptions narrows the set of messages a read receipt applies to.
// An empty MessageIDs slice matches every pre-read message addressed to
// the user; SenderID and Direction narrow further.
type MarkReadOptions struct {
	MessageIDs []string  `json:"messageIds"`
	SenderID   string    `json:"senderId,omitempty"`
	Direction  Direction `json:"direction,omitempty"`
}

func (o MarkReadOptions) Validate() error {
	switch o.Direction {
	case "", DirectionIncoming, DirectionOutgoing:
		return nil
	}
	return fmt.Errorf("%w: direction %q", errors.ErrInvalidOptions, o.Direction)
}

// Page is limit/offset pagination shared by every query surface.
// A zero Limit falls back to the store default; paging past the end
// yields an empty page, never an error.
type Page struct {
	Limit  int `json:"limit,omitempty" validate:"gte=0"`
	Offset int `json:"offset,omitempty" validate:"gte=0"`
}

func (p Page) Validate() error {
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit %d", errors.ErrInvalidOptions, p.Limit)
	}
	if p.Offset < 0 {
		return fmt.Errorf("%w: offset %d", errors.ErrInvalidOptions, p.Offset)
	}
	return nil
}

// ConversationOptions paginates the per-counterparty conversation list.
type ConversationOptions struct {
	Page
}

func (o ConversationOptions) Validate() error {
	return o.Page.Validate()
}

// HistoryOptions selects the message slice shared with one counterparty.
// OtherPartyID may be the broadcast sentinel to page public messages.
type HistoryOptions struct {
	OtherPartyID string `json:"otherPartyId" validate:"required"`
	Page
}

func (o HistoryOptions) Validate() error {
	if o.OtherPartyID == "" {
		return fmt.Errorf("%w: missing otherPartyId", errors.ErrInvalidOptions)
	}
	return o.Page.Validate()
}

// UsersFilter narrows a users-list query by aggregate state.
type UsersFilter struct {
	State BindingState `json:"state,omitempty"`
}

func (f UsersFilter) Validate() error {
	if f.State == "" || f.State.Valid() {
		return nil
	}
	return fmt.Errorf("%w: state %q", errors.ErrInvalidOptions, f.State)
}

// TypingOptions carries a typing indicator toward one recipient.
type TypingOptions struct {
	IsTyping    bool   `json:"isTyping"`
	RecipientID string `json:"recipientId"`
}
