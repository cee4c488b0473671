package contract

import (
	"chat-core/domain"
	"context"
	"time"
)

// Store is the persistence capability behind the presence and messaging
// engines. Implementations must agree on pagination, filtering, and
// status-transition semantics; the backend is selected once at process
// start, never at runtime.
type Store interface {
	// EnsureInitialized prepares schema/buckets and is safe to call twice.
	EnsureInitialized(ctx context.Context) error

	// StoreUser upserts the full session snapshot, bindings included.
	StoreUser(ctx context.Context, user domain.UserSession) error
	GetUser(ctx context.Context, userID string) (*domain.UserSession, error)
	// GetUserByConnection resolves a session through one of its non-offline
	// bindings. Offline or unknown connection ids resolve to nil.
	GetUserByConnection(ctx context.Context, connID string) (*domain.UserSession, error)
	GetUsers(ctx context.Context, filter domain.UsersFilter) ([]domain.UserSession, error)
	GetActiveUsers(ctx context.Context) ([]domain.UserSession, error)

	StoreMessage(ctx context.Context, msg domain.Message) error
	// UpdateMessageStatus advances the status if and only if the stored
	// status ranks lower; it reports whether the transition happened.
	UpdateMessageStatus(ctx context.Context, messageID string, status domain.MessageStatus) (bool, error)
	// MarkMessagesAsRead transitions matching pre-read messages addressed
	// to userID and returns the count actually transitioned.
	MarkMessagesAsRead(ctx context.Context, userID string, opts domain.MarkReadOptions) (int, error)
	// MarkMessagesAsDelivered advances every pending/sent message from
	// senderID to userID. An empty senderID matches all senders.
	MarkMessagesAsDelivered(ctx context.Context, userID, senderID string) (int, error)

	GetUserConversationsList(ctx context.Context, userID string, opts domain.ConversationOptions) ([]domain.Conversation, error)
	// GetMessages returns one ordered page plus the total match count.
	GetMessages(ctx context.Context, userID string, opts domain.HistoryOptions) ([]domain.Message, int, error)

	// CleanupInactiveUserSessions forces users idle longer than maxAge
	// offline and returns their ids.
	CleanupInactiveUserSessions(ctx context.Context, maxAge time.Duration) ([]string, error)
	CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Transport is the event-channel capability the engines deliver through.
// The core never owns connections; it only addresses them by id.
type Transport interface {
	Emit(ctx context.Context, connID, event string, payload any) error
	// EmitWithAck dispatches and then waits for a peer acknowledgment.
	// Expiry of the timeout is not an error: it returns (false, nil)
	// once the dispatch itself succeeded.
	EmitWithAck(ctx context.Context, connID, event string, payload any, timeout time.Duration) (bool, error)
	Broadcast(ctx context.Context, event string, payload any) error
}
