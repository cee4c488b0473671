package services

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/errors"
	"chat-core/moderation"
	"chat-core/runtime"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultAckTimeout bounds the wait for a recipient acknowledgment.
const DefaultAckTimeout = 10 * time.Second

type IMessageService interface {
	SendMessage(ctx context.Context, senderConnID, recipientID, content string) (*domain.Message, error)
	BroadcastPublicMessage(ctx context.Context, senderConnID, content string) (*domain.Message, error)
	MarkMessagesAsRead(ctx context.Context, connID string, opts domain.MarkReadOptions) (int, error)
	TypingIndicator(ctx context.Context, connID string, opts domain.TypingOptions) (*domain.TypingEvent, error)
}

// MessageService creates, persists, delivers, and status-transitions
// private and public messages. Persistence is decoupled from transport
// delivery: the sender always gets a durable record back synchronously,
// and the acknowledgment protocol only ever upgrades status afterwards.
type MessageService struct {
	log       *slog.Logger
	store     contract.Store
	registry  *runtime.Registry
	transport contract.Transport
	moderator *moderation.Moderator
	presence  IPresenceService

	ackTimeout time.Duration
}

func NewMessageService(log *slog.Logger, store contract.Store, registry *runtime.Registry,
	transport contract.Transport, presence IPresenceService,
	moderator *moderation.Moderator, ackTimeout time.Duration) *MessageService {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &MessageService{
		log:        log,
		store:      store,
		registry:   registry,
		transport:  transport,
		moderator:  moderator,
		presence:   presence,
		ackTimeout: ackTimeout,
	}
}

// SendMessage persists a private message at pending and kicks off the
// asynchronous delivery attempt. The returned message reflects the state
// at persistence time, independent of the delivery outcome: status moves
// to sent the moment transport dispatch succeeds and to delivered only on
// a positive acknowledgment within the window. Timeouts are silent and
// delivery is never auto-retried.
func (s *MessageService) SendMessage(ctx context.Context, senderConnID, recipientID, content string) (*domain.Message, error) {
	sender, err := s.resolveAuthenticated(ctx, senderConnID)
	if err != nil {
		return nil, err
	}

	msg := s.newMessage(sender, recipientID, content, domain.MessagePrivate, domain.StatusPending)
	if err := s.store.StoreMessage(ctx, msg); err != nil {
		return nil, err
	}
	_ = s.presence.Touch(ctx, senderConnID)

	go s.deliver(msg)

	return &msg, nil
}

// deliver dispatches to every authenticated live binding of the
// recipient in parallel, so each binding gets the full acknowledgment
// window. Status moves to sent on the first successful dispatch and to
// delivered on the first positive ack; the monotonic store transition
// makes the concurrent updates harmless.
func (s *MessageService) deliver(msg domain.Message) {
	// Detached from the request context: the sender's call has already
	// returned by the time delivery runs.
	ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout+time.Second)
	defer cancel()

	conns := s.registry.LiveConnections(msg.RecipientID, true)
	if len(conns) == 0 {
		s.log.Debug("recipient offline, message stays stored",
			"messageId", msg.ID, "recipientId", msg.RecipientID)
		return
	}

	var wg sync.WaitGroup
	for _, connID := range conns {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			acked, err := s.transport.EmitWithAck(ctx, connID, "newMessage", msg, s.ackTimeout)
			if err != nil {
				s.log.Warn("message dispatch failed",
					"messageId", msg.ID, "connectionId", connID, "error", err)
				return
			}
			if _, err := s.store.UpdateMessageStatus(ctx, msg.ID, domain.StatusSent); err != nil {
				s.log.Warn("status update failed", "messageId", msg.ID, "error", err)
			}
			if acked {
				if _, err := s.store.UpdateMessageStatus(ctx, msg.ID, domain.StatusDelivered); err != nil {
					s.log.Warn("status update failed", "messageId", msg.ID, "error", err)
				}
			}
		}(connID)
	}
	wg.Wait()
}

// BroadcastPublicMessage persists a public message against the broadcast
// sentinel and fans it out with no per-recipient acknowledgment; status
// is sent immediately.
func (s *MessageService) BroadcastPublicMessage(ctx context.Context, senderConnID, content string) (*domain.Message, error) {
	sender, err := s.resolveAuthenticated(ctx, senderConnID)
	if err != nil {
		return nil, err
	}

	msg := s.newMessage(sender, domain.BroadcastRecipient, content, domain.MessagePublic, domain.StatusSent)
	if err := s.store.StoreMessage(ctx, msg); err != nil {
		return nil, err
	}
	_ = s.presence.Touch(ctx, senderConnID)

	if err := s.transport.Broadcast(ctx, "newMessage", msg); err != nil {
		s.log.Warn("broadcast dispatch failed", "messageId", msg.ID, "error", err)
	}
	return &msg, nil
}

// MarkMessagesAsRead transitions matching pre-read messages addressed to
// the connection's user and returns the count actually transitioned.
// A connection that does not resolve to a user yields zero, not an error;
// malformed options are terminal.
func (s *MessageService) MarkMessagesAsRead(ctx context.Context, connID string, opts domain.MarkReadOptions) (int, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	binding, ok := s.registry.Lookup(connID)
	if !ok || !binding.Authenticated {
		return 0, nil
	}
	marked, err := s.store.MarkMessagesAsRead(ctx, binding.UserID, opts)
	if err != nil {
		return 0, err
	}
	_ = s.presence.Touch(ctx, connID)
	return marked, nil
}

// TypingIndicator relays a typing state to the recipient's live bindings.
// An unknown recipient is a nil result with no side effects.
func (s *MessageService) TypingIndicator(ctx context.Context, connID string, opts domain.TypingOptions) (*domain.TypingEvent, error) {
	sender, err := s.resolveAuthenticated(ctx, connID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.store.GetUser(ctx, opts.RecipientID)
	if err != nil {
		return nil, err
	}
	if recipient == nil {
		return nil, nil
	}

	event := &domain.TypingEvent{
		Sender:    domain.UserData{UserID: sender.UserID, UserName: sender.UserName},
		IsTyping:  opts.IsTyping,
		Timestamp: time.Now().UTC(),
	}
	for _, recipientConn := range s.registry.LiveConnections(opts.RecipientID, true) {
		if err := s.transport.Emit(ctx, recipientConn, "typingIndicator", event); err != nil {
			s.log.Debug("typing relay failed", "connectionId", recipientConn, "error", err)
		}
	}
	return event, nil
}

func (s *MessageService) resolveAuthenticated(ctx context.Context, connID string) (*domain.UserSession, error) {
	binding, ok := s.registry.Lookup(connID)
	if !ok || !binding.Authenticated {
		return nil, errors.ErrUnauthenticated
	}
	sender, err := s.store.GetUser(ctx, binding.UserID)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, errors.ErrUnauthenticated
	}
	return sender, nil
}

func (s *MessageService) newMessage(sender *domain.UserSession, recipientID, content string,
	msgType domain.MessageType, status domain.MessageStatus) domain.Message {
	if s.moderator != nil {
		content = s.moderator.Censor(content)
	}
	return domain.Message{
		ID:          uuid.NewString(),
		SenderID:    sender.UserID,
		SenderName:  sender.UserName,
		RecipientID: recipientID,
		Content:     content,
		Type:        msgType,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
}
