package services

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/runtime"
	"context"
	"log/slog"
)

type IConversationService interface {
	GetUserConversationsList(ctx context.Context, connID string, opts domain.ConversationOptions) ([]domain.Conversation, error)
	GetMessageHistory(ctx context.Context, connID string, opts domain.HistoryOptions) (*domain.MessageHistory, error)
	GetUsersList(ctx context.Context, connID string, filter domain.UsersFilter) ([]domain.UserSession, error)
}

// ConversationService answers the query surface: per-counterparty
// statistics, paginated history, and the users list. Results are derived
// from the message log on demand and are nil only when the requesting
// connection itself cannot be resolved.
type ConversationService struct {
	log      *slog.Logger
	store    contract.Store
	registry *runtime.Registry
}

func NewConversationService(log *slog.Logger, store contract.Store, registry *runtime.Registry) *ConversationService {
	return &ConversationService{log: log, store: store, registry: registry}
}

// GetUserConversationsList groups the user's messages by counterparty
// with per-direction status counts, newest conversation first. A known
// user with no conversations gets an empty slice.
func (s *ConversationService) GetUserConversationsList(ctx context.Context, connID string, opts domain.ConversationOptions) ([]domain.Conversation, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	userID, ok := s.resolve(connID)
	if !ok {
		return nil, nil
	}
	conversations, err := s.store.GetUserConversationsList(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	if conversations == nil {
		conversations = []domain.Conversation{}
	}
	return conversations, nil
}

// GetMessageHistory pages the messages shared with one counterparty, or
// all public messages for the broadcast sentinel. Paging past the end
// yields an empty page, never an error; malformed page bounds are
// terminal.
func (s *ConversationService) GetMessageHistory(ctx context.Context, connID string, opts domain.HistoryOptions) (*domain.MessageHistory, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	userID, ok := s.resolve(connID)
	if !ok {
		return nil, nil
	}
	messages, total, err := s.store.GetMessages(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return &domain.MessageHistory{
		Messages: messages,
		Total:    total,
		HasMore:  total > opts.Offset+len(messages),
	}, nil
}

// GetUsersList returns every persisted user matching the state filter,
// independent of conversation history. Invalid filter values are
// terminal.
func (s *ConversationService) GetUsersList(ctx context.Context, connID string, filter domain.UsersFilter) ([]domain.UserSession, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.resolve(connID); !ok {
		return nil, nil
	}
	users, err := s.store.GetUsers(ctx, filter)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []domain.UserSession{}
	}
	return users, nil
}

func (s *ConversationService) resolve(connID string) (string, bool) {
	binding, ok := s.registry.Lookup(connID)
	if !ok || !binding.Authenticated {
		return "", false
	}
	return binding.UserID, true
}
