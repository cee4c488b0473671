package repositories

import (
	"chat-core/domain"
	"context"
	"log/slog"
	"sync"
	"time"
)

// evictionFactor times the inactivity threshold is how long an offline
// session lingers in memory before the sweep evicts it entirely.
const evictionFactor = 2

// MemoryStore is the process-local, non-durable backend. It serves tests
// and single-process deployments; nothing survives a restart.
type MemoryStore struct {
	log *slog.Logger

	mu        sync.RWMutex
	users     map[string]*domain.UserSession
	connIndex map[string]string // non-offline connection id -> user id
	messages  []*domain.Message // chronological log
	byID      map[string]*domain.Message
}

func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		log:       log,
		users:     make(map[string]*domain.UserSession),
		connIndex: make(map[string]string),
		byID:      make(map[string]*domain.Message),
	}
}

func (s *MemoryStore) EnsureInitialized(_ context.Context) error { return nil }

func (s *MemoryStore) StoreUser(_ context.Context, user domain.UserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := copySession(user)
	s.users[user.UserID] = &snapshot
	for _, binding := range snapshot.Connections {
		if binding.State == domain.StateOffline {
			delete(s.connIndex, binding.ConnectionID)
		} else {
			s.connIndex[binding.ConnectionID] = user.UserID
		}
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (*domain.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	snapshot := copySession(*user)
	return &snapshot, nil
}

func (s *MemoryStore) GetUserByConnection(ctx context.Context, connID string) (*domain.UserSession, error) {
	s.mu.RLock()
	userID, ok := s.connIndex[connID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetUser(ctx, userID)
}

func (s *MemoryStore) GetUsers(_ context.Context, filter domain.UsersFilter) ([]domain.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserSession, 0, len(s.users))
	for _, user := range s.users {
		if filter.State != "" && user.State != filter.State {
			continue
		}
		users = append(users, copySession(*user))
	}
	sortSessions(users)
	return users, nil
}

func (s *MemoryStore) GetActiveUsers(_ context.Context) ([]domain.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []domain.UserSession
	for _, user := range s.users {
		if user.State != domain.StateOffline {
			users = append(users, copySession(*user))
		}
	}
	sortSessions(users)
	return users, nil
}

func (s *MemoryStore) StoreMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := msg
	s.messages = append(s.messages, &stored)
	s.byID[msg.ID] = &stored
	return nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, messageID string, status domain.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok || !msg.Status.Advances(status) {
		return false, nil
	}
	msg.Status = status
	if status == domain.StatusRead {
		now := time.Now().UTC()
		msg.ReadAt = &now
	}
	return true, nil
}

func (s *MemoryStore) MarkMessagesAsRead(_ context.Context, userID string, opts domain.MarkReadOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	marked := 0
	for _, msg := range s.messages {
		if markReadMatch(*msg, userID, opts) {
			msg.Status = domain.StatusRead
			readAt := now
			msg.ReadAt = &readAt
			marked++
		}
	}
	return marked, nil
}

func (s *MemoryStore) MarkMessagesAsDelivered(_ context.Context, userID, senderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := 0
	for _, msg := range s.messages {
		if msg.RecipientID != userID || !msg.Status.Advances(domain.StatusDelivered) {
			continue
		}
		if senderID != "" && msg.SenderID != senderID {
			continue
		}
		msg.Status = domain.StatusDelivered
		delivered++
	}
	return delivered, nil
}

func (s *MemoryStore) GetUserConversationsList(_ context.Context, userID string, opts domain.ConversationOptions) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return aggregateConversations(s.snapshotLocked(), userID, opts), nil
}

func (s *MemoryStore) GetMessages(_ context.Context, userID string, opts domain.HistoryOptions) ([]domain.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, total := filterHistory(s.snapshotLocked(), userID, opts)
	return page, total, nil
}

// CleanupInactiveUserSessions forces idle users offline and evicts
// sessions that have been offline long enough, dropping their stale
// connection index entries with them.
func (s *MemoryStore) CleanupInactiveUserSessions(_ context.Context, maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var affected []string
	for userID, user := range s.users {
		idle := now.Sub(user.LastActivity)
		if idle < maxAge {
			continue
		}
		if user.State != domain.StateOffline {
			for i := range user.Connections {
				user.Connections[i].State = domain.StateOffline
				delete(s.connIndex, user.Connections[i].ConnectionID)
			}
			user.State = domain.StateOffline
			affected = append(affected, userID)
			continue
		}
		if idle >= evictionFactor*maxAge {
			s.log.Debug("evicting stale session", "userId", userID)
			delete(s.users, userID)
		}
	}
	return affected, nil
}

func (s *MemoryStore) CleanupOldMessages(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	kept := s.messages[:0]
	removed := 0
	for _, msg := range s.messages {
		if msg.CreatedAt.Before(cutoff) {
			delete(s.byID, msg.ID)
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	return removed, nil
}

func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) snapshotLocked() []domain.Message {
	msgs := make([]domain.Message, len(s.messages))
	for i, msg := range s.messages {
		msgs[i] = *msg
	}
	return msgs
}

func copySession(user domain.UserSession) domain.UserSession {
	user.Connections = append([]domain.ConnectionBinding(nil), user.Connections...)
	return user
}
