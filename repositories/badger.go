package repositories

import (
	"chat-core/domain"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is the durable KV backend. Message keys embed a 19-digit
// zero-padded timestamp so a forward prefix scan yields chronological
// order, with the message id as collision disconnector:
//
//	user:{userId}                   -> session snapshot (JSON)
//	conn:{connectionId}             -> owning user id
//	msg:{timestamp_padded}:{id}     -> message (JSON)
//	msgid:{id}                      -> message key (lookup by id)
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

type keyedMessage struct {
	key []byte
	msg domain.Message
}

func userKey(userID string) []byte { return []byte("user:" + userID) }
func connKey(connID string) []byte { return []byte("conn:" + connID) }
func msgIDKey(id string) []byte    { return []byte("msgid:" + id) }

func msgKey(msg domain.Message) []byte {
	return []byte(fmt.Sprintf("msg:%019d:%s", msg.CreatedAt.UnixNano(), msg.ID))
}

func (s *BadgerStore) EnsureInitialized(_ context.Context) error { return nil }

func (s *BadgerStore) StoreUser(_ context.Context, user domain.UserSession) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("storeUser %s: %w", user.UserID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(userKey(user.UserID), data); err != nil {
			return err
		}
		for _, binding := range user.Connections {
			if binding.State == domain.StateOffline {
				if err := txn.Delete(connKey(binding.ConnectionID)); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(connKey(binding.ConnectionID), []byte(user.UserID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storeUser %s: %w", user.UserID, err)
	}
	return nil
}

func (s *BadgerStore) GetUser(_ context.Context, userID string) (*domain.UserSession, error) {
	var user *domain.UserSession
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getUser(txn, userID)
		user = found
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getUser %s: %w", userID, err)
	}
	return user, nil
}

func (s *BadgerStore) GetUserByConnection(_ context.Context, connID string) (*domain.UserSession, error) {
	var user *domain.UserSession
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(connKey(connID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var userID string
		if err := item.Value(func(val []byte) error {
			userID = string(val)
			return nil
		}); err != nil {
			return err
		}
		user, err = getUser(txn, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getUserByConnection %s: %w", connID, err)
	}
	return user, nil
}

func (s *BadgerStore) GetUsers(_ context.Context, filter domain.UsersFilter) ([]domain.UserSession, error) {
	users := make([]domain.UserSession, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanUsers(txn, func(user domain.UserSession) {
			if filter.State == "" || user.State == filter.State {
				users = append(users, user)
			}
		})
	})
	if err != nil {
		return nil, fmt.Errorf("getUsers: %w", err)
	}
	sortSessions(users)
	return users, nil
}

func (s *BadgerStore) GetActiveUsers(_ context.Context) ([]domain.UserSession, error) {
	var users []domain.UserSession
	err := s.db.View(func(txn *badger.Txn) error {
		return scanUsers(txn, func(user domain.UserSession) {
			if user.State != domain.StateOffline {
				users = append(users, user)
			}
		})
	})
	if err != nil {
		return nil, fmt.Errorf("getActiveUsers: %w", err)
	}
	sortSessions(users)
	return users, nil
}

func (s *BadgerStore) StoreMessage(_ context.Context, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("storeMessage %s: %w", msg.ID, err)
	}
	key := msgKey(msg)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(msgIDKey(msg.ID), key)
	})
	if err != nil {
		return fmt.Errorf("storeMessage %s: %w", msg.ID, err)
	}
	return nil
}

// UpdateMessageStatus is a compare-and-set inside one transaction: the
// stored status is re-read and the write only happens on a forward move.
func (s *BadgerStore) UpdateMessageStatus(_ context.Context, messageID string, status domain.MessageStatus) (bool, error) {
	advanced := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key, msg, err := getMessageByID(txn, messageID)
		if err != nil || msg == nil {
			return err
		}
		if !msg.Status.Advances(status) {
			return nil
		}
		msg.Status = status
		if status == domain.StatusRead {
			now := time.Now().UTC()
			msg.ReadAt = &now
		}
		advanced = true
		return putMessage(txn, key, *msg)
	})
	if err != nil {
		return false, fmt.Errorf("updateMessageStatus %s: %w", messageID, err)
	}
	return advanced, nil
}

func (s *BadgerStore) MarkMessagesAsRead(_ context.Context, userID string, opts domain.MarkReadOptions) (int, error) {
	marked := 0
	now := time.Now().UTC()
	err := s.db.Update(func(txn *badger.Txn) error {
		// Collect before writing; badger iterators must not observe
		// writes made mid-scan in the same transaction.
		var matches []keyedMessage
		if err := scanMessages(txn, func(key []byte, msg domain.Message) error {
			if markReadMatch(msg, userID, opts) {
				matches = append(matches, keyedMessage{key: key, msg: msg})
			}
			return nil
		}); err != nil {
			return err
		}
		for _, m := range matches {
			m.msg.Status = domain.StatusRead
			readAt := now
			m.msg.ReadAt = &readAt
			if err := putMessage(txn, m.key, m.msg); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("markMessagesAsRead %s: %w", userID, err)
	}
	return marked, nil
}

func (s *BadgerStore) MarkMessagesAsDelivered(_ context.Context, userID, senderID string) (int, error) {
	delivered := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var matches []keyedMessage
		if err := scanMessages(txn, func(key []byte, msg domain.Message) error {
			if msg.RecipientID != userID || !msg.Status.Advances(domain.StatusDelivered) {
				return nil
			}
			if senderID != "" && msg.SenderID != senderID {
				return nil
			}
			matches = append(matches, keyedMessage{key: key, msg: msg})
			return nil
		}); err != nil {
			return err
		}
		for _, m := range matches {
			m.msg.Status = domain.StatusDelivered
			if err := putMessage(txn, m.key, m.msg); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("markMessagesAsDelivered %s: %w", userID, err)
	}
	return delivered, nil
}

func (s *BadgerStore) GetUserConversationsList(_ context.Context, userID string, opts domain.ConversationOptions) ([]domain.Conversation, error) {
	msgs, err := s.allMessages()
	if err != nil {
		return nil, fmt.Errorf("getUserConversationsList %s: %w", userID, err)
	}
	return aggregateConversations(msgs, userID, opts), nil
}

func (s *BadgerStore) GetMessages(_ context.Context, userID string, opts domain.HistoryOptions) ([]domain.Message, int, error) {
	msgs, err := s.allMessages()
	if err != nil {
		return nil, 0, fmt.Errorf("getMessages %s: %w", userID, err)
	}
	page, total := filterHistory(msgs, userID, opts)
	return page, total, nil
}

func (s *BadgerStore) CleanupInactiveUserSessions(_ context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var affected []string
	err := s.db.Update(func(txn *badger.Txn) error {
		var stale []domain.UserSession
		if err := scanUsers(txn, func(user domain.UserSession) {
			if user.State != domain.StateOffline && user.LastActivity.Before(cutoff) {
				stale = append(stale, user)
			}
		}); err != nil {
			return err
		}
		for _, user := range stale {
			for i := range user.Connections {
				user.Connections[i].State = domain.StateOffline
				if err := txn.Delete(connKey(user.Connections[i].ConnectionID)); err != nil {
					return err
				}
			}
			user.State = domain.StateOffline
			data, err := json.Marshal(user)
			if err != nil {
				return err
			}
			if err := txn.Set(userKey(user.UserID), data); err != nil {
				return err
			}
			affected = append(affected, user.UserID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanupInactiveUserSessions: %w", err)
	}
	return affected, nil
}

func (s *BadgerStore) CleanupOldMessages(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var doomed [][]byte
		var doomedIDs []string
		if err := scanMessages(txn, func(key []byte, msg domain.Message) error {
			if msg.CreatedAt.Before(cutoff) {
				doomed = append(doomed, append([]byte(nil), key...))
				doomedIDs = append(doomedIDs, msg.ID)
			}
			return nil
		}); err != nil {
			return err
		}
		for i, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(msgIDKey(doomedIDs[i])); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanupOldMessages: %w", err)
	}
	return removed, nil
}

func (s *BadgerStore) HealthCheck(_ context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger: database is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) allMessages() ([]domain.Message, error) {
	var msgs []domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return scanMessages(txn, func(_ []byte, msg domain.Message) error {
			msgs = append(msgs, msg)
			return nil
		})
	})
	return msgs, err
}

func getUser(txn *badger.Txn, userID string) (*domain.UserSession, error) {
	item, err := txn.Get(userKey(userID))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var user domain.UserSession
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &user)
	}); err != nil {
		return nil, err
	}
	return &user, nil
}

func getMessageByID(txn *badger.Txn, messageID string) ([]byte, *domain.Message, error) {
	item, err := txn.Get(msgIDKey(messageID))
	if err == badger.ErrKeyNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var key []byte
	if err := item.Value(func(val []byte) error {
		key = append([]byte(nil), val...)
		return nil
	}); err != nil {
		return nil, nil, err
	}
	record, err := txn.Get(key)
	if err != nil {
		return nil, nil, err
	}
	var msg domain.Message
	if err := record.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, nil, err
	}
	return key, &msg, nil
}

func putMessage(txn *badger.Txn, key []byte, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func scanUsers(txn *badger.Txn, visit func(domain.UserSession)) error {
	prefix := []byte("user:")
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var user domain.UserSession
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &user)
		}); err != nil {
			return err
		}
		visit(user)
	}
	return nil
}

func scanMessages(txn *badger.Txn, visit func(key []byte, msg domain.Message) error) error {
	prefix := []byte("msg:")
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		var msg domain.Message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}
		if err := visit(key, msg); err != nil {
			return err
		}
	}
	return nil
}
