package repositories

import (
	"chat-core/contract"
	"chat-core/domain"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// forEachStore runs one conformance case against every backend; the
// three implementations must agree on semantics, not just signatures.
func forEachStore(t *testing.T, run func(t *testing.T, store contract.Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		run(t, NewMemoryStore(slog.Default()))
	})

	t.Run("badger", func(t *testing.T) {
		db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
		require.NoError(t, err)
		store := NewBadgerStore(db, slog.Default())
		t.Cleanup(func() { _ = store.Close() })
		run(t, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), slog.Default())
		require.NoError(t, err)
		require.NoError(t, store.EnsureInitialized(context.Background()))
		t.Cleanup(func() { _ = store.Close() })
		run(t, store)
	})
}

func session(userID, connID string, state domain.BindingState) domain.UserSession {
	now := time.Now().UTC()
	user := domain.UserSession{
		UserID:       userID,
		UserName:     userID,
		State:        state,
		ConnectedAt:  now,
		LastActivity: now,
	}
	if connID != "" {
		user.Connections = []domain.ConnectionBinding{{
			ConnectionID: connID,
			SessionID:    uuid.NewString(),
			State:        state,
			ConnectedAt:  now,
		}}
	}
	return user
}

func message(sender, recipient string, status domain.MessageStatus, at time.Time) domain.Message {
	msgType := domain.MessagePrivate
	if recipient == domain.BroadcastRecipient {
		msgType = domain.MessagePublic
	}
	return domain.Message{
		ID:          uuid.NewString(),
		SenderID:    sender,
		SenderName:  sender,
		RecipientID: recipient,
		Content:     "hello",
		Type:        msgType,
		Status:      status,
		CreatedAt:   at,
	}
}

func TestStore_User_Roundtrip_By_Connection(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()

		// Given a stored session with one authenticated binding
		req.NoError(store.StoreUser(ctx, session("alice", "c1", domain.StateAuthenticated)))

		// Then the connection resolves the session with exactly one binding
		user, err := store.GetUserByConnection(ctx, "c1")
		req.NoError(err)
		req.NotNil(user)
		req.Equal("alice", user.UserID)
		req.Len(user.Connections, 1)

		// And unknown connections resolve to nil, not an error
		user, err = store.GetUserByConnection(ctx, "nope")
		req.NoError(err)
		req.Nil(user)
	})
}

func TestStore_Offline_Binding_No_Longer_Resolves(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()

		user := session("alice", "c1", domain.StateAuthenticated)
		req.NoError(store.StoreUser(ctx, user))

		user.Connections[0].State = domain.StateOffline
		user.State = user.AggregateState()
		req.NoError(store.StoreUser(ctx, user))

		resolved, err := store.GetUserByConnection(ctx, "c1")
		req.NoError(err)
		req.Nil(resolved)

		// The session itself survives, marked offline
		byID, err := store.GetUser(ctx, "alice")
		req.NoError(err)
		req.NotNil(byID)
		req.Equal(domain.StateOffline, byID.State)
	})
}

func TestStore_Upsert_Keeps_Single_Binding(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()

		user := session("alice", "c1", domain.StateAuthenticated)
		req.NoError(store.StoreUser(ctx, user))
		req.NoError(store.StoreUser(ctx, user))

		resolved, err := store.GetUser(ctx, "alice")
		req.NoError(err)
		req.Len(resolved.Connections, 1)
	})
}

func TestStore_Message_Status_Only_Advances(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()

		msg := message("alice", "bob", domain.StatusPending, time.Now().UTC())
		req.NoError(store.StoreMessage(ctx, msg))

		advanced, err := store.UpdateMessageStatus(ctx, msg.ID, domain.StatusSent)
		req.NoError(err)
		req.True(advanced)

		advanced, err = store.UpdateMessageStatus(ctx, msg.ID, domain.StatusDelivered)
		req.NoError(err)
		req.True(advanced)

		// A regression attempt is a silent no-op
		advanced, err = store.UpdateMessageStatus(ctx, msg.ID, domain.StatusSent)
		req.NoError(err)
		req.False(advanced)

		// Unknown ids do not error
		advanced, err = store.UpdateMessageStatus(ctx, "missing", domain.StatusRead)
		req.NoError(err)
		req.False(advanced)
	})
}

func TestStore_MarkMessagesAsRead(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()
		now := time.Now().UTC()

		fromAlice := message("alice", "bob", domain.StatusDelivered, now)
		fromCarol := message("carol", "bob", domain.StatusSent, now.Add(time.Second))
		outgoing := message("bob", "alice", domain.StatusSent, now.Add(2*time.Second))
		for _, msg := range []domain.Message{fromAlice, fromCarol, outgoing} {
			req.NoError(store.StoreMessage(ctx, msg))
		}

		// Sender filter transitions only carol's message
		marked, err := store.MarkMessagesAsRead(ctx, "bob", domain.MarkReadOptions{SenderID: "carol"})
		req.NoError(err)
		req.Equal(1, marked)

		// Re-marking an already-read message does not count again
		marked, err = store.MarkMessagesAsRead(ctx, "bob", domain.MarkReadOptions{SenderID: "carol"})
		req.NoError(err)
		req.Equal(0, marked)

		// A non-existent id on a valid user matches nothing
		marked, err = store.MarkMessagesAsRead(ctx, "bob", domain.MarkReadOptions{MessageIDs: []string{"missing"}})
		req.NoError(err)
		req.Equal(0, marked)

		// Explicit ids transition the rest
		marked, err = store.MarkMessagesAsRead(ctx, "bob", domain.MarkReadOptions{MessageIDs: []string{fromAlice.ID}})
		req.NoError(err)
		req.Equal(1, marked)

		// The outgoing direction matches nothing by construction
		marked, err = store.MarkMessagesAsRead(ctx, "bob", domain.MarkReadOptions{Direction: domain.DirectionOutgoing})
		req.NoError(err)
		req.Equal(0, marked)
	})
}

func TestStore_MarkMessagesAsDelivered(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()
		now := time.Now().UTC()

		pending := message("alice", "bob", domain.StatusPending, now)
		read := message("alice", "bob", domain.StatusRead, now.Add(time.Second))
		req.NoError(store.StoreMessage(ctx, pending))
		req.NoError(store.StoreMessage(ctx, read))

		delivered, err := store.MarkMessagesAsDelivered(ctx, "bob", "alice")
		req.NoError(err)
		req.Equal(1, delivered)

		history, _, err := store.GetMessages(ctx, "bob", domain.HistoryOptions{OtherPartyID: "alice"})
		req.NoError(err)
		statuses := map[string]domain.MessageStatus{}
		for _, msg := range history {
			statuses[msg.ID] = msg.Status
		}
		req.Equal(domain.StatusDelivered, statuses[pending.ID])
		req.Equal(domain.StatusRead, statuses[read.ID])
	})
}

func TestStore_Conversations_Aggregate(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()
		now := time.Now().UTC()

		msgs := []domain.Message{
			message("alice", "bob", domain.StatusRead, now.Add(-3*time.Hour)),
			message("bob", "alice", domain.StatusDelivered, now.Add(-2*time.Hour)),
			message("alice", domain.BroadcastRecipient, domain.StatusSent, now.Add(-time.Hour)),
			message("carol", "alice", domain.StatusSent, now),
		}
		for _, msg := range msgs {
			req.NoError(store.StoreMessage(ctx, msg))
		}

		conversations, err := store.GetUserConversationsList(ctx, "alice", domain.ConversationOptions{})
		req.NoError(err)
		req.Len(conversations, 3)

		// Sorted by last message, newest first
		req.Equal("carol", conversations[0].PartyID)
		req.Equal(domain.BroadcastRecipient, conversations[1].PartyID)
		req.Equal(domain.BroadcastPartyName, conversations[1].PartyName)
		req.Equal("bob", conversations[2].PartyID)

		bob := conversations[2]
		req.Equal(1, bob.Outgoing.Total)
		req.Equal(1, bob.Outgoing.Read)
		req.Equal(1, bob.Incoming.Total)
		req.Equal(1, bob.Incoming.Delivered)
	})
}

func TestStore_Self_Conversation_Counts_Both_Directions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()

		note := message("alice", "alice", domain.StatusSent, time.Now().UTC())
		req.NoError(store.StoreMessage(ctx, note))

		conversations, err := store.GetUserConversationsList(ctx, "alice", domain.ConversationOptions{})
		req.NoError(err)
		req.Len(conversations, 1)
		req.Equal("alice", conversations[0].PartyID)
		req.Equal(1, conversations[0].Incoming.Total)
		req.Equal(1, conversations[0].Outgoing.Total)
	})
}

func TestStore_History_Pagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()
		now := time.Now().UTC()

		for i := 0; i < 5; i++ {
			req.NoError(store.StoreMessage(ctx,
				message("alice", "bob", domain.StatusSent, now.Add(time.Duration(i)*time.Second))))
		}
		// Unrelated traffic must not leak into the thread
		req.NoError(store.StoreMessage(ctx, message("carol", "dave", domain.StatusSent, now)))

		page, total, err := store.GetMessages(ctx, "alice", domain.HistoryOptions{
			OtherPartyID: "bob",
			Page:         domain.Page{Limit: 2, Offset: 0},
		})
		req.NoError(err)
		req.Equal(5, total)
		req.Len(page, 2)

		// Chronological order within the page
		req.True(page[0].CreatedAt.Before(page[1].CreatedAt))

		// Paging past the end yields an empty page, never an error
		page, total, err = store.GetMessages(ctx, "alice", domain.HistoryOptions{
			OtherPartyID: "bob",
			Page:         domain.Page{Limit: 2, Offset: 10},
		})
		req.NoError(err)
		req.Equal(5, total)
		req.Empty(page)

		// A negative offset clamps to the start instead of crashing
		page, total, err = store.GetMessages(ctx, "alice", domain.HistoryOptions{
			OtherPartyID: "bob",
			Page:         domain.Page{Limit: 2, Offset: -1},
		})
		req.NoError(err)
		req.Equal(5, total)
		req.Len(page, 2)
	})
}

func TestStore_History_Broadcast_Sentinel(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()
		now := time.Now().UTC()

		req.NoError(store.StoreMessage(ctx, message("alice", domain.BroadcastRecipient, domain.StatusSent, now)))
		req.NoError(store.StoreMessage(ctx, message("bob", domain.BroadcastRecipient, domain.StatusSent, now.Add(time.Second))))
		req.NoError(store.StoreMessage(ctx, message("alice", "bob", domain.StatusSent, now.Add(2*time.Second))))

		page, total, err := store.GetMessages(ctx, "carol", domain.HistoryOptions{
			OtherPartyID: domain.BroadcastRecipient,
		})
		req.NoError(err)
		req.Equal(2, total)
		req.Len(page, 2)
		for _, msg := range page {
			req.Equal(domain.MessagePublic, msg.Type)
		}
	})
}

func TestStore_Users_Filters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()

		req.NoError(store.StoreUser(ctx, session("alice", "c1", domain.StateAuthenticated)))
		req.NoError(store.StoreUser(ctx, session("bob", "", domain.StateOffline)))

		all, err := store.GetUsers(ctx, domain.UsersFilter{})
		req.NoError(err)
		req.Len(all, 2)

		offline, err := store.GetUsers(ctx, domain.UsersFilter{State: domain.StateOffline})
		req.NoError(err)
		req.Len(offline, 1)
		req.Equal("bob", offline[0].UserID)

		active, err := store.GetActiveUsers(ctx)
		req.NoError(err)
		req.Len(active, 1)
		req.Equal("alice", active[0].UserID)
	})
}

func TestStore_Cleanup_Inactive_Sessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()

		stale := session("alice", "c1", domain.StateAuthenticated)
		stale.LastActivity = time.Now().UTC().Add(-2 * time.Hour)
		fresh := session("bob", "c2", domain.StateAuthenticated)
		req.NoError(store.StoreUser(ctx, stale))
		req.NoError(store.StoreUser(ctx, fresh))

		affected, err := store.CleanupInactiveUserSessions(ctx, time.Hour)
		req.NoError(err)
		req.Equal([]string{"alice"}, affected)

		// The stale session is offline and its old connection is gone
		user, err := store.GetUser(ctx, "alice")
		req.NoError(err)
		req.Equal(domain.StateOffline, user.State)

		resolved, err := store.GetUserByConnection(ctx, "c1")
		req.NoError(err)
		req.Nil(resolved)

		// The fresh session is untouched
		resolved, err = store.GetUserByConnection(ctx, "c2")
		req.NoError(err)
		req.NotNil(resolved)
	})
}

func TestStore_Cleanup_Old_Messages(t *testing.T) {
	forEachStore(t, func(t *testing.T, store contract.Store) {
		req := require.New(t)
		ctx := context.Background()
		now := time.Now().UTC()

		old := message("alice", "bob", domain.StatusRead, now.Add(-48*time.Hour))
		recent := message("alice", "bob", domain.StatusSent, now)
		req.NoError(store.StoreMessage(ctx, old))
		req.NoError(store.StoreMessage(ctx, recent))

		removed, err := store.CleanupOldMessages(ctx, 24*time.Hour)
		req.NoError(err)
		req.Equal(1, removed)

		page, total, err := store.GetMessages(ctx, "alice", domain.HistoryOptions{OtherPartyID: "bob"})
		req.NoError(err)
		req.Equal(1, total)
		req.Equal(recent.ID, page[0].ID)
	})
}

func TestMemoryStore_Evicts_Long_Offline_Sessions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore(slog.Default())

	gone := session("alice", "", domain.StateOffline)
	gone.LastActivity = time.Now().UTC().Add(-3 * time.Hour)
	req.NoError(store.StoreUser(ctx, gone))

	_, err := store.CleanupInactiveUserSessions(ctx, time.Hour)
	req.NoError(err)

	user, err := store.GetUser(ctx, "alice")
	req.NoError(err)
	req.Nil(user)
}
