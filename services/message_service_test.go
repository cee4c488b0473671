package services

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/errors"
	"chat-core/moderation"
	"chat-core/repositories"
	"chat-core/runtime"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport scripts acknowledgment outcomes per connection and
// records everything the engine pushes through it.
type fakeTransport struct {
	mu         sync.Mutex
	ackByConn  map[string]bool
	emitted    []string
	broadcasts []string
}

var _ contract.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ackByConn: map[string]bool{}}
}

func (f *fakeTransport) Emit(_ context.Context, connID, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, connID+"/"+event)
	return nil
}

func (f *fakeTransport) EmitWithAck(_ context.Context, connID, event string, _ any, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, connID+"/"+event)
	return f.ackByConn[connID], nil
}

func (f *fakeTransport) Broadcast(_ context.Context, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, event)
	return nil
}

func (f *fakeTransport) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.emitted...)
}

type messageFixture struct {
	store     *repositories.MemoryStore
	registry  *runtime.Registry
	transport *fakeTransport
	presence  *PresenceService
	messages  *MessageService
}

func newMessageFixture(t *testing.T) *messageFixture {
	t.Helper()
	store := repositories.NewMemoryStore(slog.Default())
	registry := runtime.NewRegistry()
	transport := newFakeTransport()
	presence := NewPresenceService(slog.Default(), store, registry, time.Minute, time.Hour)
	messages := NewMessageService(slog.Default(), store, registry, transport, presence, nil, time.Second)
	return &messageFixture{store: store, registry: registry, transport: transport, presence: presence, messages: messages}
}

func (f *messageFixture) connect(t *testing.T, userID, connID string) {
	t.Helper()
	_, err := f.presence.StoreUser(context.Background(), connID, domain.UserData{UserID: userID, UserName: userID}, true)
	require.NoError(t, err)
}

// statusOf polls storage for the current status; it stays assertion-free
// so it can run inside Eventually conditions off the test goroutine.
func (f *messageFixture) statusOf(userID, otherParty, messageID string) domain.MessageStatus {
	page, _, err := f.store.GetMessages(context.Background(), userID, domain.HistoryOptions{OtherPartyID: otherParty})
	if err != nil {
		return ""
	}
	for _, msg := range page {
		if msg.ID == messageID {
			return msg.Status
		}
	}
	return ""
}

func TestMessageService_Send_Delivered_On_Ack(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newMessageFixture(t)
	f.connect(t, "alice", "c1")
	f.connect(t, "bob", "c2")
	f.transport.ackByConn["c2"] = true

	// When alice sends to bob, the synchronous result is the pending record
	msg, err := f.messages.SendMessage(ctx, "c1", "bob", "hi bob")
	req.NoError(err)
	req.Equal(domain.StatusPending, msg.Status)
	req.Equal("alice", msg.SenderID)

	// Then the acknowledged delivery upgrades the stored status
	req.Eventually(func() bool {
		return f.statusOf("alice", "bob", msg.ID) == domain.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	req.Contains(f.transport.events(), "c2/newMessage")
}

func TestMessageService_Send_Reaches_Every_Recipient_Binding(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newMessageFixture(t)
	f.connect(t, "alice", "c1")

	// Given bob connected on two devices, both acknowledging
	f.connect(t, "bob", "c2")
	f.connect(t, "bob", "c3")
	f.transport.ackByConn["c2"] = true
	f.transport.ackByConn["c3"] = true

	msg, err := f.messages.SendMessage(ctx, "c1", "bob", "hi bob")
	req.NoError(err)

	// Then both bindings receive the message, not just the first to ack
	req.Eventually(func() bool {
		return len(f.transport.events()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	req.Contains(f.transport.events(), "c2/newMessage")
	req.Contains(f.transport.events(), "c3/newMessage")

	req.Eventually(func() bool {
		return f.statusOf("alice", "bob", msg.ID) == domain.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessageService_Send_Stops_At_Sent_Without_Ack(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newMessageFixture(t)
	f.connect(t, "alice", "c1")
	f.connect(t, "bob", "c2")
	// bob never acknowledges

	msg, err := f.messages.SendMessage(ctx, "c1", "bob", "hi bob")
	req.NoError(err)

	req.Eventually(func() bool {
		return f.statusOf("alice", "bob", msg.ID) == domain.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessageService_Send_To_Offline_Recipient_Stays_Pending(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newMessageFixture(t)
	f.connect(t, "alice", "c1")

	msg, err := f.messages.SendMessage(ctx, "c1", "bob", "are you there")
	req.NoError(err)

	// Nothing was dispatched, the record stays pending for later
	time.Sleep(50 * time.Millisecond)
	req.Equal(domain.StatusPending, f.statusOf("alice", "bob", msg.ID))
	req.Empty(f.transport.events())
}

func TestMessageService_Send_Requires_Authentication(t *testing.T) {
	req := require.New(t)
	f := newMessageFixture(t)

	_, err := f.messages.SendMessage(context.Background(), "stranger", "bob", "hi")
	req.ErrorIs(err, errors.ErrUnauthenticated)
}

func TestMessageService_Broadcast_Is_Sent_Immediately(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newMessageFixture(t)
	f.connect(t, "alice", "c1")

	msg, err := f.messages.BroadcastPublicMessage(ctx, "c1", "hello everyone")
	req.NoError(err)
	req.Equal(domain.StatusSent, msg.Status)
	req.Equal(domain.BroadcastRecipient, msg.RecipientID)
	req.Equal(domain.MessagePublic, msg.Type)
	req.Equal([]string{"newMessage"}, f.transport.broadcasts)
}

func TestMessageService_MarkMessagesAsRead(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newMessageFixture(t)
	f.connect(t, "alice", "c1")
	f.connect(t, "bob", "c2")

	msg, err := f.messages.SendMessage(ctx, "c1", "bob", "read me")
	req.NoError(err)

	// Bob marks the thread read
	marked, err := f.messages.MarkMessagesAsRead(ctx, "c2", domain.MarkReadOptions{SenderID: "alice"})
	req.NoError(err)
	req.Equal(1, marked)
	req.Equal(domain.StatusRead, f.statusOf("bob", "alice", msg.ID))

	// Marking again finds nothing left to transition
	marked, err = f.messages.MarkMessagesAsRead(ctx, "c2", domain.MarkReadOptions{SenderID: "alice"})
	req.NoError(err)
	req.Equal(0, marked)

	// A non-existent id is a zero count, not an error
	marked, err = f.messages.MarkMessagesAsRead(ctx, "c2", domain.MarkReadOptions{MessageIDs: []string{"missing"}})
	req.NoError(err)
	req.Equal(0, marked)
}

func TestMessageService_MarkMessagesAsRead_Rejects_Bad_Direction(t *testing.T) {
	req := require.New(t)
	f := newMessageFixture(t)
	f.connect(t, "bob", "c2")

	_, err := f.messages.MarkMessagesAsRead(context.Background(), "c2", domain.MarkReadOptions{Direction: "sideways"})
	req.ErrorIs(err, errors.ErrInvalidOptions)
}

func TestMessageService_MarkMessagesAsRead_Unresolved_Connection(t *testing.T) {
	req := require.New(t)
	f := newMessageFixture(t)

	marked, err := f.messages.MarkMessagesAsRead(context.Background(), "ghost", domain.MarkReadOptions{})
	req.NoError(err)
	req.Equal(0, marked)
}

func TestMessageService_TypingIndicator(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newMessageFixture(t)
	f.connect(t, "alice", "c1")
	f.connect(t, "bob", "c2")

	event, err := f.messages.TypingIndicator(ctx, "c1", domain.TypingOptions{IsTyping: true, RecipientID: "bob"})
	req.NoError(err)
	req.NotNil(event)
	req.True(event.IsTyping)
	req.Equal("alice", event.Sender.UserID)
	req.Equal([]string{"c2/typingIndicator"}, f.transport.events())
}

func TestMessageService_TypingIndicator_Unknown_Recipient(t *testing.T) {
	req := require.New(t)
	f := newMessageFixture(t)
	f.connect(t, "alice", "c1")

	event, err := f.messages.TypingIndicator(context.Background(), "c1", domain.TypingOptions{IsTyping: true, RecipientID: "nobody"})
	req.NoError(err)
	req.Nil(event)
}

func TestMessageService_Censors_Content(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newMessageFixture(t)

	moderator, err := moderation.NewModerator([]string{"viper"}, '*')
	req.NoError(err)
	f.messages.moderator = moderator
	f.connect(t, "alice", "c1")

	msg, err := f.messages.BroadcastPublicMessage(ctx, "c1", "such a viper move")
	req.NoError(err)
	req.Equal("such a ***** move", msg.Content)
}
