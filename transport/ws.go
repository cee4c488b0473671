// Package transport bundles the reference event channel: a WebSocket
// server implementing the contract.Transport capability, the connect-time
// authentication gate, and the event router in front of the engines.
package transport

import (
	"bytes"
	"chat-core/auth"
	"chat-core/domain"
	"chat-core/errors"
	"chat-core/services"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// authDeadline bounds how long an unauthenticated connection may hold
	// a socket before the handshake frame arrives.
	authDeadline   = 10 * time.Second
	writeDeadline  = 10 * time.Second
	sendBufferSize = 64
)

// envelope is the wire frame in both directions. Outbound frames with
// Ack set expect the peer to reply with an "ack" event carrying the same
// id within the acknowledgment window.
type envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Ack     bool            `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	acks   map[string]chan struct{}
	closed bool
}

// Server owns the live sockets and routes inbound events to the engines.
// It satisfies contract.Transport for the messaging engine.
type Server struct {
	log      *slog.Logger
	trust    auth.TrustConfig
	upgrader websocket.Upgrader

	presence      services.IPresenceService
	messages      services.IMessageService
	conversations services.IConversationService

	mu      sync.RWMutex
	clients map[string]*client
}

func NewServer(log *slog.Logger, trust auth.TrustConfig, presence services.IPresenceService) *Server {
	return &Server{
		log:   log,
		trust: trust,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		presence: presence,
		clients:  make(map[string]*client),
	}
}

// AttachEngines completes wiring after construction; the messaging engine
// needs the server as its transport, so it cannot exist first.
func (s *Server) AttachEngines(messages services.IMessageService, conversations services.IConversationService) {
	s.messages = messages
	s.conversations = conversations
}

// HandleWebSocket upgrades the socket and runs the connection loop. The
// first frame must be a successful auth event; everything else rejects
// the connection itself rather than returning a structured error.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		acks: make(map[string]chan struct{}),
	}
	s.register(c)
	go s.writePump(c)

	defer s.drop(c)

	if !s.authenticate(c) {
		return
	}
	s.readLoop(c)
}

// authenticate gates the connection on the first frame.
func (s *Server) authenticate(c *client) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(authDeadline))
	var frame envelope
	if err := c.conn.ReadJSON(&frame); err != nil || frame.Event != "auth" {
		s.log.Info("rejecting unauthenticated connection", "connectionId", c.id)
		return false
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	var req struct {
		Token    string           `json:"token"`
		UserData *domain.UserData `json:"userData,omitempty"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return false
	}

	claims, ok := auth.Verify(req.Token, s.trust)
	if !ok {
		s.emitToClient(c, "user_authenticated", domain.AuthenticatedEvent{Success: false})
		return false
	}

	data := domain.UserData{UserID: claims.UserID, UserName: claims.Name}
	if data.UserID == "" {
		data.UserID = claims.Subject
	}
	if req.UserData != nil && req.UserData.UserName != "" {
		data.UserName = req.UserData.UserName
	}

	user, err := s.presence.StoreUser(context.Background(), c.id, data, true)
	if err != nil {
		s.log.Warn("session registration failed", "connectionId", c.id, "error", err)
		return false
	}

	s.emitToClient(c, "user_authenticated", domain.AuthenticatedEvent{
		State:    domain.StateAuthenticated,
		Success:  true,
		UserID:   user.UserID,
		UserName: user.UserName,
	})
	return true
}

func (s *Server) readLoop(c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame envelope
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.respondError(c, "error", fmt.Errorf("malformed frame"))
			continue
		}
		if frame.Event == "ack" {
			c.acknowledge(frame.ID)
			continue
		}
		s.route(c, frame)
	}
}

func (s *Server) route(c *client, frame envelope) {
	ctx := context.Background()

	switch frame.Event {
	case "sendMessage":
		var req struct {
			RecipientID string `json:"recipientId"`
			Content     string `json:"content"`
		}
		if err := decodeStrict(frame.Payload, &req); err != nil {
			s.respondError(c, frame.Event, errors.ErrInvalidOptions)
			return
		}
		msg, err := s.messages.SendMessage(ctx, c.id, req.RecipientID, req.Content)
		s.respond(c, frame.Event, msg, err)

	case "broadcastMessage":
		var req struct {
			Content string `json:"content"`
		}
		if err := decodeStrict(frame.Payload, &req); err != nil {
			s.respondError(c, frame.Event, errors.ErrInvalidOptions)
			return
		}
		msg, err := s.messages.BroadcastPublicMessage(ctx, c.id, req.Content)
		s.respond(c, frame.Event, msg, err)

	case "markMessagesAsRead":
		var opts domain.MarkReadOptions
		if err := decodeStrict(frame.Payload, &opts); err != nil {
			s.respondError(c, frame.Event, errors.ErrInvalidOptions)
			return
		}
		marked, err := s.messages.MarkMessagesAsRead(ctx, c.id, opts)
		s.respond(c, frame.Event, map[string]int{"marked": marked}, err)

	case "typingIndicator":
		var opts domain.TypingOptions
		if err := decodeStrict(frame.Payload, &opts); err != nil {
			s.respondError(c, frame.Event, errors.ErrInvalidOptions)
			return
		}
		event, err := s.messages.TypingIndicator(ctx, c.id, opts)
		s.respond(c, frame.Event, event, err)

	case "getUsersList":
		var filter domain.UsersFilter
		if err := decodeStrict(frame.Payload, &filter); err != nil {
			s.respondError(c, frame.Event, errors.ErrInvalidOptions)
			return
		}
		users, err := s.conversations.GetUsersList(ctx, c.id, filter)
		s.respond(c, frame.Event, users, err)

	case "getUserConversationsList":
		var opts domain.ConversationOptions
		if err := decodeStrict(frame.Payload, &opts); err != nil {
			s.respondError(c, frame.Event, errors.ErrInvalidOptions)
			return
		}
		conversations, err := s.conversations.GetUserConversationsList(ctx, c.id, opts)
		s.respond(c, frame.Event, conversations, err)

	case "getMessageHistory":
		var opts domain.HistoryOptions
		if err := decodeStrict(frame.Payload, &opts); err != nil {
			s.respondError(c, frame.Event, errors.ErrInvalidOptions)
			return
		}
		history, err := s.conversations.GetMessageHistory(ctx, c.id, opts)
		s.respond(c, frame.Event, history, err)

	default:
		s.respondError(c, frame.Event, fmt.Errorf("unknown event %q", frame.Event))
	}
}

// Emit implements contract.Transport.
func (s *Server) Emit(ctx context.Context, connID, event string, payload any) error {
	c, ok := s.client(connID)
	if !ok {
		return fmt.Errorf("emit %s: unknown connection %s", event, connID)
	}
	return s.push(ctx, c, envelope{Event: event}, payload)
}

// EmitWithAck implements contract.Transport: dispatch, then wait for the
// peer acknowledgment. Timeout is not an error and does not cancel the
// underlying send; a dropped connection resolves the wait negatively.
func (s *Server) EmitWithAck(ctx context.Context, connID, event string, payload any, timeout time.Duration) (bool, error) {
	c, ok := s.client(connID)
	if !ok {
		return false, fmt.Errorf("emit %s: unknown connection %s", event, connID)
	}

	id := uuid.NewString()
	ch := c.expectAck(id)
	if ch == nil {
		return false, fmt.Errorf("emit %s: connection %s closed", event, connID)
	}
	defer c.forgetAck(id)

	if err := s.push(ctx, c, envelope{Event: event, ID: id, Ack: true}, payload); err != nil {
		return false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case _, acked := <-ch:
		return acked, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Broadcast implements contract.Transport with best-effort fan-out.
func (s *Server) Broadcast(ctx context.Context, event string, payload any) error {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := s.push(ctx, c, envelope{Event: event}, payload); err != nil {
			s.log.Debug("broadcast skip", "connectionId", c.id, "error", err)
		}
	}
	return nil
}

func (s *Server) push(ctx context.Context, c *client, frame envelope, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", frame.Event, err)
	}
	frame.Payload = data
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("emit %s: %w", frame.Event, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.trySend(raw); err != nil {
		return fmt.Errorf("emit %s: %w", frame.Event, err)
	}
	return nil
}

func (s *Server) respond(c *client, event string, data any, err error) {
	if err != nil {
		s.respondError(c, event, err)
		return
	}
	s.emitToClient(c, event, map[string]any{"success": true, "data": data})
}

func (s *Server) respondError(c *client, event string, err error) {
	s.emitToClient(c, event, map[string]any{"success": false, "error": err.Error()})
}

func (s *Server) emitToClient(c *client, event string, payload any) {
	if err := s.push(context.Background(), c, envelope{Event: event}, payload); err != nil {
		s.log.Debug("emit failed", "connectionId", c.id, "event", event, "error", err)
	}
}

func (s *Server) writePump(c *client) {
	for raw := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

// drop tears one connection down: pending acks resolve negatively, the
// session transitions through the presence engine, and the socket closes.
func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	c.close()
	if _, err := s.presence.DisconnectUser(context.Background(), c.id); err != nil {
		s.log.Warn("disconnect handling failed", "connectionId", c.id, "error", err)
	}
	_ = c.conn.Close()
}

func (s *Server) client(connID string) (*client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[connID]
	return c, ok
}

// trySend queues a frame without blocking. The lock prevents racing a
// concurrent close of the send channel.
func (c *client) trySend(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection %s closed", c.id)
	}
	select {
	case c.send <- raw:
		return nil
	default:
		return fmt.Errorf("send buffer full for %s", c.id)
	}
}

func (c *client) expectAck(id string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	ch := make(chan struct{}, 1)
	c.acks[id] = ch
	return ch
}

func (c *client) forgetAck(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.acks, id)
}

func (c *client) acknowledge(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.acks[id]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
		delete(c.acks, id)
	}
}

// close resolves every pending acknowledgment negatively so no waiter
// leaks across a reconnect.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.acks {
		close(ch)
		delete(c.acks, id)
	}
	close(c.send)
}

// decodeStrict rejects unknown option keys so malformed requests fail
// fast instead of being silently accepted.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
