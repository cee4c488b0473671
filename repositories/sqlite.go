package repositories

import (
	"chat-core/domain"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable relational backend. Multi-row updates such
// as a batch mark-as-read run inside one SQL transaction, and status
// transitions are guarded in the UPDATE predicate so a concurrent writer
// can never regress a message.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) EnsureInitialized(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			connected_at INTEGER NOT NULL,
			last_activity INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connections (
			connection_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			state TEXT NOT NULL,
			connected_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			recipient_id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			read_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_user ON connections(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	return nil
}

// StoreUser rewrites the session snapshot atomically: the user row is
// upserted and the connection rows replaced wholesale.
func (s *SQLiteStore) StoreUser(ctx context.Context, user domain.UserSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storeUser %s: %w", user.UserID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (user_id, user_name, state, connected_at, last_activity)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			user_name = excluded.user_name,
			state = excluded.state,
			last_activity = excluded.last_activity`,
		user.UserID, user.UserName, string(user.State),
		user.ConnectedAt.UnixNano(), user.LastActivity.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storeUser %s: %w", user.UserID, err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM connections WHERE user_id = ?`, user.UserID); err != nil {
		return fmt.Errorf("storeUser %s: %w", user.UserID, err)
	}
	for _, binding := range user.Connections {
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO connections (connection_id, user_id, session_id, state, connected_at)
			 VALUES (?, ?, ?, ?, ?)`,
			binding.ConnectionID, user.UserID, binding.SessionID,
			string(binding.State), binding.ConnectedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("storeUser %s: %w", user.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storeUser %s: %w", user.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.UserSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, user_name, state, connected_at, last_activity FROM users WHERE user_id = ?`,
		userID,
	)
	user, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getUser %s: %w", userID, err)
	}
	if err := s.attachConnections(ctx, user); err != nil {
		return nil, fmt.Errorf("getUser %s: %w", userID, err)
	}
	return user, nil
}

// GetUserByConnection only resolves through live bindings; an offline or
// unknown connection id yields nil.
func (s *SQLiteStore) GetUserByConnection(ctx context.Context, connID string) (*domain.UserSession, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM connections WHERE connection_id = ? AND state != 'offline'`,
		connID,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getUserByConnection %s: %w", connID, err)
	}
	return s.GetUser(ctx, userID)
}

func (s *SQLiteStore) GetUsers(ctx context.Context, filter domain.UsersFilter) ([]domain.UserSession, error) {
	query := `SELECT user_id, user_name, state, connected_at, last_activity FROM users`
	args := []any{}
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY user_id`
	return s.querySessions(ctx, query, args...)
}

func (s *SQLiteStore) GetActiveUsers(ctx context.Context) ([]domain.UserSession, error) {
	return s.querySessions(ctx,
		`SELECT user_id, user_name, state, connected_at, last_activity
		 FROM users WHERE state != 'offline' ORDER BY user_id`)
}

func (s *SQLiteStore) StoreMessage(ctx context.Context, msg domain.Message) error {
	var readAt any
	if msg.ReadAt != nil {
		readAt = msg.ReadAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, sender_name, recipient_id, content, type, status, created_at, read_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.SenderName, msg.RecipientID, msg.Content,
		string(msg.Type), string(msg.Status), msg.CreatedAt.UnixNano(), readAt,
	)
	if err != nil {
		return fmt.Errorf("storeMessage %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, messageID string, status domain.MessageStatus) (bool, error) {
	lower := lowerStatuses(status)
	if len(lower) == 0 {
		return false, nil
	}
	query := fmt.Sprintf(
		`UPDATE messages SET status = ?, read_at = CASE WHEN ? = 'read' THEN ? ELSE read_at END
		 WHERE id = ? AND status IN (%s)`,
		placeholders(len(lower)),
	)
	args := []any{string(status), string(status), time.Now().UTC().UnixNano(), messageID}
	for _, st := range lower {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updateMessageStatus %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updateMessageStatus %s: %w", messageID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkMessagesAsRead(ctx context.Context, userID string, opts domain.MarkReadOptions) (int, error) {
	if opts.Direction == domain.DirectionOutgoing {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("markMessagesAsRead %s: %w", userID, err)
	}
	defer tx.Rollback()

	query := `UPDATE messages SET status = 'read', read_at = ? WHERE recipient_id = ? AND status != 'read'`
	args := []any{time.Now().UTC().UnixNano(), userID}
	if opts.SenderID != "" {
		query += ` AND sender_id = ?`
		args = append(args, opts.SenderID)
	}
	if len(opts.MessageIDs) > 0 {
		query += fmt.Sprintf(` AND id IN (%s)`, placeholders(len(opts.MessageIDs)))
		for _, id := range opts.MessageIDs {
			args = append(args, id)
		}
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("markMessagesAsRead %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("markMessagesAsRead %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("markMessagesAsRead %s: %w", userID, err)
	}
	return int(n), nil
}

func (s *SQLiteStore) MarkMessagesAsDelivered(ctx context.Context, userID, senderID string) (int, error) {
	query := `UPDATE messages SET status = 'delivered'
		 WHERE recipient_id = ? AND status IN ('pending', 'sent')`
	args := []any{userID}
	if senderID != "" {
		query += ` AND sender_id = ?`
		args = append(args, senderID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("markMessagesAsDelivered %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("markMessagesAsDelivered %s: %w", userID, err)
	}
	return int(n), nil
}

// GetUserConversationsList pulls the rows the user can see and reuses the
// shared aggregation so results match the other backends exactly.
func (s *SQLiteStore) GetUserConversationsList(ctx context.Context, userID string, opts domain.ConversationOptions) ([]domain.Conversation, error) {
	msgs, err := s.userMessages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("getUserConversationsList %s: %w", userID, err)
	}
	return aggregateConversations(msgs, userID, opts), nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, userID string, opts domain.HistoryOptions) ([]domain.Message, int, error) {
	msgs, err := s.userMessages(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("getMessages %s: %w", userID, err)
	}
	page, total := filterHistory(msgs, userID, opts)
	return page, total, nil
}

func (s *SQLiteStore) CleanupInactiveUserSessions(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cleanupInactiveUserSessions: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT user_id FROM users WHERE state != 'offline' AND last_activity < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("cleanupInactiveUserSessions: %w", err)
	}
	var affected []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("cleanupInactiveUserSessions: %w", err)
		}
		affected = append(affected, userID)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("cleanupInactiveUserSessions: %w", err)
	}
	if len(affected) == 0 {
		return nil, tx.Commit()
	}

	in := placeholders(len(affected))
	args := make([]any, len(affected))
	for i, id := range affected {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE users SET state = 'offline' WHERE user_id IN (%s)`, in), args...); err != nil {
		return nil, fmt.Errorf("cleanupInactiveUserSessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE connections SET state = 'offline' WHERE user_id IN (%s)`, in), args...); err != nil {
		return nil, fmt.Errorf("cleanupInactiveUserSessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cleanupInactiveUserSessions: %w", err)
	}
	return affected, nil
}

func (s *SQLiteStore) CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanupOldMessages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanupOldMessages: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) userMessages(ctx context.Context, userID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, sender_name, recipient_id, content, type, status, created_at, read_at
		 FROM messages
		 WHERE sender_id = ? OR recipient_id = ? OR type = 'public'
		 ORDER BY created_at, id`,
		userID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var msgType, status string
		var createdAt int64
		var readAt sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.SenderName, &msg.RecipientID,
			&msg.Content, &msgType, &status, &createdAt, &readAt); err != nil {
			return nil, err
		}
		msg.Type = domain.MessageType(msgType)
		msg.Status = domain.MessageStatus(status)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		if readAt.Valid {
			t := time.Unix(0, readAt.Int64).UTC()
			msg.ReadAt = &t
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]domain.UserSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querySessions: %w", err)
	}
	defer rows.Close()

	users := make([]domain.UserSession, 0)
	for rows.Next() {
		user, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("querySessions: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querySessions: %w", err)
	}
	for i := range users {
		if err := s.attachConnections(ctx, &users[i]); err != nil {
			return nil, fmt.Errorf("querySessions: %w", err)
		}
	}
	return users, nil
}

func (s *SQLiteStore) attachConnections(ctx context.Context, user *domain.UserSession) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connection_id, session_id, state, connected_at
		 FROM connections WHERE user_id = ? ORDER BY connected_at, connection_id`,
		user.UserID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var binding domain.ConnectionBinding
		var state string
		var connectedAt int64
		if err := rows.Scan(&binding.ConnectionID, &binding.SessionID, &state, &connectedAt); err != nil {
			return err
		}
		binding.State = domain.BindingState(state)
		binding.ConnectedAt = time.Unix(0, connectedAt).UTC()
		user.Connections = append(user.Connections, binding)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.UserSession, error) {
	var user domain.UserSession
	var state string
	var connectedAt, lastActivity int64
	if err := row.Scan(&user.UserID, &user.UserName, &state, &connectedAt, &lastActivity); err != nil {
		return nil, err
	}
	user.State = domain.BindingState(state)
	user.ConnectedAt = time.Unix(0, connectedAt).UTC()
	user.LastActivity = time.Unix(0, lastActivity).UTC()
	return &user, nil
}

func lowerStatuses(status domain.MessageStatus) []string {
	all := []domain.MessageStatus{
		domain.StatusPending, domain.StatusSent, domain.StatusDelivered, domain.StatusRead,
	}
	var lower []string
	for _, st := range all {
		if st.Rank() < status.Rank() {
			lower = append(lower, string(st))
		}
	}
	return lower
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
