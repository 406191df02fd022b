package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"agora/internal/identity/ids"
)

// SQLiteStore is a Store over a database/sql handle, intended for single-node
// deployments without a Postgres instance.
//
// Race safety for FindOrCreateConversation comes from the unique index on the
// canonical pair: the loser of a concurrent create hits the constraint and
// re-reads the winner's row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already opened database handle.
// The caller keeps ownership unless the store was built via OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLite opens (or creates) a SQLite database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	st := NewSQLiteStore(db)
	if err := st.Init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Init applies the schema. Idempotent.
func (s *SQLiteStore) Init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			last_message_id TEXT,
			last_activity TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(participant_a, participant_b)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			PRIMARY KEY(message_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

// FindOrCreateConversation returns or creates the conversation for the
// unordered pair (userA, userB).
func (s *SQLiteStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	if userA == "" || userB == "" || userA == userB {
		return Conversation{}, false, ErrInvalidParticipants
	}

	a, b := canonicalPair(userA, userB)

	conv, err := s.conversationByPair(ctx, a, b)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return Conversation{}, false, err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, participant_a, participant_b, last_activity, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, a, b, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the create race; the winner's row is authoritative.
			conv, rerr := s.conversationByPair(ctx, a, b)
			return conv, false, rerr
		}
		return Conversation{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return Conversation{ID: id, ParticipantA: a, ParticipantB: b, LastActivity: now, CreatedAt: now}, true, nil
}

func (s *SQLiteStore) conversationByPair(ctx context.Context, a, b string) (Conversation, error) {
	return scanSQLConversation(s.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b, last_message_id, last_activity, created_at
		   FROM conversations WHERE participant_a = ? AND participant_b = ?`,
		a, b,
	))
}

// GetConversation returns a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	return scanSQLConversation(s.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b, last_message_id, last_activity, created_at
		   FROM conversations WHERE id = ?`,
		conversationID,
	))
}

// ListConversations returns userID's conversations, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, participant_a, participant_b, last_message_id, last_activity, created_at
		   FROM conversations
		  WHERE participant_a = ? OR participant_b = ?
		  ORDER BY last_activity DESC, id DESC`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		conv, err := scanSQLConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// AppendMessage persists a message and updates lastMessage/lastActivity in one
// transaction: both succeed or both fail.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var a, b string
	err = tx.QueryRowContext(ctx,
		`SELECT participant_a, participant_b FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&a, &b)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrConversationNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if senderID != a && senderID != b {
		return Message{}, fmt.Errorf("%w: %s", ErrNotAParticipant, senderID)
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, conversationID, senderID, content, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, last_activity = ? WHERE id = ?`,
		id, now, conversationID,
	); err != nil {
		return Message{}, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}

	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ReadBy:         []string{},
		CreatedAt:      now,
	}, nil
}

// ListMessages returns the pageth page of messages, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]Message, error) {
	page, pageSize = normalizePage(page, pageSize)

	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
		        COALESCE(GROUP_CONCAT(r.user_id), '')
		   FROM messages m
		   LEFT JOIN message_reads r ON r.message_id = m.id
		  WHERE m.conversation_id = ?
		  GROUP BY m.id
		  ORDER BY m.created_at DESC, m.id DESC
		  LIMIT ? OFFSET ?`,
		conversationID, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make([]Message, 0, pageSize)
	for rows.Next() {
		var (
			m      Message
			readBy string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &readBy); err != nil {
			return nil, err
		}
		m.ReadBy = splitReadBy(readBy)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead acknowledges every message not sent by readerID. Idempotent.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, fmt.Errorf("%w: %s", ErrNotAParticipant, readerID)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reads (message_id, user_id)
		 SELECT m.id, ? FROM messages m
		  WHERE m.conversation_id = ? AND m.sender_id <> ?`,
		readerID, conversationID, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeleteConversation removes the conversation; messages and read markers
// cascade through foreign keys.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLConversation(row sqlRow) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageID, &c.LastActivity, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return c, err
}

func splitReadBy(s string) []string {
	if s == "" {
		return []string{}
	}
	return sortReadBy(strings.Split(s, ","))
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 error types would require cgo-tagged imports here;
	// matching the stable message keeps this file buildable everywhere.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
