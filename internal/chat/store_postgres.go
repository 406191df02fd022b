package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agora/internal/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Uses per-pair transactional advisory locks so concurrent
//     FindOrCreateConversation calls for the same unordered pair resolve to a
//     single winning row, backed by a unique index on the canonical pair.
//   - AppendMessage runs the message insert and the conversation
//     lastMessage/lastActivity update inside one transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "agora").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "agora",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FindOrCreateConversation returns or atomically creates the conversation for
// the unordered pair (userA, userB).
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, false, errors.New("chat: nil store")
	}
	if userA == "" || userB == "" || userA == userB {
		return Conversation{}, false, ErrInvalidParticipants
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	a, b := canonicalPair(userA, userB)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")

	// Serialize create-or-get per unordered pair. The unique index on
	// (participant_a, participant_b) is the hard guarantee; the lock avoids
	// burning an insert-conflict round trip under contention.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, a+"\x00"+b); err != nil {
		return Conversation{}, false, fmt.Errorf("advisory lock: %w", err)
	}

	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, last_message_id, last_activity, created_at
		   FROM `+conversations+`
		  WHERE participant_a = $1 AND participant_b = $2`,
		a, b,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return Conversation{}, false, err
		}
		return conv, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participant_a, participant_b, last_activity, created_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		id, a, b, now,
	); err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	conv = Conversation{ID: id, ParticipantA: a, ParticipantB: b, LastActivity: now, CreatedAt: now}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, last_message_id, last_activity, created_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListConversations returns userID's conversations, most recently active first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_a, participant_b, last_message_id, last_activity, created_at
		   FROM `+conversations+`
		  WHERE participant_a = $1 OR participant_b = $1
		  ORDER BY last_activity DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// AppendMessage persists a message and updates lastMessage/lastActivity in one
// transaction: both succeed or both fail.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var a, b string
	err = tx.QueryRow(ctx,
		`SELECT participant_a, participant_b FROM `+conversations+` WHERE id = $1 FOR UPDATE`,
		conversationID,
	).Scan(&a, &b)
	if errors.Is(err, pgx.ErrNoRows) {
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, conversationID, senderID, content, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message_id = $2,
		        last_activity = GREATEST(last_activity, $3)
		  WHERE id = $1`,
		conversationID, id, now,
	); err != nil {
		return Message{}, fmt.Errorf("update conversation: %w", err)
	}

	msg := Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ReadBy:         []string{},
		CreatedAt:      now,
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListMessages returns the pageth page of messages, newest first, with readBy
// aggregated per message.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)

	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	reads := pgIdent(s.schema, "message_reads")

	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at,
		        COALESCE(array_agg(r.user_id ORDER BY r.user_id) FILTER (WHERE r.user_id IS NOT NULL), '{}')
		   FROM `+messages+` m
		   LEFT JOIN `+reads+` r ON r.message_id = m.id
		  WHERE m.conversation_id = $1
		  GROUP BY m.id
		  ORDER BY m.created_at DESC, m.id DESC
		  LIMIT $2 OFFSET $3`,
		conversationID, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make([]Message, 0, pageSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.ReadBy); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead acknowledges every message not sent by readerID. Idempotent: rows
// already marked conflict on the primary key and are skipped.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, fmt.Errorf("%w: %s", ErrNotAParticipant, readerID)
	}

	messages := pgIdent(s.schema, "messages")
	reads := pgIdent(s.schema, "message_reads")

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+reads+` (message_id, user_id)
		 SELECT m.id, $2 FROM `+messages+` m
		  WHERE m.conversation_id = $1 AND m.sender_id <> $2
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteConversation removes the conversation; messages and read markers
// cascade through foreign keys.
func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+conversations+` WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageID, &c.LastActivity, &c.CreatedAt)
	return c, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
