package chat

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/antonioobaid/linkly/internal/logging"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

const conversationColumns = "id::text, user1_id, user2_id, created_at"

func (r *Repository) FindConversation(ctx context.Context, a, b string) (*Conversation, error) {
	if err := checkPair(a, b); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + conversationColumns + `
		FROM chats
		WHERE (user1_id = $1 AND user2_id = $2) OR (user1_id = $2 AND user2_id = $1)
		LIMIT 2`
	convs, err := r.queryConversations(ctx, query, a, b)
	if err != nil {
		return nil, persistenceErr("find conversation", err)
	}
	switch len(convs) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &convs[0], nil
	default:
		logging.Error().
			Str("pair", PairKey(a, b)).
			Strs("chat_ids", []string{convs[0].ID, convs[1].ID}).
			Msg("more than one conversation stored for pair")
		return &convs[0], ErrConsistency
	}
}

func (r *Repository) CreateConversation(ctx context.Context, a, b string) (*Conversation, error) {
	if err := checkPair(a, b); err != nil {
		return nil, err
	}
	query := `
		INSERT INTO chats (user1_id, user2_id, pair_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (pair_key) DO NOTHING
		RETURNING ` + conversationColumns

	c := &Conversation{}
	err := r.db.QueryRowContext(ctx, query, a, b, PairKey(a, b)).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationExists
	}
	if err != nil {
		return nil, persistenceErr("create conversation", err)
	}
	return c, nil
}

// GetOrCreateConversation relies on the unique pair key: a creator that loses
// the insert race reads back the winner's row.
func (r *Repository) GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, bool, error) {
	c, err := r.FindConversation(ctx, a, b)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return c, false, err
	}

	c, err = r.CreateConversation(ctx, a, b)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, ErrConversationExists) {
		return nil, false, err
	}
	c, err = r.FindConversation(ctx, a, b)
	return c, false, err
}

func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := `SELECT ` + conversationColumns + ` FROM chats WHERE id = $1`
	c := &Conversation{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistenceErr("get conversation", err)
	}
	return c, nil
}

func (r *Repository) AppendMessage(ctx context.Context, conversationID, senderID, text string) (*Message, error) {
	text, err := NormalizeText(text)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistenceErr("begin", err)
	}
	defer tx.Rollback()

	// The row lock serializes appends per conversation so created_at never decreases.
	if err := lockParticipant(ctx, tx, conversationID, senderID); err != nil {
		return nil, err
	}

	m := &Message{ConversationID: conversationID, SenderID: senderID, Text: text}
	query := `
		INSERT INTO messages (chat_id, sender_id, text, created_at)
		VALUES ($1, $2, $3, GREATEST(clock_timestamp(),
			COALESCE((SELECT max(created_at) FROM messages WHERE chat_id = $1), '-infinity')))
		RETURNING id::text, seq, created_at`
	if err := tx.QueryRowContext(ctx, query, conversationID, senderID, text).Scan(&m.ID, &m.seq, &m.CreatedAt); err != nil {
		return nil, persistenceErr("insert message", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistenceErr("commit", err)
	}
	return m, nil
}

func lockParticipant(ctx context.Context, tx *sql.Tx, conversationID, userID string) error {
	var a, b string
	err := tx.QueryRowContext(ctx, `SELECT user1_id, user2_id FROM chats WHERE id = $1 FOR UPDATE`, conversationID).Scan(&a, &b)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return persistenceErr("lock conversation", err)
	}
	if userID != a && userID != b {
		return ErrForbidden
	}
	return nil
}

const messageColumns = "id::text, chat_id::text, sender_id, text, created_at, seq"

func (r *Repository) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return []Message{}, nil
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC, seq ASC`
	msgs, err := r.queryMessages(ctx, query, conversationID)
	if err != nil {
		return nil, persistenceErr("list messages", err)
	}
	return msgs, nil
}

func (r *Repository) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	if _, err := uuid.Parse(conversationID); err != nil {
		return ErrNotFound
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr("begin", err)
	}
	defer tx.Rollback()

	if err := lockParticipant(ctx, tx, conversationID, requesterID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, conversationID); err != nil {
		return persistenceErr("delete messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, conversationID); err != nil {
		return persistenceErr("delete conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return persistenceErr("commit", err)
	}
	return nil
}

func (r *Repository) ListConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM chats
		WHERE user1_id = $1 OR user2_id = $1
		ORDER BY created_at DESC`
	convs, err := r.queryConversations(ctx, query, userID)
	if err != nil {
		return nil, persistenceErr("list conversations", err)
	}
	return convs, nil
}

func (r *Repository) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error) {
	ids := make([]string, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		if _, err := uuid.Parse(id); err == nil {
			ids = append(ids, id)
		}
	}
	out := make(map[string]Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT DISTINCT ON (chat_id) ` + messageColumns + `
		FROM messages
		WHERE chat_id = ANY($1::uuid[])
		ORDER BY chat_id, created_at DESC, seq DESC`
	msgs, err := r.queryMessages(ctx, query, ids)
	if err != nil {
		return nil, persistenceErr("latest messages", err)
	}
	for _, m := range msgs {
		out[m.ConversationID] = m
	}
	return out, nil
}

func (r *Repository) queryConversations(ctx context.Context, query string, args ...any) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt, &m.seq); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
