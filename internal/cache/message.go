package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/mktinbox/internal/store"
)

// SaveMessages upserts server-confirmed messages (idempotent on
// conversation_id + msg_id). Optimistic entries are never cached.
func (db *DB) SaveMessages(conversationID string, msgs []store.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if m.Optimistic() || !m.State.Confirmed() {
			continue
		}
		var edited sql.NullInt64
		if m.EditedAt != nil {
			edited = sql.NullInt64{Int64: m.EditedAt.UnixMilli(), Valid: true}
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, body, sent_at, edited_at, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				body = excluded.body,
				edited_at = excluded.edited_at,
				state = excluded.state`,
			conversationID, m.ID, m.SenderID, m.Text, toMillis(m.SentAt), edited, string(m.State), now); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns the newest limit messages of a conversation in
// ascending sent order.
func (db *DB) ListMessages(conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT msg_id, sender_id, body, sent_at, edited_at, state FROM (
			SELECT msg_id, sender_id, body, sent_at, edited_at, state
			FROM messages
			WHERE conversation_id = ?
			ORDER BY sent_at DESC, msg_id DESC
			LIMIT ?
		) ORDER BY sent_at ASC, msg_id ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		var (
			m      store.Message
			sentAt int64
			edited sql.NullInt64
			state  string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &sentAt, &edited, &state); err != nil {
			return nil, err
		}
		m.ConversationID = conversationID
		m.SentAt = fromMillis(sentAt)
		if edited.Valid {
			t := fromMillis(edited.Int64)
			m.EditedAt = &t
		}
		m.State = store.DeliveryState(state)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
