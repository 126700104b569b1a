package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/mktinbox/internal/store"
)

const upsertConversationSQL = `
	INSERT INTO conversations (id, subject, participant_name, is_online, last_message_text, last_message_at,
		unread_count, is_pinned, is_muted, has_attachments, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		subject = excluded.subject,
		participant_name = excluded.participant_name,
		is_online = excluded.is_online,
		last_message_text = excluded.last_message_text,
		last_message_at = excluded.last_message_at,
		unread_count = excluded.unread_count,
		is_pinned = excluded.is_pinned,
		is_muted = excluded.is_muted,
		has_attachments = excluded.has_attachments,
		updated_at = excluded.updated_at`

// SaveConversations upserts a batch of conversation snapshots in one transaction.
func (db *DB) SaveConversations(list []store.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range list {
		if _, err := tx.Exec(upsertConversationSQL,
			c.ID, c.Subject, c.ParticipantName, c.IsOnline, c.LastMessageText, toMillis(c.LastMessageDate),
			c.UnreadCount, c.IsPinned, c.IsMuted, c.HasAttachments, now); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// PruneConversations deletes cached conversations, and their messages, that
// are not in keep. Used after an authoritative-complete list fetch.
func (db *DB) PruneConversations(keep []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TEMP TABLE IF NOT EXISTS keep_ids (id TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create keep table: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM keep_ids`); err != nil {
		return fmt.Errorf("reset keep table: %w", err)
	}
	for _, id := range keep {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO keep_ids (id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("insert keep id: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id NOT IN (SELECT id FROM keep_ids)`); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id NOT IN (SELECT id FROM keep_ids)`); err != nil {
		return fmt.Errorf("prune conversations: %w", err)
	}
	return tx.Commit()
}

// ListConversations returns cached conversations, newest activity first.
func (db *DB) ListConversations() ([]store.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, subject, participant_name, is_online, last_message_text, last_message_at,
			unread_count, is_pinned, is_muted, has_attachments
		FROM conversations
		ORDER BY last_message_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// GetConversation returns a single cached conversation, or nil when absent.
func (db *DB) GetConversation(id string) (*store.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, subject, participant_name, is_online, last_message_text, last_message_at,
			unread_count, is_pinned, is_muted, has_attachments
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConversation removes a conversation and its messages.
func (db *DB) DeleteConversation(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Clear wipes every cached row, used on logout.
func (db *DB) Clear() error {
	_, err := db.Exec(`DELETE FROM messages; DELETE FROM conversations; DELETE FROM sync_state;`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (store.Conversation, error) {
	var (
		c      store.Conversation
		lastAt int64
	)
	if err := s.Scan(&c.ID, &c.Subject, &c.ParticipantName, &c.IsOnline, &c.LastMessageText, &lastAt,
		&c.UnreadCount, &c.IsPinned, &c.IsMuted, &c.HasAttachments); err != nil {
		return store.Conversation{}, err
	}
	c.LastMessageDate = fromMillis(lastAt)
	return c, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
