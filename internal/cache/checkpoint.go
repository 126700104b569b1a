package cache

import (
	"database/sql"
	"errors"
	"time"
)

// Checkpoint keys written by the sync engine.
const (
	CheckpointListSynced = "list_synced_at"
	checkpointThreadPref = "thread_synced_at:"
)

// ThreadCheckpoint is the checkpoint key for one conversation's last thread fetch.
func ThreadCheckpoint(conversationID string) string {
	return checkpointThreadPref + conversationID
}

// UpdateCheckpoint updates a sync checkpoint value.
func (db *DB) UpdateCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value. A missing key yields "".
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// MarkSynced records t as the time key was last fetched successfully.
func (db *DB) MarkSynced(key string, t time.Time) error {
	return db.UpdateCheckpoint(key, t.UTC().Format(time.RFC3339Nano))
}

// LastSynced returns when key was last fetched, or the zero time.
func (db *DB) LastSynced(key string) (time.Time, error) {
	v, err := db.GetCheckpoint(key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}
