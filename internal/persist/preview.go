package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ovalles/dmsync/internal/chat"
)

// CachePreview stores the ordered preview messages shown for a pending
// request before the recipient accepts it.
func (db *DB) CachePreview(userID, chatID string, msgs []chat.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO request_previews (user_id, chat_id, payload, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			payload = excluded.payload,
			cached_at = excluded.cached_at`,
		userID, chatID, string(payload), now)
	return err
}

// Preview returns the cached preview messages for chatID, or nil if none.
func (db *DB) Preview(userID, chatID string) ([]chat.Message, error) {
	var payload string
	err := db.QueryRow(`
		SELECT payload FROM request_previews WHERE user_id = ? AND chat_id = ?`,
		userID, chatID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []chat.Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}
	return msgs, nil
}

// ClearPreview removes the cached preview for chatID. Called on accept (the
// authoritative history is refetched) and on decline (all trace removed).
func (db *DB) ClearPreview(userID, chatID string) error {
	_, err := db.Exec(`DELETE FROM request_previews WHERE user_id = ? AND chat_id = ?`, userID, chatID)
	return err
}
