package persist

import (
	"database/sql"
	"time"

	"github.com/ovalles/dmsync/internal/chat"
)

// SetDecision records an accept/decline decision for a request conversation.
// Decisions persist indefinitely and drive list placement on every reload,
// independent of server status lag.
func (db *DB) SetDecision(userID, chatID string, d chat.Decision) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO request_decisions (user_id, chat_id, decision, decided_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			decision = excluded.decision,
			decided_at = excluded.decided_at`,
		userID, chatID, string(d), now)
	return err
}

// Decision returns the recorded decision for chatID, or "" if none exists.
func (db *DB) Decision(userID, chatID string) (chat.Decision, error) {
	var d string
	err := db.QueryRow(`
		SELECT decision FROM request_decisions WHERE user_id = ? AND chat_id = ?`,
		userID, chatID).Scan(&d)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return chat.Decision(d), nil
}

// Decisions returns all recorded decisions for the user.
func (db *DB) Decisions(userID string) (map[string]chat.Decision, error) {
	rows, err := db.Query(`SELECT chat_id, decision FROM request_decisions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]chat.Decision)
	for rows.Next() {
		var id, d string
		if err := rows.Scan(&id, &d); err != nil {
			return nil, err
		}
		out[id] = chat.Decision(d)
	}
	return out, rows.Err()
}
