package persist

import "time"

// MarkChatRead records chatID in the durable read set for userID.
// Single-statement upsert: concurrent markers never lose each other's writes.
func (db *DB) MarkChatRead(userID, chatID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO read_chats (user_id, chat_id, marked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET marked_at = excluded.marked_at`,
		userID, chatID, now)
	return err
}

// ClearChatRead drops chatID from the read set. Used when the server reports
// new unread content, which invalidates the stale local marker.
func (db *DB) ClearChatRead(userID, chatID string) error {
	_, err := db.Exec(`DELETE FROM read_chats WHERE user_id = ? AND chat_id = ?`, userID, chatID)
	return err
}

// ReadChats returns the set of chat ids the user has marked read.
func (db *DB) ReadChats(userID string) (map[string]bool, error) {
	rows, err := db.Query(`SELECT chat_id FROM read_chats WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	set := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}

// MarkRequestViewed records that the user has opened a pending request.
func (db *DB) MarkRequestViewed(userID, chatID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO viewed_requests (user_id, chat_id, viewed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET viewed_at = excluded.viewed_at`,
		userID, chatID, now)
	return err
}

// ViewedRequests returns the set of request chat ids the user has opened.
func (db *DB) ViewedRequests(userID string) (map[string]bool, error) {
	rows, err := db.Query(`SELECT chat_id FROM viewed_requests WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	set := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}
