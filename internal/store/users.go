package store

import (
	"fmt"
	"time"

	"github.com/pcarvalho/chatsync/internal/chat"
)

// UpsertUsers inserts or updates directory entries in one transaction.
func (db *DB) UpsertUsers(users []chat.User) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, u := range users {
		if _, err := tx.Exec(`
			INSERT INTO users (user_id, username, last_seen, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
				last_seen = MAX(users.last_seen, excluded.last_seen),
				updated_at = excluded.updated_at`,
			u.UserID, u.Username, u.LastSeen, now); err != nil {
			return fmt.Errorf("upsert user %q: %w", u.UserID, err)
		}
	}
	return tx.Commit()
}

// LoadUsers returns every directory entry.
func (db *DB) LoadUsers() ([]chat.User, error) {
	rows, err := db.Query(`SELECT user_id, username, last_seen FROM users`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []chat.User
	for rows.Next() {
		var u chat.User
		if err := rows.Scan(&u.UserID, &u.Username, &u.LastSeen); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
