package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pcarvalho/chatsync/internal/chat"
)

// ReplaceChats writes the merged chat list as a snapshot, replacing the
// previous one in a single transaction. Variant-specific fields travel as
// JSON blobs; the scalar columns exist for ordering and inspection.
func (db *DB) ReplaceChats(chats []chat.Summary) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM chats`); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, c := range chats {
		var latestMsg, groupInfo []byte
		if c.LatestMessage != nil {
			if latestMsg, err = json.Marshal(c.LatestMessage); err != nil {
				return fmt.Errorf("marshal latest message for %s: %w", c.ID, err)
			}
		}
		if c.Group != nil {
			if groupInfo, err = json.Marshal(c.Group); err != nil {
				return fmt.Errorf("marshal group info for %s: %w", c.ID, err)
			}
		}
		if _, err := tx.Exec(`
			INSERT INTO chats (id, kind, last_updated, latest_event_index, latest_message,
				read_up_to_by_me, read_up_to_by_them, group_info, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(c.ID), string(c.Kind), c.LastUpdated, c.LatestEventIndex,
			nullable(latestMsg), c.ReadUpToByMe, c.ReadUpToByThem, nullable(groupInfo), now); err != nil {
			return fmt.Errorf("insert chat %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// LoadChats returns the stored chat snapshot, newest first.
func (db *DB) LoadChats() ([]chat.Summary, error) {
	rows, err := db.Query(`
		SELECT id, kind, last_updated, latest_event_index, latest_message,
			read_up_to_by_me, read_up_to_by_them, group_info
		FROM chats
		ORDER BY last_updated DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []chat.Summary
	for rows.Next() {
		var (
			c                    chat.Summary
			id, kind             string
			latestMsg, groupInfo sql.NullString
		)
		if err := rows.Scan(&id, &kind, &c.LastUpdated, &c.LatestEventIndex,
			&latestMsg, &c.ReadUpToByMe, &c.ReadUpToByThem, &groupInfo); err != nil {
			return nil, err
		}
		c.ID = chat.ID(id)
		c.Kind = chat.Kind(kind)
		if latestMsg.Valid {
			var m chat.Message
			if err := json.Unmarshal([]byte(latestMsg.String), &m); err != nil {
				return nil, fmt.Errorf("unmarshal latest message for %s: %w", id, err)
			}
			c.LatestMessage = &m
		}
		if groupInfo.Valid {
			var g chat.GroupInfo
			if err := json.Unmarshal([]byte(groupInfo.String), &g); err != nil {
				return nil, fmt.Errorf("unmarshal group info for %s: %w", id, err)
			}
			c.Group = &g
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ChatCount returns the number of stored chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
