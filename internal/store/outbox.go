package store

import "time"

// OutboxEntry is a durable pending send. A daemon restart replays queued
// entries, so a message accepted by beginSend survives a crash.
type OutboxEntry struct {
	ID              int64
	LocalID         string
	ChatID          string
	Body            string
	Status          string // queued, sending, confirmed, failed
	ErrorMessage    string
	ServerIndex     uint64
	ServerTimestamp int64
	CreatedAt       int64
}

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(localID, chatID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, chat_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		localID, chatID, body, now, now)
	return err
}

// MarkOutboxSending moves an entry to 'sending'.
func (db *DB) MarkOutboxSending(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE local_id = ?`, now, localID)
	return err
}

// MarkOutboxConfirmed records the server-assigned index and timestamp.
func (db *DB) MarkOutboxConfirmed(localID string, index uint64, timestamp int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'confirmed', server_index = ?, server_timestamp = ?, updated_at = ?
		WHERE local_id = ?`, index, timestamp, now, localID)
	return err
}

// MarkOutboxFailed records a failed send. The entry stays until the caller
// requeues or deletes it; a failed send is never silently discarded.
func (db *DB) MarkOutboxFailed(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE local_id = ?`, errMsg, now, localID)
	return err
}

// RequeueOutbox moves a failed entry back to 'queued' for retry.
func (db *DB) RequeueOutbox(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', error_message = '', updated_at = ? WHERE local_id = ?`, now, localID)
	return err
}

// RequeueStalledOutbox moves entries stuck in 'sending' back to 'queued'.
// A send that was in flight when the daemon died has an unknown outcome; it
// is handed back to the drain loop rather than stranded. Returns the number
// of entries requeued.
func (db *DB) RequeueStalledOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOutbox removes an entry entirely (explicit discard).
func (db *DB) DeleteOutbox(localID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	return err
}

// PendingOutbox returns queued entries oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.outboxByStatus("queued")
}

// FailedOutbox returns failed entries oldest first.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	return db.outboxByStatus("failed")
}

// UnsettledOutbox returns every entry that has not reached a terminal
// confirmed state, oldest first. Used on startup to rebuild the in-memory
// unconfirmed message sequences.
func (db *DB) UnsettledOutbox() ([]OutboxEntry, error) {
	return db.queryOutbox(`status != ?`, "confirmed")
}

func (db *DB) outboxByStatus(status string) ([]OutboxEntry, error) {
	return db.queryOutbox(`status = ?`, status)
}

func (db *DB) queryOutbox(where string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, local_id, chat_id, body, status, error_message, server_index, server_timestamp, created_at
		FROM outbox WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.LocalID, &e.ChatID, &e.Body, &e.Status,
			&e.ErrorMessage, &e.ServerIndex, &e.ServerTimestamp, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
