package store

import (
	"database/sql"
	"fmt"
	"time"
)

// upsertMessageSQL is keyed on (chat_id, message_id). Edits to a known
// message update its text and media metadata in place; local_path is
// deliberately left alone so a re-sync never forgets a finished download.
const upsertMessageSQL = `
	INSERT INTO messages (chat_id, message_id, sender_id, sender_name, body, from_me, timestamp,
		has_media, media_type, file_id, file_access_hash, file_reference, file_thumb,
		file_name, file_size, mime_type, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_id, message_id) DO UPDATE SET
		sender_id = excluded.sender_id,
		sender_name = excluded.sender_name,
		body = excluded.body,
		has_media = excluded.has_media,
		media_type = excluded.media_type,
		file_id = excluded.file_id,
		file_access_hash = excluded.file_access_hash,
		file_reference = excluded.file_reference,
		file_thumb = excluded.file_thumb,
		file_name = excluded.file_name,
		file_size = excluded.file_size,
		mime_type = excluded.mime_type`

func upsertMessageArgs(m *Message, now int64) []any {
	return []any{
		m.ChatID, m.MessageID, m.SenderID, m.SenderName, m.Body, m.FromMe, m.Timestamp,
		m.HasMedia, m.MediaType, m.FileID, m.FileAccessHash, m.FileReference, m.FileThumb,
		m.FileName, m.FileSize, m.MimeType, now,
	}
}

// UpsertMessage inserts or updates a single message (idempotent on
// chat_id + message_id).
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(upsertMessageSQL, upsertMessageArgs(m, time.Now().UnixMilli())...)
	return err
}

// CommitIncremental persists a batch of newly-fetched messages and raises
// the chat's incremental cursor to lastID in one transaction. Either the
// whole batch lands and the cursor moves, or nothing does. Returns the
// number of rows that did not exist before.
func (db *DB) CommitIncremental(chatID int64, msgs []*Message, lastID int64) (int, error) {
	return db.commitPage(chatID, msgs, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE chats SET last_message_id = MAX(last_message_id, ?), updated_at = ?
			WHERE chat_id = ?`,
			lastID, time.Now().UnixMilli(), chatID)
		return err
	})
}

// CommitFullPage persists one backward page of a full sync and records its
// oldest message id as the resume point, atomically. done marks the walk
// finished (the remote returned a short page). newestID raises the
// incremental cursor so a full sync from scratch also primes it.
func (db *DB) CommitFullPage(chatID int64, msgs []*Message, oldestID, newestID int64, done bool) (int, error) {
	return db.commitPage(chatID, msgs, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE chats SET oldest_synced_id = ?, full_sync_done = ?,
				last_message_id = MAX(last_message_id, ?), updated_at = ?
			WHERE chat_id = ?`,
			oldestID, done, newestID, time.Now().UnixMilli(), chatID)
		return err
	})
}

func (db *DB) commitPage(chatID int64, msgs []*Message, cursor func(*sql.Tx) error) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	countRows := func() (int, error) {
		var n int
		err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
		return n, err
	}

	before, err := countRows()
	if err != nil {
		return 0, fmt.Errorf("count before: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if m.ChatID != chatID {
			return 0, fmt.Errorf("message %d belongs to chat %d, not %d", m.MessageID, m.ChatID, chatID)
		}
		if _, err := tx.Exec(upsertMessageSQL, upsertMessageArgs(m, now)...); err != nil {
			return 0, fmt.Errorf("upsert message %d: %w", m.MessageID, err)
		}
	}

	if err := cursor(tx); err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}

	after, err := countRows()
	if err != nil {
		return 0, fmt.Errorf("count after: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit page: %w", err)
	}
	return after - before, nil
}

// GetMessage returns a message by its composite key, or nil if unknown.
func (db *DB) GetMessage(chatID, messageID int64) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CountMessages returns the number of stored messages for a chat.
func (db *DB) CountMessages(chatID int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
	return n, err
}

const messageColumns = `chat_id, message_id, sender_id, sender_name, body, from_me, timestamp,
	has_media, media_type, file_id, file_access_hash, file_reference, file_thumb,
	file_name, file_size, mime_type, local_path`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ChatID, &m.MessageID, &m.SenderID, &m.SenderName, &m.Body, &m.FromMe,
		&m.Timestamp, &m.HasMedia, &m.MediaType, &m.FileID, &m.FileAccessHash,
		&m.FileReference, &m.FileThumb, &m.FileName, &m.FileSize, &m.MimeType, &m.LocalPath)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
