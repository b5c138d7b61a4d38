package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record. Cursor columns are never
// touched here: they belong to the sync engine and only change through
// CommitIncremental / CommitFullPage. An access hash of zero never
// overwrites a known one (Telegram omits the hash in some contexts).
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (chat_id, title, username, kind, access_hash, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			title = excluded.title,
			username = excluded.username,
			kind = excluded.kind,
			access_hash = CASE WHEN excluded.access_hash != 0 THEN excluded.access_hash ELSE chats.access_hash END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ChatID, c.Title, c.Username, c.Kind, c.AccessHash, c.LastMessageAt, now)
	return err
}

const chatColumns = `chat_id, title, username, kind, access_hash, last_message_at,
	last_message_id, oldest_synced_id, full_sync_done`

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ChatID, &c.Title, &c.Username, &c.Kind, &c.AccessHash,
		&c.LastMessageAt, &c.LastMessageID, &c.OldestSyncedID, &c.FullSyncDone)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChat returns a single chat by ID, or nil if unknown.
func (db *DB) GetChat(chatID int64) (*Chat, error) {
	row := db.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE chat_id = ?`, chatID)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListChats returns chats sorted by last message timestamp descending.
// query matches title or username (substring, case-insensitive via LIKE);
// kind filters by chat kind when non-empty.
func (db *DB) ListChats(query, kind string, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + chatColumns + ` FROM chats`
	var conds []string
	var args []any
	if query != "" {
		conds = append(conds, `(title LIKE ? OR username LIKE ?)`)
		pat := "%" + query + "%"
		args = append(args, pat, pat)
	}
	if kind != "" {
		conds = append(conds, `kind = ?`)
		args = append(args, kind)
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += ` ORDER BY last_message_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetCursor returns the sync cursor for a chat, or nil if the chat is unknown.
func (db *DB) GetCursor(chatID int64) (*Cursor, error) {
	var cur Cursor
	err := db.QueryRow(`
		SELECT last_message_id, oldest_synced_id, full_sync_done
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&cur.LastMessageID, &cur.OldestSyncedID, &cur.FullSyncDone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cur, nil
}
