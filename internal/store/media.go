package store

// ListAttachments returns messages carrying media, newest first. chatID
// and mediaType narrow the result when non-zero / non-empty. Served by the
// has_media index.
func (db *DB) ListAttachments(chatID int64, mediaType string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE has_media = 1`
	var args []any
	if chatID != 0 {
		q += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	if mediaType != "" {
		q += ` AND media_type = ?`
		args = append(args, mediaType)
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	return db.queryMessages(q, args...)
}

// SetLocalPath records where a downloaded attachment lives. It only
// touches rows that exist and carry media; overwriting a previous path is
// allowed so a failed or deleted download can be retried. Returns false
// when no row matched.
func (db *DB) SetLocalPath(chatID, messageID int64, path string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET local_path = ?
		WHERE chat_id = ? AND message_id = ? AND has_media = 1`,
		path, chatID, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
