package store

import "database/sql"

// QueryMessages returns messages matching the filter, newest first.
// Text search is a plain LIKE scan over the indexed body column.
func (db *DB) QueryMessages(f Filter) ([]Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages`
	var conds []string
	var args []any
	if f.ChatID != 0 {
		conds = append(conds, `chat_id = ?`)
		args = append(args, f.ChatID)
	}
	if f.SenderID != 0 {
		conds = append(conds, `sender_id = ?`)
		args = append(args, f.SenderID)
	}
	if f.Query != "" {
		conds = append(conds, `body LIKE ?`)
		args = append(args, "%"+f.Query+"%")
	}
	if f.Since != 0 {
		conds = append(conds, `timestamp >= ?`)
		args = append(args, f.Since)
	}
	if f.Until != 0 {
		conds = append(conds, `timestamp <= ?`)
		args = append(args, f.Until)
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	return db.queryMessages(q, args...)
}

// MessageContext returns a message together with the before/after window
// around it in the same chat. Returns nil if the message is unknown.
func (db *DB) MessageContext(chatID, messageID int64, before, after int) (*Context, error) {
	target, err := db.GetMessage(chatID, messageID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, nil
	}

	prev, err := db.queryMessages(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC LIMIT ?`,
		chatID, target.Timestamp, before)
	if err != nil {
		return nil, err
	}

	next, err := db.queryMessages(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND timestamp > ?
		ORDER BY timestamp ASC LIMIT ?`,
		chatID, target.Timestamp, after)
	if err != nil {
		return nil, err
	}

	return &Context{Message: *target, Before: prev, After: next}, nil
}

func (db *DB) queryMessages(q string, args ...any) ([]Message, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
