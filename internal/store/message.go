package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_msg_id, sender_id, sender_role, body,
			attachment_url, attachment_name, attachment_mime, attachment_size,
			from_me, status, timestamp, delivered_at, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status,
			delivered_at = MAX(messages.delivered_at, excluded.delivered_at),
			deleted = excluded.deleted`,
		m.ConversationID, m.MsgID, m.ClientMsgID, m.SenderID, m.SenderRole, m.Body,
		m.AttachmentURL, m.AttachmentName, m.AttachmentMIME, m.AttachmentSize,
		m.FromMe, m.Status, m.Timestamp, m.DeliveredAt, m.Deleted, now)
	return err
}

// ConfirmMessage replaces an optimistic message's temporary identifier
// with the server-issued permanent one and marks it sent. Keyed by
// client_msg_id only, never by content. A message already delivered
// keeps that status; the ack never downgrades it. Returns true if a
// row matched.
func (db *DB) ConfirmMessage(clientMsgID, serverMsgID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET msg_id = ?, client_msg_id = '',
			status = CASE WHEN status = ? THEN status ELSE ? END
		WHERE client_msg_id = ? AND msg_id != ?`,
		serverMsgID, StatusDelivered, StatusSent, clientMsgID, serverMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkDelivered transitions an outgoing message to delivered. Accepted
// from sent and from sending, since the receipt can outrun the send
// ack. Returns true if a row matched; an unmatched receipt is the
// caller's to hold until the ack lands.
func (db *DB) MarkDelivered(conversationID, msgID string, deliveredAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?, delivered_at = ?
		WHERE conversation_id = ? AND msg_id = ? AND status IN (?, ?)`,
		StatusDelivered, deliveredAt, conversationID, msgID, StatusSent, StatusSending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetMessageStatus overwrites the status of a message by server id.
func (db *DB) SetMessageStatus(conversationID, msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE conversation_id = ? AND msg_id = ?`,
		status, conversationID, msgID)
	return err
}

// HasMessage reports whether a message with the given id exists in a conversation.
func (db *DB) HasMessage(conversationID, msgID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID).Scan(&n)
	return n > 0, err
}

// ListMessages returns messages for a conversation using keyset pagination by timestamp.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, client_msg_id, sender_id, sender_role, body,
			attachment_url, attachment_name, attachment_mime, attachment_size,
			from_me, status, timestamp, delivered_at, deleted
		FROM messages
		WHERE conversation_id = ? AND timestamp < ? AND deleted = 0
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.SenderRole, &m.Body,
			&m.AttachmentURL, &m.AttachmentName, &m.AttachmentMIME, &m.AttachmentSize,
			&m.FromMe, &m.Status, &m.Timestamp, &m.DeliveredAt, &m.Deleted); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SoftDeleteMessage flags a message as deleted without removing the row.
func (db *DB) SoftDeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`UPDATE messages SET deleted = 1 WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID)
	return err
}

// MessageCount returns the number of stored messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
