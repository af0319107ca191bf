package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(clientMsgID, conversationID, body, attachmentURL string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, body, attachment_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, conversationID, body, attachmentURL, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent removes the entry from the pending path and records the
// server message ID. Matching is by client_msg_id only.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
// Failed entries stay visible for manual resend.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// RequeueOutbox puts an entry back on the automatic path. Used both for
// interrupted sends on reconnect and for manual resend of failed
// entries; the retry counter restarts either way.
func (db *DB) RequeueOutbox(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', retry_count = 0, error_message = '', updated_at = ?
		WHERE client_msg_id = ? AND status IN ('sending', 'failed')`, now, clientMsgID)
	return err
}

// RequeueInterrupted puts every entry stuck in 'sending' back on the
// automatic path. Called after a reconnect: an entry in 'sending' with
// no recorded server id means the connection dropped mid-flight.
func (db *DB) RequeueInterrupted() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'queued', updated_at = ?
		WHERE status = 'sending' AND server_msg_id = ''`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IncrementOutboxRetry bumps the retry counter and returns its new value.
func (db *DB) IncrementOutboxRetry(clientMsgID string) (int, error) {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`UPDATE outbox SET retry_count = retry_count + 1, status = 'queued', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID); err != nil {
		return 0, err
	}
	var count int
	err := db.QueryRow(`SELECT retry_count FROM outbox WHERE client_msg_id = ?`, clientMsgID).Scan(&count)
	return count, err
}

// PendingOutbox returns outbox entries that are still queued, in
// original enqueue order (FIFO).
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(`status = 'queued'`)
}

// FailedOutbox returns entries past the retry ceiling, for surfacing to the user.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(`status = 'failed'`)
}

// GetOutboxEntry returns a single entry by client message id, or nil.
func (db *DB) GetOutboxEntry(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_msg_id, conversation_id, body, attachment_url, status, retry_count, error_message, server_msg_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.AttachmentURL, &e.Status, &e.RetryCount, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (db *DB) listOutbox(where string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, body, attachment_url, status, retry_count, error_message, server_msg_id, created_at
		FROM outbox WHERE ` + where + ` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.AttachmentURL, &e.Status, &e.RetryCount, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
