package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	created := c.CreatedAt
	if created == 0 {
		created = now
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_id, participant_name, participant_avatar, participant_role,
			online, unread_count, last_message_at, last_message_preview, last_message_sender, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_name = excluded.participant_name,
			participant_avatar = excluded.participant_avatar,
			participant_role = excluded.participant_role,
			online = excluded.online,
			unread_count = excluded.unread_count,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_sender = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_sender ELSE conversations.last_message_sender END,
			updated_at = excluded.updated_at`,
		c.ID, c.ParticipantID, c.ParticipantName, c.ParticipantAvatar, c.ParticipantRole,
		c.Online, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, c.LastMessageSender, created, now)
	return err
}

// ListConversations returns conversations sorted by most-recent-activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_id, participant_name, participant_avatar, participant_role,
			online, unread_count, last_message_at, last_message_preview, last_message_sender, created_at, updated_at
		FROM conversations
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantID, &c.ParticipantName, &c.ParticipantAvatar, &c.ParticipantRole,
			&c.Online, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageSender, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

// GetConversation returns a single conversation by ID, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, participant_id, participant_name, participant_avatar, participant_role,
			online, unread_count, last_message_at, last_message_preview, last_message_sender, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.ParticipantID, &c.ParticipantName, &c.ParticipantAvatar, &c.ParticipantRole,
			&c.Online, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageSender, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversationByParticipant returns the conversation with the given
// counterpart, or nil. At most one exists per participant.
func (db *DB) GetConversationByParticipant(participantID string) (*Conversation, error) {
	var id string
	err := db.QueryRow(`SELECT id FROM conversations WHERE participant_id = ?`, participantID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return db.GetConversation(id)
}

// SetParticipantOnline flips the online flag for every conversation with
// the given counterpart.
func (db *DB) SetParticipantOnline(participantID string, online bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET online = ?, updated_at = ? WHERE participant_id = ?`,
		online, now, participantID)
	return err
}

// ClearUnread zeroes the unread counter for a conversation.
func (db *DB) ClearUnread(conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, now, conversationID)
	return err
}

// IncrementUnread bumps the unread counter for a conversation.
func (db *DB) IncrementUnread(conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1, updated_at = ? WHERE id = ?`, now, conversationID)
	return err
}

// SetUnread overwrites the unread counter with a server-reported value.
func (db *DB) SetUnread(conversationID string, count int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = ?, updated_at = ? WHERE id = ?`, count, now, conversationID)
	return err
}

// ConversationIDs returns all known conversation IDs.
func (db *DB) ConversationIDs() ([]string, error) {
	rows, err := db.Query(`SELECT id FROM conversations ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConversationCount returns the number of known conversations.
func (db *DB) ConversationCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}
