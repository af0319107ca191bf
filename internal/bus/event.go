package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the daemon. Subscribers filter by namespace
// prefix, e.g. "conn." or "message.".
const (
	// Connection lifecycle.
	KindStatusChanged = "conn.status_changed"
	KindReconnected   = "conn.reconnected"

	// Inbound socket events, re-published by the transport client.
	KindChatMessage       = "chat.new_message"
	KindChatDelivered     = "chat.message_delivered"
	KindChatStatusChanged = "chat.message_status_changed"
	KindChatMissedBatch   = "chat.missed_messages"
	KindChatJoined        = "chat.joined"
	KindPresenceOnline    = "chat.user_online"
	KindPresenceOffline   = "chat.user_offline"
	KindChatError         = "chat.error"

	// Local store mutations, consumed by the control API event stream.
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindUnreadChanged     = "conversation.unread_changed"
	KindDirectoryUpdated  = "conversation.updated"

	// Attachment upload lifecycle, for the control API event stream.
	KindUploadProgress = "upload.progress"
)
