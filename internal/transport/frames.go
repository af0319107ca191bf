package transport

import (
	"encoding/json"
	"time"

	"github.com/jyotilabs/chatd/internal/bus"
)

// Frame is the wire format for every socket exchange. Data carries the
// event payload; AckID correlates an emit with the server's reply.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// Server-to-client event names.
const (
	EvNewMessage       = "new_message"
	EvDelivered        = "message_delivered"
	EvStatusChanged    = "message_status_changed"
	EvUserOnline       = "user_online"
	EvUserOffline      = "user_offline"
	EvMissedMessages   = "missed_messages"
	EvReconnectionDone = "reconnection_complete"
	EvChatJoined       = "chat_joined"
	EvError            = "error"
	EvAck              = "ack"
)

// Client-to-server event names.
const (
	EvJoinChat      = "join_chat"
	EvLeaveChat     = "leave_chat"
	EvSendMessage   = "send_message"
	EvMarkRead      = "mark_read"
	EvReconnectChat = "reconnect_chat"
)

// inboundKinds maps wire event names to bus event kinds.
var inboundKinds = map[string]string{
	EvNewMessage:       bus.KindChatMessage,
	EvDelivered:        bus.KindChatDelivered,
	EvStatusChanged:    bus.KindChatStatusChanged,
	EvUserOnline:       bus.KindPresenceOnline,
	EvUserOffline:      bus.KindPresenceOffline,
	EvMissedMessages:   bus.KindChatMissedBatch,
	EvReconnectionDone: bus.KindReconnected,
	EvChatJoined:       bus.KindChatJoined,
	EvError:            bus.KindChatError,
}

// NewMessage is the payload of new_message, and of each entry in a
// missed_messages batch. ClientMsgID is echoed back for messages this
// client originated.
type NewMessage struct {
	SessionID      string    `json:"sessionId"`
	MessageID      string    `json:"messageId"`
	ClientMsgID    string    `json:"clientMsgId,omitempty"`
	Sender         string    `json:"sender"`
	SenderRole     string    `json:"senderRole"`
	Content        string    `json:"content"`
	AttachmentURL  string    `json:"attachmentUrl,omitempty"`
	AttachmentName string    `json:"attachmentName,omitempty"`
	AttachmentMIME string    `json:"attachmentType,omitempty"`
	AttachmentSize int64     `json:"attachmentSize,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Delivered is the payload of message_delivered.
type Delivered struct {
	SessionID   string    `json:"sessionId"`
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// StatusChanged is the payload of message_status_changed.
type StatusChanged struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Presence is the payload of user_online / user_offline.
type Presence struct {
	UserID string `json:"userId"`
}

// MissedBatch is the payload of missed_messages, delivered once per
// conversation after a reconnect.
type MissedBatch struct {
	SessionID string       `json:"sessionId"`
	Messages  []NewMessage `json:"messages"`
}

// ChatJoined is the payload of chat_joined.
type ChatJoined struct {
	SessionID string `json:"sessionId"`
}

// ServerError is the payload of the error event.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SendAck is the server's reply to send_message, correlated by ackId.
type SendAck struct {
	ClientMsgID string    `json:"clientMsgId"`
	MessageID   string    `json:"messageId"`
	Timestamp   time.Time `json:"timestamp"`
}

// SendMessagePayload is the body of a send_message emit.
type SendMessagePayload struct {
	SessionID     string `json:"sessionId"`
	ClientMsgID   string `json:"clientMsgId"`
	Content       string `json:"content"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
}

// decodeInbound parses a frame's payload into its typed form. Unknown
// events and undecodable payloads return nil; the caller drops them
// with a warning rather than crashing the read loop.
func decodeInbound(f *Frame) any {
	var payload any
	switch f.Event {
	case EvNewMessage:
		payload = new(NewMessage)
	case EvDelivered:
		payload = new(Delivered)
	case EvStatusChanged:
		payload = new(StatusChanged)
	case EvUserOnline, EvUserOffline:
		payload = new(Presence)
	case EvMissedMessages:
		payload = new(MissedBatch)
	case EvChatJoined:
		payload = new(ChatJoined)
	case EvError:
		payload = new(ServerError)
	case EvReconnectionDone:
		return struct{}{}
	default:
		return nil
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, payload); err != nil {
			return nil
		}
	}
	return payload
}
