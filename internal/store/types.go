package store

// Conversation represents a 1:1 consultation chat session. Exactly one
// exists per (user, astrologer) pair; the ID is server-assigned and
// stable across reconnects.
type Conversation struct {
	ID                 string
	ParticipantID      string
	ParticipantName    string
	ParticipantAvatar  string
	ParticipantRole    string
	Online             bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	LastMessageSender  string
	CreatedAt          int64
	UpdatedAt          int64
}

// Message represents a chat message. MsgID holds the client-generated
// uuid until the server echoes back a permanent identifier; ClientMsgID
// is retained for reconciliation and cleared once confirmed.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	ClientMsgID    string
	SenderID       string
	SenderRole     string
	Body           string
	AttachmentURL  string
	AttachmentName string
	AttachmentMIME string
	AttachmentSize int64
	FromMe         bool
	Status         string
	Timestamp      int64
	DeliveredAt    int64
	Deleted        bool
}

// Message status values. An outgoing message walks
// queued -> sending -> sent -> delivered, with failed absorbing.
const (
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusReceived  = "received"
)

// OutboxEntry represents a pending outgoing message not yet
// acknowledged by the server.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	AttachmentURL  string
	Status         string
	RetryCount     int
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      int64
}
