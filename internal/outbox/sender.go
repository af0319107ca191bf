// Package outbox queues composed messages durably and drains them to
// the transport in enqueue order once connected. Every message is
// eventually confirmed or reported failed; nothing is lost to a dropped
// connection.
package outbox

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/conn"
	"github.com/jyotilabs/chatd/internal/errs"
	"github.com/jyotilabs/chatd/internal/status"
	"github.com/jyotilabs/chatd/internal/store"
	"github.com/jyotilabs/chatd/internal/transport"
	"go.uber.org/zap"
)

// sendTimeout bounds one emit-with-ack round trip.
const sendTimeout = 15 * time.Second

// Connection is the manager surface the sender needs.
type Connection interface {
	Status() status.State
	Transport() conn.Transport
}

// Sender drains the outbox and sends messages over the socket.
type Sender struct {
	db           *store.DB
	conn         Connection
	bus          *bus.Bus
	logger       *zap.Logger
	maxLen       int
	retryCeiling int
	cancel       context.CancelFunc
}

// NewSender creates an outbox sender. retryCeiling is the number of
// automatic retries before a message is parked as failed.
func NewSender(db *store.DB, c Connection, b *bus.Bus, maxLen, retryCeiling int, logger *zap.Logger) *Sender {
	if retryCeiling <= 0 {
		retryCeiling = 3
	}
	return &Sender{
		db:           db,
		conn:         c,
		bus:          b,
		logger:       logger,
		maxLen:       maxLen,
		retryCeiling: retryCeiling,
	}
}

// Queue accepts a composed message: validates it, assigns the temporary
// identifier, stores it durably, and renders it optimistically. The
// message is sent by the drain loop whenever the connection allows.
func (s *Sender) Queue(conversationID, body, attachmentURL string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" && attachmentURL == "" {
		return "", &errs.ValidationError{Field: "body", Message: "message is empty"}
	}
	// The limit is per character, not per byte, so multibyte scripts
	// get the full length.
	if s.maxLen > 0 && utf8.RuneCountInString(body) > s.maxLen {
		return "", &errs.ValidationError{Field: "body", Message: "message exceeds maximum length"}
	}

	clientMsgID := uuid.New().String()
	if err := s.db.QueueOutbox(clientMsgID, conversationID, body, attachmentURL); err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	_ = s.db.UpsertMessage(&store.Message{
		ConversationID: conversationID,
		MsgID:          clientMsgID,
		ClientMsgID:    clientMsgID,
		Body:           body,
		AttachmentURL:  attachmentURL,
		FromMe:         true,
		Status:         store.StatusQueued,
		Timestamp:      now,
	})
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID, "msg_id": clientMsgID},
	})
	return clientMsgID, nil
}

// Resend puts a failed message back on the automatic path.
func (s *Sender) Resend(clientMsgID string) error {
	entry, err := s.db.GetOutboxEntry(clientMsgID)
	if err != nil {
		return err
	}
	if entry == nil {
		return &errs.ValidationError{Field: "client_msg_id", Message: "unknown message"}
	}
	if err := s.db.RequeueOutbox(clientMsgID); err != nil {
		return err
	}
	_ = s.db.SetMessageStatus(entry.ConversationID, clientMsgID, store.StatusQueued)
	return nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	if s.conn.Status() != status.Connected {
		return
	}
	t := s.conn.Transport()
	if t == nil {
		return
	}

	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	// FIFO per conversation: once a send fails, the rest of that
	// conversation's queue waits for the next cycle so order holds.
	blocked := make(map[string]bool)

	for _, entry := range pending {
		if blocked[entry.ConversationID] {
			continue
		}
		if !s.sendOne(ctx, t, entry) {
			blocked[entry.ConversationID] = true
		}
	}
}

// sendOne attempts a single entry. Returns false when the conversation
// should stop draining this cycle.
func (s *Sender) sendOne(ctx context.Context, t conn.Transport, entry store.OutboxEntry) bool {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return false
	}
	_ = s.db.SetMessageStatus(entry.ConversationID, entry.ClientMsgID, store.StatusSending)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	ack, err := t.SendMessage(sendCtx, transport.SendMessagePayload{
		SessionID:     entry.ConversationID,
		ClientMsgID:   entry.ClientMsgID,
		Content:       entry.Body,
		AttachmentURL: entry.AttachmentURL,
	})
	cancel()

	if err != nil {
		return s.handleSendError(entry, err)
	}

	// Exactly-once reconciliation keyed by the temporary identifier.
	if _, err := s.db.ConfirmMessage(entry.ClientMsgID, ack.MessageID); err != nil {
		s.logger.Error("failed to confirm message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	if err := s.db.MarkOutboxSent(entry.ClientMsgID, ack.MessageID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("server_msg_id", ack.MessageID))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendAck,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": entry.ConversationID,
			"client_msg_id":   entry.ClientMsgID,
			"server_msg_id":   ack.MessageID,
		},
	})
	return true
}

func (s *Sender) handleSendError(entry store.OutboxEntry, err error) bool {
	s.logger.Warn("send failed",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int("retry_count", entry.RetryCount),
		zap.Error(err))

	retries := entry.RetryCount
	if errs.IsRetryable(err) {
		n, incErr := s.db.IncrementOutboxRetry(entry.ClientMsgID)
		if incErr != nil {
			s.logger.Error("failed to bump retry count", zap.Error(incErr))
			return false
		}
		retries = n
		if retries <= s.retryCeiling {
			_ = s.db.SetMessageStatus(entry.ConversationID, entry.ClientMsgID, store.StatusQueued)
			return false
		}
	}

	// Past the ceiling (or unretryable): park as failed, keep visible
	// for manual resend.
	if err2 := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); err2 != nil {
		s.logger.Error("failed to mark failed", zap.Error(err2))
	}
	_ = s.db.SetMessageStatus(entry.ConversationID, entry.ClientMsgID, store.StatusFailed)
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": entry.ConversationID,
			"client_msg_id":   entry.ClientMsgID,
			"error":           err.Error(),
		},
	})
	return false
}
