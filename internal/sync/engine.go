// Package sync ingests socket events into the local store: inbound
// messages, delivery receipts, presence, and the missed-message batches
// replayed after a reconnect. It is the only writer of inbound chat
// state; the transport just decodes and publishes.
package sync

import (
	"context"
	"time"

	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/store"
	"github.com/jyotilabs/chatd/internal/transport"
	"go.uber.org/zap"
)

// UnreadSource reports authoritative unread counts after a reconnect.
type UnreadSource interface {
	UnreadCounts(ctx context.Context) (map[string]int, error)
}

// Invalidator is notified when cached conversation listings go stale.
type Invalidator interface {
	Invalidate()
}

// Engine consumes chat and connection events from the bus and applies
// them to the store.
type Engine struct {
	db      *store.DB
	bus     *bus.Bus
	unreads UnreadSource
	dir     Invalidator
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	// Delivery receipts that arrived before the row learned its
	// permanent id, held until the send ack lands. Keyed by
	// conversation id + permanent id, loop goroutine only.
	earlyReceipts map[string]int64
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, b *bus.Bus, unreads UnreadSource, dir Invalidator, logger *zap.Logger) *Engine {
	return &Engine{
		db:            db,
		bus:           b,
		unreads:       unreads,
		dir:           dir,
		logger:        logger,
		done:          make(chan struct{}),
		earlyReceipts: make(map[string]int64),
	}
}

// Start subscribes to the bus and begins ingesting events.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	chatCh, unsubChat := e.bus.Subscribe("chat.", 256)
	connCh, unsubConn := e.bus.Subscribe("conn.", 16)
	ackCh, unsubAck := e.bus.Subscribe(bus.KindMessageSendAck, 64)

	go func() {
		defer close(e.done)
		defer unsubChat()
		defer unsubConn()
		defer unsubAck()
		for {
			select {
			case evt := <-chatCh:
				e.handleChat(ctx, evt)
			case evt := <-connCh:
				if evt.Kind == bus.KindReconnected {
					e.handleReconnected(ctx)
				}
			case evt := <-ackCh:
				if p, ok := evt.Payload.(map[string]string); ok {
					e.applyEarlyReceipt(p["conversation_id"], p["server_msg_id"])
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts ingestion and waits for the loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleChat(ctx context.Context, evt bus.Event) {
	switch p := evt.Payload.(type) {
	case *transport.NewMessage:
		e.ingestMessage(p)
	case *transport.MissedBatch:
		e.ingestMissed(p)
	case *transport.Delivered:
		matched, err := e.db.MarkDelivered(p.SessionID, p.MessageID, p.DeliveredAt.UnixMilli())
		if err != nil {
			e.logger.Error("failed to mark delivered", zap.Error(err), zap.String("msg_id", p.MessageID))
			return
		}
		if !matched {
			// Receipt outran the send ack; the row still carries the
			// temporary id. Hold it and reapply once the ack lands.
			e.earlyReceipts[p.SessionID+"/"+p.MessageID] = p.DeliveredAt.UnixMilli()
			return
		}
		e.publishUpserted(p.SessionID, p.MessageID)
	case *transport.StatusChanged:
		if err := e.db.SetMessageStatus(p.SessionID, p.MessageID, p.Status); err != nil {
			e.logger.Error("failed to set message status", zap.Error(err), zap.String("msg_id", p.MessageID))
			return
		}
		e.publishUpserted(p.SessionID, p.MessageID)
	case *transport.Presence:
		online := evt.Kind == bus.KindPresenceOnline
		if err := e.db.SetParticipantOnline(p.UserID, online); err != nil {
			e.logger.Error("failed to update presence", zap.Error(err), zap.String("user_id", p.UserID))
		}
	case *transport.ServerError:
		e.logger.Warn("server error event", zap.String("code", p.Code), zap.String("message", p.Message))
	}
}

// ingestMessage applies one inbound message. Two dedup keys, in order:
// the echoed temporary id replaces our optimistic copy in place, and
// the permanent id drops anything already stored. Content is never
// compared.
func (e *Engine) ingestMessage(m *transport.NewMessage) {
	if m.ClientMsgID != "" {
		replaced, err := e.db.ConfirmMessage(m.ClientMsgID, m.MessageID)
		if err != nil {
			e.logger.Error("failed to confirm echoed message", zap.Error(err), zap.String("client_msg_id", m.ClientMsgID))
			return
		}
		if replaced {
			e.publishUpserted(m.SessionID, m.MessageID)
			e.applyEarlyReceipt(m.SessionID, m.MessageID)
			return
		}
	}

	exists, err := e.db.HasMessage(m.SessionID, m.MessageID)
	if err != nil {
		e.logger.Error("failed to check message", zap.Error(err), zap.String("msg_id", m.MessageID))
		return
	}
	if exists {
		return
	}

	if err := e.db.UpsertMessage(e.toStored(m)); err != nil {
		e.logger.Error("failed to store inbound message", zap.Error(err), zap.String("msg_id", m.MessageID))
		return
	}
	if err := e.db.IncrementUnread(m.SessionID); err != nil {
		e.logger.Error("failed to bump unread count", zap.Error(err), zap.String("conversation_id", m.SessionID))
	}
	if e.dir != nil {
		e.dir.Invalidate()
	}
	e.publishUpserted(m.SessionID, m.MessageID)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindUnreadChanged,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": m.SessionID},
	})
}

// ingestMissed merges a replayed batch in timestamp order. Each entry
// goes through the same dedup as a live message, so replays that
// overlap what we already hold are harmless.
func (e *Engine) ingestMissed(b *transport.MissedBatch) {
	msgs := make([]transport.NewMessage, len(b.Messages))
	copy(msgs, b.Messages)
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].Timestamp.Before(msgs[j-1].Timestamp); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
	for i := range msgs {
		m := msgs[i]
		if m.SessionID == "" {
			m.SessionID = b.SessionID
		}
		e.ingestMessage(&m)
	}
	e.logger.Info("merged missed messages",
		zap.String("conversation_id", b.SessionID),
		zap.Int("count", len(msgs)))
}

// handleReconnected runs after every successful reconnect: interrupted
// sends go back on the automatic path, and unread counters resync to
// the server so they cannot drift while we were away.
func (e *Engine) handleReconnected(ctx context.Context) {
	if n, err := e.db.RequeueInterrupted(); err != nil {
		e.logger.Error("failed to requeue interrupted sends", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}

	if e.unreads == nil {
		return
	}
	counts, err := e.unreads.UnreadCounts(ctx)
	if err != nil {
		e.logger.Warn("unread resync failed", zap.Error(err))
		return
	}
	for id, n := range counts {
		if err := e.db.SetUnread(id, n); err != nil {
			e.logger.Error("failed to set unread count", zap.Error(err), zap.String("conversation_id", id))
			continue
		}
		e.bus.Publish(bus.Event{
			Kind:      bus.KindUnreadChanged,
			Timestamp: time.Now(),
			Payload:   map[string]string{"conversation_id": id},
		})
	}
}

// applyEarlyReceipt replays a held delivery receipt now that the row
// carries its permanent id.
func (e *Engine) applyEarlyReceipt(conversationID, msgID string) {
	key := conversationID + "/" + msgID
	deliveredAt, ok := e.earlyReceipts[key]
	if !ok {
		return
	}
	matched, err := e.db.MarkDelivered(conversationID, msgID, deliveredAt)
	if err != nil {
		e.logger.Error("failed to apply held receipt", zap.Error(err), zap.String("msg_id", msgID))
		return
	}
	delete(e.earlyReceipts, key)
	if matched {
		e.publishUpserted(conversationID, msgID)
	}
}

func (e *Engine) publishUpserted(conversationID, msgID string) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID, "msg_id": msgID},
	})
}

func (e *Engine) toStored(m *transport.NewMessage) *store.Message {
	return &store.Message{
		ConversationID: m.SessionID,
		MsgID:          m.MessageID,
		SenderID:       m.Sender,
		SenderRole:     m.SenderRole,
		Body:           m.Content,
		AttachmentURL:  m.AttachmentURL,
		AttachmentName: m.AttachmentName,
		AttachmentMIME: m.AttachmentMIME,
		AttachmentSize: m.AttachmentSize,
		FromMe:         false,
		Status:         store.StatusReceived,
		Timestamp:      m.Timestamp.UnixMilli(),
	}
}
