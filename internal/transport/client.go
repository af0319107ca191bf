// Package transport owns the websocket connection to the messaging
// endpoint. It re-publishes every inbound event on the bus and offers
// emit-with-acknowledgment for sends; it knows nothing about storage
// or retry policy.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/errs"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 256 * 1024
)

// Client is a single live websocket connection. It is single-use:
// after Done() fires the owner dials a fresh one.
type Client struct {
	conn   *websocket.Conn
	bus    *bus.Bus
	logger *zap.Logger

	send chan Frame

	mu      sync.Mutex
	pending map[string]chan Frame

	done     chan struct{}
	closeErr error
	closeOne sync.Once
}

// Dial opens and authenticates a websocket connection. The credential
// travels in the Authorization header of the upgrade request; a 401
// during the handshake surfaces as AuthenticationError.
func Dial(ctx context.Context, socketURL, token string, b *bus.Bus, logger *zap.Logger) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &errs.AuthenticationError{Message: "socket handshake rejected"}
		}
		return nil, &errs.NetworkError{Op: "dial " + socketURL, Err: err}
	}

	c := &Client{
		conn:    conn,
		bus:     b,
		logger:  logger,
		send:    make(chan Frame, 64),
		pending: make(map[string]chan Frame),
		done:    make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Done returns a channel closed when the connection is gone, expectedly
// or not. Err() tells which.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done() fires; nil for a local Close.
func (c *Client) Err() error { return c.closeErr }

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.shutdown(nil)
}

func (c *Client) shutdown(err error) {
	c.closeOne.Do(func() {
		c.closeErr = err
		_ = c.conn.Close()
		close(c.done)

		// Fail any emit still waiting on an ack.
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	select {
	case <-c.done:
		return &errs.NetworkError{Op: "emit " + event, Err: c.closeErr}
	default:
	}
	select {
	case c.send <- Frame{Event: event, Data: raw}:
		return nil
	case <-c.done:
		return &errs.NetworkError{Op: "emit " + event, Err: c.closeErr}
	}
}

// EmitWithAck sends an event and waits for the server's correlated
// reply frame. The wait is bounded by ctx.
func (c *Client) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}

	ackID := uuid.New().String()
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[ackID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ackID)
		c.mu.Unlock()
	}()

	select {
	case c.send <- Frame{Event: event, Data: raw, AckID: ackID}:
	case <-c.done:
		return nil, &errs.NetworkError{Op: "emit " + event, Err: c.closeErr}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, &errs.NetworkError{Op: "ack " + event, Err: c.closeErr}
		}
		return reply.Data, nil
	case <-c.done:
		return nil, &errs.NetworkError{Op: "ack " + event, Err: c.closeErr}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JoinChat subscribes this connection to a conversation's stream.
func (c *Client) JoinChat(sessionID string) error {
	return c.Emit(EvJoinChat, map[string]string{"sessionId": sessionID})
}

// LeaveChat unsubscribes from a conversation's stream.
func (c *Client) LeaveChat(sessionID string) error {
	return c.Emit(EvLeaveChat, map[string]string{"sessionId": sessionID})
}

// MarkRead notifies the server that a conversation has been read.
// Outbound only; it does not block and there is no reply.
func (c *Client) MarkRead(sessionID string) error {
	return c.Emit(EvMarkRead, map[string]string{"sessionId": sessionID})
}

// ReconnectChat asks the server to replay messages missed while
// disconnected for the given conversations.
func (c *Client) ReconnectChat(sessionIDs []string) error {
	return c.Emit(EvReconnectChat, map[string][]string{"sessionIds": sessionIDs})
}

// SendMessage emits send_message and waits for the server ack carrying
// the permanent message identifier.
func (c *Client) SendMessage(ctx context.Context, p SendMessagePayload) (*SendAck, error) {
	raw, err := c.EmitWithAck(ctx, EvSendMessage, p)
	if err != nil {
		return nil, err
	}
	var ack SendAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode send ack: %w", err)
	}
	if ack.MessageID == "" {
		return nil, &errs.ApiError{StatusCode: http.StatusBadGateway, Message: "ack missing message id"}
	}
	return &ack, nil
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("socket read error", zap.Error(err))
			}
			c.shutdown(&errs.NetworkError{Op: "read", Err: err})
			return
		}

		// Ack replies are routed to the waiting emitter, not the bus.
		if f.AckID != "" {
			c.mu.Lock()
			ch, ok := c.pending[f.AckID]
			if ok {
				delete(c.pending, f.AckID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}

		kind, ok := inboundKinds[f.Event]
		if !ok {
			c.logger.Warn("unknown socket event", zap.String("event", f.Event))
			continue
		}
		payload := decodeInbound(&f)
		if payload == nil {
			c.logger.Warn("undecodable socket payload", zap.String("event", f.Event))
			continue
		}
		c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.shutdown(&errs.NetworkError{Op: "write", Err: err})
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(&errs.NetworkError{Op: "ping", Err: err})
				return
			}
		case <-c.done:
			return
		}
	}
}
