// Package conn supervises the single socket connection of the signed-in
// identity: idempotent connect, synchronous status observers, and
// bounded-backoff reconnection with a missed-message reconciliation
// pass after every successful reconnect.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/config"
	"github.com/jyotilabs/chatd/internal/status"
	"github.com/jyotilabs/chatd/internal/transport"
	"go.uber.org/zap"
)

// Transport is the subset of the socket client the manager supervises.
type Transport interface {
	Done() <-chan struct{}
	Err() error
	Close()
	JoinChat(sessionID string) error
	LeaveChat(sessionID string) error
	MarkRead(sessionID string) error
	ReconnectChat(sessionIDs []string) error
	SendMessage(ctx context.Context, p transport.SendMessagePayload) (*transport.SendAck, error)
}

// DialFunc opens a fresh authenticated transport.
type DialFunc func(ctx context.Context, credential string) (Transport, error)

// SessionLister supplies the conversation ids to replay after a reconnect.
type SessionLister interface {
	ConversationIDs() ([]string, error)
}

// Manager owns the connection lifecycle. It is the only writer of the
// status machine and of the active transport.
type Manager struct {
	cfg      *config.Config
	machine  *status.Machine
	bus      *bus.Bus
	sessions SessionLister
	dial     DialFunc
	logger   *zap.Logger

	// connectMu single-flights Connect so concurrent callers cannot
	// both dial and leak one of the two transports.
	connectMu sync.Mutex

	mu         sync.Mutex
	current    Transport
	credential string
	generation int
	attempts   int
	cancelLoop context.CancelFunc

	subMu   sync.Mutex
	subs    []*subscriber
	nextSub int
}

type subscriber struct {
	id int
	fn func(status.State)
}

// NewManager creates a connection manager. dial is injected so tests
// can run without a live endpoint.
func NewManager(cfg *config.Config, machine *status.Machine, b *bus.Bus, sessions SessionLister, dial DialFunc, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		machine:  machine,
		bus:      b,
		sessions: sessions,
		dial:     dial,
		logger:   logger,
	}
}

// Status returns the current connection status.
func (m *Manager) Status() status.State {
	return m.machine.Current()
}

// Attempts returns the running reconnect attempt counter. Zero while
// connected.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Transport returns the live transport, or nil when disconnected.
func (m *Manager) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine.Current() != status.Connected {
		return nil
	}
	return m.current
}

// Subscribe registers a status observer. It is invoked immediately with
// the current status, then synchronously on every change, in
// subscription order. The returned disposer is safe to call more than once.
func (m *Manager) Subscribe(fn func(status.State)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, &subscriber{id: id, fn: fn})
	m.subMu.Unlock()

	// New subscribers never miss the current state.
	fn(m.machine.Current())

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Connect establishes the connection. Idempotent: if already connected
// it returns the existing connection without side effects. Any stale
// transport is torn down, listeners detached, before dialing fresh.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.machine.Current() == status.Connected && m.current != nil {
		m.mu.Unlock()
		return nil
	}
	m.teardownLocked()
	m.credential = credential
	m.mu.Unlock()

	m.transition(status.Connecting)

	t, err := m.dial(ctx, credential)
	if err != nil {
		m.transition(status.Disconnected)
		return err
	}
	m.adopt(t)
	m.transition(status.Connected)
	m.joinConversations(t)
	m.logger.Info("connected")
	return nil
}

// Disconnect closes the connection, resets status to Disconnected, and
// clears every registered status handler. Used across login/logout
// cycles to make handler leaks impossible.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.credential = ""
	m.attempts = 0
	m.mu.Unlock()

	if m.machine.Current() != status.Disconnected {
		m.transition(status.Disconnected)
	}

	m.subMu.Lock()
	m.subs = nil
	m.subMu.Unlock()
	m.logger.Info("disconnected")
}

// adopt installs a fresh transport and watches it for unexpected drops.
func (m *Manager) adopt(t Transport) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	if m.current != nil && m.current != t {
		m.current.Close()
	}
	m.current = t
	m.attempts = 0
	m.mu.Unlock()

	go func() {
		<-t.Done()
		if t.Err() == nil {
			return // local close, not a drop
		}
		m.mu.Lock()
		stale := m.generation != gen
		m.mu.Unlock()
		if stale {
			return
		}
		m.logger.Warn("connection dropped", zap.Error(t.Err()))
		m.reconnect()
	}()
}

// reconnect retries with bounded exponential backoff. Exhausting the
// attempt limit lands on Disconnected permanently until an explicit
// Connect call.
func (m *Manager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.cancelLoop != nil {
		m.cancelLoop()
	}
	m.cancelLoop = cancel
	credential := m.credential
	m.mu.Unlock()

	m.transition(status.Reconnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInitial()
	bo.MaxInterval = m.cfg.ReconnectMax()
	bo.Multiplier = 2
	// No jitter: delays must be non-decreasing up to the cap so the UI
	// can show a predictable countdown.
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if attempt > m.cfg.ReconnectMaxAttempts {
			m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", attempt-1))
			m.transition(status.Disconnected)
			return
		}

		m.transition(status.Connecting)
		t, err := m.dial(ctx, credential)
		if err == nil {
			m.adopt(t)
			m.transition(status.Connected)
			m.logger.Info("reconnected", zap.Int("attempt", attempt))
			m.replayMissed(t)
			return
		}

		m.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		m.transition(status.Reconnecting)

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// joinConversations subscribes the transport to every known
// conversation so the backend routes their pushes to this socket. Runs
// after every successful dial, initial and reconnect alike.
func (m *Manager) joinConversations(t Transport) []string {
	ids, err := m.sessions.ConversationIDs()
	if err != nil {
		m.logger.Error("failed to list conversations to join", zap.Error(err))
		return nil
	}
	for _, id := range ids {
		if err := t.JoinChat(id); err != nil {
			m.logger.Warn("join failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	return ids
}

// JoinConversation subscribes the live transport to a single
// conversation, typically one that was just created. A nil transport is
// not an error: the next connect-time join pass picks the conversation
// up from the store.
func (m *Manager) JoinConversation(sessionID string) error {
	t := m.Transport()
	if t == nil {
		return nil
	}
	return t.JoinChat(sessionID)
}

// LeaveConversation unsubscribes the live transport from a
// conversation. Pushes for it stop until the next join.
func (m *Manager) LeaveConversation(sessionID string) error {
	t := m.Transport()
	if t == nil {
		return nil
	}
	return t.LeaveChat(sessionID)
}

// replayMissed rejoins every known conversation and asks the server to
// replay messages generated while disconnected. The replies arrive as
// missed_messages events and are merged by the sync engine.
func (m *Manager) replayMissed(t Transport) {
	ids := m.joinConversations(t)
	if len(ids) == 0 {
		return
	}
	if err := t.ReconnectChat(ids); err != nil {
		m.logger.Warn("reconnect_chat emit failed", zap.Error(err))
		return
	}
	m.bus.Publish(bus.Event{Kind: bus.KindReconnected, Timestamp: time.Now()})
}

// teardownLocked detaches the watcher and closes any stale transport.
// Caller holds m.mu.
func (m *Manager) teardownLocked() {
	m.generation++ // invalidate watchers before closing
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}

// transition moves the status machine and notifies subscribers
// synchronously, in subscription order.
func (m *Manager) transition(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		return
	}
	m.subMu.Lock()
	subs := make([]*subscriber, len(m.subs))
	copy(subs, m.subs)
	m.subMu.Unlock()
	for _, s := range subs {
		s.fn(to)
	}
}
