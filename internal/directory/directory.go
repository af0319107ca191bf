// Package directory maintains the authoritative conversation list for
// the signed-in identity: server-paginated reads, a TTL'd page cache,
// and single-flight get-or-create per counterpart.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/rest"
	"github.com/jyotilabs/chatd/internal/store"
	"go.uber.org/zap"
)

// Lister is the REST surface the directory consumes.
type Lister interface {
	ListSessions(ctx context.Context, page, limit int) ([]rest.Session, *rest.Pagination, error)
	CreateSession(ctx context.Context, participantID string) (*rest.Session, bool, error)
}

// Joiner subscribes the live socket to a conversation's pushes. Nil is
// allowed; the connect-time join pass covers the conversation instead.
type Joiner interface {
	JoinConversation(sessionID string) error
}

// Directory is the conversation list service. It is the only writer of
// the conversations table.
type Directory struct {
	api    Lister
	joiner Joiner
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	cache *lru.LRU[string, []store.Conversation]

	mu       sync.Mutex
	inflight map[string]*call
}

// call is a single-flight slot for one participant's get-or-create.
type call struct {
	done    chan struct{}
	id      string
	created bool
	err     error
}

// New creates a conversation directory.
func New(api Lister, joiner Joiner, db *store.DB, b *bus.Bus, cacheSize int, cacheTTL time.Duration, logger *zap.Logger) *Directory {
	d := &Directory{
		api:      api,
		joiner:   joiner,
		db:       db,
		bus:      b,
		logger:   logger,
		cache:    lru.NewLRU[string, []store.Conversation](cacheSize, nil, cacheTTL),
		inflight: make(map[string]*call),
	}
	return d
}

// List returns one page of conversations ordered by most-recent-activity
// descending. Pages are served from the TTL cache when fresh; a fetch
// failure falls back to the local store so rendering never loses the
// last-known-good list.
func (d *Directory) List(ctx context.Context, page, limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	key := fmt.Sprintf("%d/%d", page, limit)
	if cached, ok := d.cache.Get(key); ok {
		return cached, nil
	}

	sessions, _, err := d.api.ListSessions(ctx, page, limit)
	if err != nil {
		d.logger.Warn("conversation list fetch failed, serving local store", zap.Error(err))
		local, dbErr := d.db.ListConversations(limit, (page-1)*limit)
		if dbErr != nil {
			return nil, err
		}
		return local, err
	}

	convos := make([]store.Conversation, 0, len(sessions))
	for i := range sessions {
		c := sessionToConversation(&sessions[i])
		if upErr := d.db.UpsertConversation(&c); upErr != nil {
			d.logger.Error("failed to persist conversation", zap.String("id", c.ID), zap.Error(upErr))
		}
		convos = append(convos, c)
	}
	d.cache.Add(key, convos)
	return convos, nil
}

// GetOrCreate returns the single conversation with the given
// counterpart, creating it server-side if absent. Concurrent calls for
// the same participant are coalesced into one in-flight request; every
// caller resolves to the same identifier.
func (d *Directory) GetOrCreate(ctx context.Context, participantID string) (string, bool, error) {
	if participantID == "" {
		return "", false, fmt.Errorf("empty participant id")
	}

	d.mu.Lock()
	if c, ok := d.inflight[participantID]; ok {
		d.mu.Unlock()
		select {
		case <-c.done:
			return c.id, c.created, c.err
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	d.inflight[participantID] = c
	d.mu.Unlock()

	c.id, c.created, c.err = d.getOrCreate(ctx, participantID)
	close(c.done)

	d.mu.Lock()
	delete(d.inflight, participantID)
	d.mu.Unlock()

	return c.id, c.created, c.err
}

func (d *Directory) getOrCreate(ctx context.Context, participantID string) (string, bool, error) {
	// Local hit avoids the round-trip entirely; the id is stable.
	if existing, err := d.db.GetConversationByParticipant(participantID); err == nil && existing != nil {
		return existing.ID, false, nil
	}

	session, created, err := d.api.CreateSession(ctx, participantID)
	if err != nil {
		return "", false, err
	}

	convo := sessionToConversation(session)
	if convo.ParticipantID == "" {
		convo.ParticipantID = participantID
	}
	if err := d.db.UpsertConversation(&convo); err != nil {
		d.logger.Error("failed to persist created conversation", zap.String("id", convo.ID), zap.Error(err))
	}
	d.Invalidate()
	if d.joiner != nil {
		if joinErr := d.joiner.JoinConversation(session.ID); joinErr != nil {
			d.logger.Warn("failed to join created conversation", zap.String("id", session.ID), zap.Error(joinErr))
		}
	}
	d.bus.Publish(bus.Event{Kind: bus.KindDirectoryUpdated, Timestamp: time.Now(), Payload: convo.ID})
	return session.ID, created, nil
}

// Invalidate drops every cached page. Called on push events that change
// orderings or previews.
func (d *Directory) Invalidate() {
	d.cache.Purge()
}

func sessionToConversation(s *rest.Session) store.Conversation {
	c := store.Conversation{
		ID:                s.ID,
		ParticipantID:     s.ParticipantID,
		ParticipantName:   s.ParticipantName,
		ParticipantAvatar: s.ParticipantAvatar,
		ParticipantRole:   s.ParticipantRole,
		Online:            s.Online,
		UnreadCount:       s.UnreadCount,
		CreatedAt:         s.CreatedAt.UnixMilli(),
		UpdatedAt:         s.UpdatedAt.UnixMilli(),
	}
	if s.CreatedAt.IsZero() {
		c.CreatedAt = 0
	}
	if s.UpdatedAt.IsZero() {
		c.UpdatedAt = 0
	}
	if s.LastMessage != nil {
		c.LastMessagePreview = s.LastMessage.Content
		c.LastMessageAt = s.LastMessage.Timestamp.UnixMilli()
		c.LastMessageSender = s.LastMessage.SenderRole
	}
	return c
}
