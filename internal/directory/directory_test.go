package directory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/rest"
	"github.com/jyotilabs/chatd/internal/store"
	"go.uber.org/zap"
)

// fakeAPI is a controllable Lister.
type fakeAPI struct {
	mu          sync.Mutex
	listCalls   int
	createCalls atomic.Int32
	createDelay time.Duration
	sessions    []rest.Session
	listErr     error
	createErr   error
}

func (f *fakeAPI) ListSessions(_ context.Context, page, limit int) ([]rest.Session, *rest.Pagination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, nil, f.listErr
	}
	return f.sessions, nil, nil
}

func (f *fakeAPI) CreateSession(_ context.Context, participantID string) (*rest.Session, bool, error) {
	f.createCalls.Add(1)
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	if f.createErr != nil {
		return nil, false, f.createErr
	}
	return &rest.Session{ID: "conv-" + participantID, ParticipantID: participantID}, true, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newDirectory(t *testing.T, api *fakeAPI, ttl time.Duration) *Directory {
	t.Helper()
	return New(api, nil, testDB(t), bus.New(), 16, ttl, zap.NewNop())
}

func TestListPersistsAndCaches(t *testing.T) {
	api := &fakeAPI{sessions: []rest.Session{
		{ID: "c1", ParticipantID: "p1", ParticipantName: "Guruji"},
		{ID: "c2", ParticipantID: "p2", ParticipantName: "Acharya"},
	}}
	d := newDirectory(t, api, time.Minute)

	convos, err := d.List(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(convos) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convos))
	}

	// Second call inside the TTL is served from cache.
	if _, err := d.List(context.Background(), 1, 20); err != nil {
		t.Fatal(err)
	}
	if api.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1 (second page cached)", api.listCalls)
	}

	// Invalidate drops the cache.
	d.Invalidate()
	if _, err := d.List(context.Background(), 1, 20); err != nil {
		t.Fatal(err)
	}
	if api.listCalls != 2 {
		t.Errorf("listCalls = %d, want 2 after Invalidate", api.listCalls)
	}
}

func TestListFallsBackToLocalStore(t *testing.T) {
	api := &fakeAPI{sessions: []rest.Session{{ID: "c1", ParticipantID: "p1"}}}
	d := newDirectory(t, api, time.Nanosecond)

	if _, err := d.List(context.Background(), 1, 20); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond) // let the cache entry expire

	api.mu.Lock()
	api.listErr = errors.New("backend down")
	api.mu.Unlock()

	convos, err := d.List(context.Background(), 1, 20)
	if err == nil {
		t.Error("List() should surface the fetch error")
	}
	if len(convos) != 1 || convos[0].ID != "c1" {
		t.Errorf("convos = %v, want last-known-good c1", convos)
	}
}

func TestGetOrCreateCoalescesConcurrentCalls(t *testing.T) {
	api := &fakeAPI{createDelay: 50 * time.Millisecond}
	d := newDirectory(t, api, time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], _, errs[i] = d.GetOrCreate(context.Background(), "astro-1")
		}()
	}
	wg.Wait()

	if got := api.createCalls.Load(); got != 1 {
		t.Errorf("createCalls = %d, want exactly 1 underlying request", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if ids[i] != "conv-astro-1" {
			t.Errorf("caller %d id = %q, want conv-astro-1", i, ids[i])
		}
	}
}

func TestGetOrCreateReusesLocalConversation(t *testing.T) {
	api := &fakeAPI{}
	d := newDirectory(t, api, time.Minute)

	id1, created, err := d.GetOrCreate(context.Background(), "astro-2")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first call should create")
	}

	id2, created, err := d.GetOrCreate(context.Background(), "astro-2")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second call should reuse")
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}
	if got := api.createCalls.Load(); got != 1 {
		t.Errorf("createCalls = %d, want 1 (second resolved locally)", got)
	}
}

// fakeJoiner records the conversation ids subscribed on the socket.
type fakeJoiner struct {
	mu     sync.Mutex
	joined []string
}

func (f *fakeJoiner) JoinConversation(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, sessionID)
	return nil
}

func TestGetOrCreateJoinsNewConversation(t *testing.T) {
	api := &fakeAPI{}
	joiner := &fakeJoiner{}
	d := New(api, joiner, testDB(t), bus.New(), 16, time.Minute, zap.NewNop())

	id, _, err := d.GetOrCreate(context.Background(), "astro-7")
	if err != nil {
		t.Fatal(err)
	}

	joiner.mu.Lock()
	joined := append([]string(nil), joiner.joined...)
	joiner.mu.Unlock()
	if len(joined) != 1 || joined[0] != id {
		t.Errorf("joined = %v, want [%s]", joined, id)
	}

	// A locally resolved conversation is already joined; no second emit.
	if _, _, err := d.GetOrCreate(context.Background(), "astro-7"); err != nil {
		t.Fatal(err)
	}
	joiner.mu.Lock()
	n := len(joiner.joined)
	joiner.mu.Unlock()
	if n != 1 {
		t.Errorf("join count after local reuse = %d, want 1", n)
	}
}

func TestGetOrCreateError(t *testing.T) {
	api := &fakeAPI{createErr: errors.New("boom")}
	d := newDirectory(t, api, time.Minute)

	if _, _, err := d.GetOrCreate(context.Background(), "astro-3"); err == nil {
		t.Error("GetOrCreate() should propagate the error")
	}

	// A failed flight must not poison later calls.
	api.createErr = nil
	if _, _, err := d.GetOrCreate(context.Background(), "astro-3"); err != nil {
		t.Errorf("retry after failure error = %v", err)
	}
}
