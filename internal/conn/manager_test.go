package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/config"
	"github.com/jyotilabs/chatd/internal/status"
	"github.com/jyotilabs/chatd/internal/transport"
	"go.uber.org/zap"
)

// fakeTransport is a controllable Transport for lifecycle tests.
type fakeTransport struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	joined    []string
	replayed  [][]string
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// drop simulates an unexpected connection loss.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.err = errors.New("connection reset")
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *fakeTransport) JoinChat(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
	return nil
}

func (f *fakeTransport) LeaveChat(string) error { return nil }
func (f *fakeTransport) MarkRead(string) error  { return nil }

func (f *fakeTransport) ReconnectChat(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayed = append(f.replayed, ids)
	return nil
}

func (f *fakeTransport) SendMessage(context.Context, transport.SendMessagePayload) (*transport.SendAck, error) {
	return &transport.SendAck{MessageID: "srv-1"}, nil
}

type fakeSessions struct{ ids []string }

func (f *fakeSessions) ConversationIDs() ([]string, error) { return f.ids, nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ReconnectInitialDelay = config.Duration(time.Millisecond)
	cfg.ReconnectMaxDelay = config.Duration(5 * time.Millisecond)
	cfg.ReconnectMaxAttempts = 3
	return cfg
}

func TestConnectIdempotent(t *testing.T) {
	dials := 0
	dial := func(_ context.Context, _ string) (Transport, error) {
		dials++
		return newFakeTransport(), nil
	}
	m := NewManager(testConfig(), status.NewMachine(nil), bus.New(), &fakeSessions{}, dial, zap.NewNop())

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1 (second Connect must be a no-op)", dials)
	}
	if m.Status() != status.Connected {
		t.Errorf("status = %s, want CONNECTED", m.Status())
	}
}

func TestConnectJoinsKnownConversations(t *testing.T) {
	ft := newFakeTransport()
	dial := func(context.Context, string) (Transport, error) { return ft, nil }
	sessions := &fakeSessions{ids: []string{"s1", "s2"}}
	m := NewManager(testConfig(), status.NewMachine(nil), bus.New(), sessions, dial, zap.NewNop())

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	// The very first connect must subscribe to every stored
	// conversation too, or pushes are lost until the first drop.
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.joined) != 2 {
		t.Errorf("joined = %v, want both conversations joined on initial connect", ft.joined)
	}
	if len(ft.replayed) != 0 {
		t.Errorf("replayed = %v, want no reconnect_chat on a fresh connect", ft.replayed)
	}
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	var mu sync.Mutex
	var transports []*fakeTransport
	dial := func(context.Context, string) (Transport, error) {
		time.Sleep(10 * time.Millisecond) // hold the dial open so callers overlap
		ft := newFakeTransport()
		mu.Lock()
		transports = append(transports, ft)
		mu.Unlock()
		return ft, nil
	}
	m := NewManager(testConfig(), status.NewMachine(nil), bus.New(), &fakeSessions{}, dial, zap.NewNop())

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Connect(context.Background(), "tok")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d error = %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transports) != 1 {
		t.Fatalf("dials = %d, want 1 (overlapping Connects must coalesce)", len(transports))
	}
	if m.Transport() != transports[0] {
		t.Error("live transport is not the single dialed one")
	}
}

func TestSubscribeSeesCurrentStateImmediately(t *testing.T) {
	dial := func(context.Context, string) (Transport, error) { return newFakeTransport(), nil }
	m := NewManager(testConfig(), status.NewMachine(nil), bus.New(), &fakeSessions{}, dial, zap.NewNop())

	var seen []status.State
	unsub := m.Subscribe(func(s status.State) { seen = append(seen, s) })
	defer unsub()

	if len(seen) != 1 || seen[0] != status.Disconnected {
		t.Fatalf("initial notification = %v, want [DISCONNECTED]", seen)
	}

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	// Connect transitions CONNECTING then CONNECTED, both delivered synchronously.
	want := []status.State{status.Disconnected, status.Connecting, status.Connected}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

// Status observed by a subscriber must be consistent with the last
// call: no stale CONNECTED after Disconnect.
func TestDisconnectIsObservedLast(t *testing.T) {
	dial := func(context.Context, string) (Transport, error) { return newFakeTransport(), nil }
	m := NewManager(testConfig(), status.NewMachine(nil), bus.New(), &fakeSessions{}, dial, zap.NewNop())

	var last status.State
	m.Subscribe(func(s status.State) { last = s })

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if last != status.Connected {
		t.Fatalf("last = %s, want CONNECTED", last)
	}

	m.Disconnect()
	if last != status.Disconnected {
		t.Errorf("last = %s, want DISCONNECTED after Disconnect", last)
	}
	if m.Transport() != nil {
		t.Error("Transport() should be nil after Disconnect")
	}
}

func TestDisconnectClearsSubscribers(t *testing.T) {
	dial := func(context.Context, string) (Transport, error) { return newFakeTransport(), nil }
	m := NewManager(testConfig(), status.NewMachine(nil), bus.New(), &fakeSessions{}, dial, zap.NewNop())

	calls := 0
	m.Subscribe(func(status.State) { calls++ })
	m.Disconnect()
	after := calls

	// A later connect cycle must not reach the cleared subscriber.
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if calls != after {
		t.Errorf("subscriber invoked %d times after Disconnect cleared it", calls-after)
	}
}

func TestReconnectWithBackoff(t *testing.T) {
	var mu sync.Mutex
	var dialTimes []time.Time
	first := newFakeTransport()
	second := newFakeTransport()
	failures := 2

	dial := func(_ context.Context, _ string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dialTimes = append(dialTimes, time.Now())
		if len(dialTimes) == 1 {
			return first, nil
		}
		if len(dialTimes) <= 1+failures {
			return nil, errors.New("still down")
		}
		return second, nil
	}

	sessions := &fakeSessions{ids: []string{"s1", "s2"}}
	m := NewManager(testConfig(), status.NewMachine(nil), bus.New(), sessions, dial, zap.NewNop())

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	first.drop()

	deadline := time.After(3 * time.Second)
	for m.Status() != status.Connected {
		select {
		case <-deadline:
			t.Fatalf("never reconnected, status = %s", m.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if m.Attempts() != 0 {
		t.Errorf("attempts = %d, want 0 after successful reconnect", m.Attempts())
	}

	// Reconciliation pass: rejoin everything, then ask for the replay.
	second.mu.Lock()
	defer second.mu.Unlock()
	if len(second.joined) != 2 {
		t.Errorf("joined = %v, want both conversations rejoined", second.joined)
	}
	if len(second.replayed) != 1 || len(second.replayed[0]) != 2 {
		t.Errorf("replayed = %v, want one reconnect_chat with both ids", second.replayed)
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	first := newFakeTransport()
	dial := func(_ context.Context, _ string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return nil, errors.New("down")
	}

	m := NewManager(testConfig(), status.NewMachine(nil), bus.New(), &fakeSessions{}, dial, zap.NewNop())
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	first.drop()

	deadline := time.After(3 * time.Second)
	for m.Status() != status.Disconnected {
		select {
		case <-deadline:
			t.Fatalf("never gave up, status = %s", m.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	got := dials
	mu.Unlock()
	// Initial dial plus every allowed retry.
	if got != 1+testConfig().ReconnectMaxAttempts {
		t.Errorf("dials = %d, want %d", got, 1+testConfig().ReconnectMaxAttempts)
	}
}

func TestBackoffDelaysMonotonic(t *testing.T) {
	var mu sync.Mutex
	var dialTimes []time.Time
	first := newFakeTransport()
	dial := func(_ context.Context, _ string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		dialTimes = append(dialTimes, time.Now())
		if len(dialTimes) == 1 {
			return first, nil
		}
		return nil, errors.New("down")
	}

	cfg := testConfig()
	cfg.ReconnectInitialDelay = config.Duration(10 * time.Millisecond)
	cfg.ReconnectMaxDelay = config.Duration(500 * time.Millisecond)
	m := NewManager(cfg, status.NewMachine(nil), bus.New(), &fakeSessions{}, dial, zap.NewNop())

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	first.drop()

	deadline := time.After(5 * time.Second)
	for m.Status() != status.Disconnected {
		select {
		case <-deadline:
			t.Fatal("never exhausted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	// dialTimes[0] is the initial connect; gaps between consecutive
	// reconnect dials must be non-decreasing up to the cap. Scheduling
	// noise only ever lengthens a gap, so a shrinking gap is a real bug.
	if len(dialTimes) < 4 {
		t.Fatalf("got %d dials, want at least 4", len(dialTimes))
	}
	firstGap := dialTimes[2].Sub(dialTimes[1])
	lastGap := dialTimes[3].Sub(dialTimes[2])
	if lastGap < firstGap {
		t.Errorf("delays not non-decreasing: first %v, next %v", firstGap, lastGap)
	}
}
