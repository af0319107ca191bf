package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jyotilabs/chatd/internal/errs"
	"go.uber.org/zap"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-token", zap.NewNop())
}

func TestListSessionsWrapped(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page = %q, want 2", got)
		}
		_, _ = w.Write([]byte(`{"success":true,"message":"ok","data":{"sessions":[{"_id":"s1","participantName":"Guruji"}],"pagination":{"page":2,"limit":10,"total":11,"totalPages":2}}}`))
	})

	sessions, pg, err := c.ListSessions(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("sessions = %v, want one with id s1", sessions)
	}
	if pg == nil || pg.TotalPages != 2 {
		t.Errorf("pagination = %v, want totalPages 2", pg)
	}
}

// A response missing the data wrapper must parse to the same result as
// a wrapped one.
func TestListSessionsUnwrapped(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sessions":[{"_id":"s1","participantName":"Guruji"}]}`))
	})

	sessions, _, err := c.ListSessions(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("sessions = %v, want one with id s1", sessions)
	}
}

func TestListSessionsMalformedIsEmpty(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	sessions, _, err := c.ListSessions(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("ListSessions() error = %v, want nil for malformed body", err)
	}
	if sessions == nil || len(sessions) != 0 {
		t.Errorf("sessions = %v, want empty non-nil slice", sessions)
	}
}

func TestListSessionsApiError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"message":"shard down"}`))
	})

	_, _, err := c.ListSessions(context.Background(), 1, 10)
	var apiErr *errs.ApiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %T, want ApiError", err)
	}
	if apiErr.StatusCode != 500 || apiErr.Message != "shard down" {
		t.Errorf("ApiError = %v, want 500 with server message", apiErr)
	}
}

func TestAuthenticationError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"message":"token expired"}`))
	})

	_, _, err := c.ListSessions(context.Background(), 1, 10)
	var authErr *errs.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %T, want AuthenticationError", err)
	}
}

func TestNetworkError(t *testing.T) {
	c := New("http://127.0.0.1:1", "", zap.NewNop())

	_, _, err := c.ListSessions(context.Background(), 1, 10)
	var netErr *errs.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %T, want NetworkError", err)
	}
}

func TestCreateSession(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"session":{"_id":"s9","participantId":"astro-1"},"created":true}}`))
	})

	s, created, err := c.CreateSession(context.Background(), "astro-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if s.ID != "s9" || !created {
		t.Errorf("got (%v, %v), want session s9 freshly created", s, created)
	}
}

func TestCreateSessionMinimalRecord(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"_id":"s3"}}`))
	})

	s, created, err := c.CreateSession(context.Background(), "astro-2")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if s.ID != "s3" || created {
		t.Errorf("got (%v, %v), want existing session s3", s, created)
	}
}

func TestListMessages(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("markAsRead"); got != "true" {
			t.Errorf("markAsRead = %q, want true", got)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"messages":[{"_id":"m1","content":"namaste"}]}}`))
	})

	msgs, err := c.ListMessages(context.Background(), "s1", 1, 50, time.Time{}, true)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "namaste" {
		t.Errorf("messages = %v, want one with content", msgs)
	}
}

func TestUnreadCounts(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"counts":{"s1":4,"s2":0}}}`))
	})

	counts, err := c.UnreadCounts(context.Background())
	if err != nil {
		t.Fatalf("UnreadCounts() error = %v", err)
	}
	if counts["s1"] != 4 {
		t.Errorf("counts = %v, want s1:4", counts)
	}
}
