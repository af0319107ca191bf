package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/jyotilabs/chatd/internal/errs"
	"go.uber.org/zap"
)

func writeTempFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, make([]byte, size), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func defaultLimits() UploadLimits {
	return UploadLimits{
		MaxFileSize:       1024,
		AllowedMIMETypes:  []string{"image/png", "image/jpeg"},
		AllowedExtensions: []string{".png", ".jpg", ".jpeg"},
	}
}

func TestUploadSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"url":"https://cdn/x.png","name":"x.png","mimeType":"image/png","size":512}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	path := writeTempFile(t, "x.png", 512)

	var lastProgress float64
	att, err := c.Upload(context.Background(), path, defaultLimits(), func(f float64) { lastProgress = f })
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if att.URL != "https://cdn/x.png" || att.Size != 512 {
		t.Errorf("attachment = %+v, want url and size from server", att)
	}
	if lastProgress != 1 {
		t.Errorf("final progress = %v, want 1", lastProgress)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

// Oversized files must fail fast with zero network requests.
func TestUploadOverSizeLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	path := writeTempFile(t, "big.png", 4096)

	_, err := c.Upload(context.Background(), path, defaultLimits(), nil)
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %T, want ValidationError", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server hits = %d, want 0 for rejected file", hits.Load())
	}
}

func TestUploadDisallowedType(t *testing.T) {
	c := New("http://unused", "tok", zap.NewNop())
	path := writeTempFile(t, "notes.txt", 16)

	_, err := c.Upload(context.Background(), path, defaultLimits(), nil)
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %T, want ValidationError", err)
	}
}

func TestUploadServerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
		_, _ = w.Write([]byte(`{"success":false,"message":"bucket full"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	path := writeTempFile(t, "x.png", 128)

	_, err := c.Upload(context.Background(), path, defaultLimits(), nil)
	var ue *errs.UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %T, want UploadError", err)
	}
}

func TestUploadCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	path := writeTempFile(t, "x.png", 128)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Upload(ctx, path, defaultLimits(), nil)
		done <- err
	}()
	cancel()

	err := <-done
	var ce *errs.CancelledError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %T (%v), want CancelledError", err, err)
	}
}
