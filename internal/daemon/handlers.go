package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/errs"
	"github.com/jyotilabs/chatd/internal/store"
	"go.uber.org/zap"
)

// envelope mirrors the platform's response shape so front-end code can
// share one unwrapping path for the upstream API and the local daemon.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Success: code < 400, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var (
		ve *errs.ValidationError
		ae *errs.AuthenticationError
		pe *errs.ApiError
		ne *errs.NetworkError
		ce *errs.CancelledError
	)
	switch {
	case errors.As(err, &ve):
		code = http.StatusBadRequest
	case errors.As(err, &ae):
		code = http.StatusUnauthorized
	case errors.As(err, &pe):
		if pe.StatusCode >= 400 {
			code = pe.StatusCode
		} else {
			code = http.StatusBadGateway
		}
	case errors.As(err, &ne):
		code = http.StatusBadGateway
	case errors.As(err, &ce):
		code = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Message: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &errs.ValidationError{Field: "body", Message: "malformed request body"}
	}
	return nil
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	convs, _ := s.db.ConversationCount()
	msgs, _ := s.db.MessageCount()
	pending, _ := s.db.PendingOutbox()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        string(s.manager.Status()),
		"attempts":      s.manager.Attempts(),
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"conversations": convs,
		"messages":      msgs,
		"pendingSends":  len(pending),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.cred == "" {
		writeError(w, &errs.AuthenticationError{Message: "no stored credential; sign in first"})
		return
	}
	if err := s.manager.Connect(r.Context(), string(s.cred)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(s.manager.Status())})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.manager.Disconnect()
	writeJSON(w, http.StatusOK, map[string]any{"status": string(s.manager.Status())})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	page := intQuery(r, "page", 1)
	limit := intQuery(r, "limit", 20)

	convs, err := s.dir.List(r.Context(), page, limit)
	if err != nil {
		if convs == nil {
			writeError(w, err)
			return
		}
		// Upstream unreachable but the local store still serves.
		s.logger.Warn("serving conversations from local store", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs, "stale": err != nil})
}

func (s *Server) handleGetOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ParticipantID == "" {
		writeError(w, &errs.ValidationError{Field: "participantId", Message: "participantId is required"})
		return
	}

	id, created, err := s.dir.GetOrCreate(r.Context(), req.ParticipantID)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"id": id, "created": created})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := intQuery(r, "limit", 50)
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)

	msgs, err := s.db.ListMessages(id, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Body          string `json:"body"`
		AttachmentURL string `json:"attachmentUrl"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	clientMsgID, err := s.sender.Queue(id, req.Body, req.AttachmentURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"clientMsgId": clientMsgID})
}

// handleMarkRead clears the local counter immediately; the socket emit
// is best-effort and reconciled by the unread resync on reconnect.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.db.ClearUnread(id); err != nil {
		writeError(w, err)
		return
	}
	if t := s.manager.Transport(); t != nil {
		if err := t.MarkRead(id); err != nil {
			s.logger.Warn("mark_read emit failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindUnreadChanged,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": id},
	})
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

// handleLeaveConversation stops socket pushes for one conversation. The
// row stays in the local store; a later open or reconnect rejoins it.
func (s *Server) handleLeaveConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.LeaveConversation(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if err := s.sender.Resend(clientID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"clientMsgId": clientID})
}

// handleUploadAttachment accepts either a JSON {path} pointing at a
// local file (chatctl) or a multipart form with a "file" part (browser
// front-ends). Both funnel through the same validated upload path.
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	var path string
	var cleanup func()

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		p, c, err := s.spoolMultipart(r)
		if err != nil {
			writeError(w, err)
			return
		}
		path, cleanup = p, c
		defer cleanup()
	} else {
		var req struct {
			Path string `json:"path"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Path == "" {
			writeError(w, &errs.ValidationError{Field: "path", Message: "path is required"})
			return
		}
		path = req.Path
	}

	progress := func(f float64) {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindUploadProgress,
			Timestamp: time.Now(),
			Payload:   map[string]any{"path": path, "progress": f},
		})
	}
	att, err := s.api.Upload(r.Context(), path, s.limits, progress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// spoolMultipart writes the uploaded part to a temp file so the
// validation and upload path can treat it like any local file. The
// original filename's extension is kept for the allow-list check.
func (s *Server) spoolMultipart(r *http.Request) (string, func(), error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, &errs.ValidationError{Field: "file", Message: "missing file part"}
	}
	defer func() { _ = file.Close() }()

	dir, err := os.MkdirTemp("", "chatd-upload-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	dst := filepath.Join(dir, filepath.Base(header.Filename))
	out, err := os.Create(dst)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if _, err := io.Copy(out, file); err != nil {
		_ = out.Close()
		cleanup()
		return "", nil, err
	}
	if err := out.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return dst, cleanup, nil
}

// handleEvents streams every bus event as server-sent events. The
// browser front-end keeps one stream open instead of polling.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	enc := func(evt bus.Event) []byte {
		data, err := json.Marshal(map[string]any{
			"kind":      evt.Kind,
			"timestamp": evt.Timestamp.UnixMilli(),
			"payload":   evt.Payload,
		})
		if err != nil {
			return nil
		}
		return data
	}

	for {
		select {
		case evt := <-events:
			data := enc(evt)
			if data == nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + evt.Kind + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
