package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/conn"
	"github.com/jyotilabs/chatd/internal/directory"
	"github.com/jyotilabs/chatd/internal/outbox"
	"github.com/jyotilabs/chatd/internal/rest"
	"github.com/jyotilabs/chatd/internal/store"
	"go.uber.org/zap"
)

// Server is the local HTTP control API. It binds to loopback; browser
// front-ends and chatctl are the only intended clients.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger

	manager *conn.Manager
	dir     *directory.Directory
	sender  *outbox.Sender
	db      *store.DB
	api     *rest.Client
	bus     *bus.Bus
	cred    Credential
	limits  rest.UploadLimits
	started time.Time
}

// NewServer creates the control server bound to the configured loopback
// address.
func NewServer(
	p Params,
	logger *zap.Logger,
	m *conn.Manager,
	dir *directory.Directory,
	sender *outbox.Sender,
	db *store.DB,
	api *rest.Client,
	b *bus.Bus,
	cred Credential,
) (*Server, error) {
	listener, err := net.Listen("tcp", p.Config.ListenAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		logger:   logger,
		manager:  m,
		dir:      dir,
		sender:   sender,
		db:       db,
		api:      api,
		bus:      b,
		cred:     cred,
		limits: rest.UploadLimits{
			MaxFileSize:       p.Config.MaxFileSize,
			AllowedMIMETypes:  p.Config.AllowedMIMETypes,
			AllowedExtensions: p.Config.AllowedExtensions,
		},
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)

		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations", s.handleGetOrCreateConversation)
		r.Get("/conversations/{id}/messages", s.handleListMessages)
		r.Post("/conversations/{id}/messages", s.handleSendMessage)
		r.Post("/conversations/{id}/read", s.handleMarkRead)
		r.Post("/conversations/{id}/leave", s.handleLeaveConversation)

		r.Post("/messages/{clientID}/retry", s.handleRetryMessage)

		r.Post("/attachments", s.handleUploadAttachment)

		r.Get("/events", s.handleEvents)
	})

	s.httpServer = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("control server shutdown", zap.Error(err))
	}
}
