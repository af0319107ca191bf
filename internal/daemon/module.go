// Package daemon composes the chat session daemon: one process per
// signed-in identity, owning the socket connection, the local store,
// and the HTTP control API that front-ends talk to.
package daemon

import (
	"context"

	"github.com/jyotilabs/chatd/internal/bus"
	"github.com/jyotilabs/chatd/internal/config"
	"github.com/jyotilabs/chatd/internal/conn"
	"github.com/jyotilabs/chatd/internal/directory"
	"github.com/jyotilabs/chatd/internal/lock"
	"github.com/jyotilabs/chatd/internal/logging"
	"github.com/jyotilabs/chatd/internal/outbox"
	"github.com/jyotilabs/chatd/internal/rest"
	"github.com/jyotilabs/chatd/internal/session"
	"github.com/jyotilabs/chatd/internal/status"
	"github.com/jyotilabs/chatd/internal/store"
	intsync "github.com/jyotilabs/chatd/internal/sync"
	"github.com/jyotilabs/chatd/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Credential is the stored auth token, empty when not signed in yet.
type Credential string

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredential,
			provideRESTClient,
			provideDirectory,
			provideManager,
			provideSender,
			provideSyncEngine,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredential(p Params, logger *zap.Logger) (Credential, error) {
	token, err := session.ReadCredential(p.SessionName)
	if err != nil {
		return "", err
	}
	if token == "" {
		logger.Info("no credential found, sign-in required")
	}
	return Credential(token), nil
}

func provideRESTClient(p Params, cred Credential, logger *zap.Logger) *rest.Client {
	return rest.New(p.Config.APIBaseURL, string(cred), logger)
}

func provideDirectory(p Params, api *rest.Client, m *conn.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(api, m, db, b, p.Config.DirectoryCacheSize, p.Config.CacheTTL(), logger)
}

func provideManager(p Params, machine *status.Machine, b *bus.Bus, db *store.DB, logger *zap.Logger) *conn.Manager {
	dial := func(ctx context.Context, credential string) (conn.Transport, error) {
		return transport.Dial(ctx, p.Config.SocketURL, credential, b, logger)
	}
	return conn.NewManager(p.Config, machine, b, db, dial, logger)
}

func provideSender(p Params, db *store.DB, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, m, b, p.Config.MaxMessageLen, p.Config.SendRetryCeiling, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, api *rest.Client, dir *directory.Directory, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, api, dir, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, m *conn.Manager, engine *intsync.Engine, sender *outbox.Sender, cred Credential, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			if cred != "" {
				go func() {
					if err := m.Connect(context.Background(), string(cred)); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			m.Disconnect()
			sender.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
