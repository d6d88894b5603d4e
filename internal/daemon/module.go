// Package daemon composes the sync core: one process per identity, owning
// the database, the event cache, the poller and the client socket.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/api"
	"github.com/pcarvalho/chatsync/internal/bus"
	"github.com/pcarvalho/chatsync/internal/cache"
	"github.com/pcarvalho/chatsync/internal/engine"
	"github.com/pcarvalho/chatsync/internal/gateway"
	"github.com/pcarvalho/chatsync/internal/lock"
	"github.com/pcarvalho/chatsync/internal/logging"
	"github.com/pcarvalho/chatsync/internal/outbox"
	"github.com/pcarvalho/chatsync/internal/poller"
	"github.com/pcarvalho/chatsync/internal/session"
	"github.com/pcarvalho/chatsync/internal/status"
	"github.com/pcarvalho/chatsync/internal/store"
	"github.com/pcarvalho/chatsync/internal/transport"
)

// Params holds the resolved identity configuration passed to the fx module.
type Params struct {
	Identity     string
	SocketPath   string // optional override for testing; empty = use default
	PollInterval time.Duration
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideGateway,
			provideCache,
			provideEngine,
			provideSender,
			providePoller,
			provideHandlers,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Identity), p.Identity)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Identity); err != nil {
		return nil, err
	}
	logger.Info("acquiring identity lock", zap.String("identity", p.Identity))
	l, err := lock.Acquire(session.Dir(p.Identity))
	if err != nil {
		return nil, err
	}
	logger.Info("identity lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Identity)
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

// provideGateway wires the in-process loopback backend. A networked backend
// plugs in here without touching the rest of the graph.
func provideGateway() gateway.Gateway {
	return gateway.NewLoopback()
}

func provideCache(p Params, gw gateway.Gateway, logger *zap.Logger) (*cache.Store, error) {
	return cache.Open(session.CacheDir(p.Identity), gw, logger)
}

func provideEngine(db *store.DB, c *cache.Store, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(db, c, b, logger)
}

func provideSender(db *store.DB, gw gateway.Gateway, e *engine.Engine, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, gw, e, logger)
}

func providePoller(p Params, db *store.DB, gw gateway.Gateway, e *engine.Engine, m *status.Machine, b *bus.Bus, logger *zap.Logger) *poller.Poller {
	interval := p.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return poller.New(db, gw, e, m, b, logger, interval)
}

func provideHandlers(p Params, e *engine.Engine, pl *poller.Poller, m *status.Machine, db *store.DB, logger *zap.Logger) *api.Handlers {
	return api.NewHandlers(p.Identity, e, pl, m, db, logger)
}

func provideRouter(h *api.Handlers, logger *zap.Logger) *transport.Router {
	r := transport.NewRouter(logger)
	h.Register(r)
	return r
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, c *cache.Store, e *engine.Engine, sender *outbox.Sender, pl *poller.Poller, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := e.Start(context.Background()); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server error", zap.Error(err))
				}
			}()

			sender.Start(context.Background())

			if err := machine.Transition(status.Connecting); err != nil {
				return err
			}
			if err := pl.Start(context.Background()); err != nil {
				return err
			}

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pl.Stop()
			sender.Stop()
			e.Stop()
			srv.Stop(ctx)
			c.Flush()
			if err := c.Close(); err != nil {
				logger.Warn("error closing event cache", zap.Error(err))
			}
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
