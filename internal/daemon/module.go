package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/gotd/td/telegram"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/tgb/internal/api"
	"github.com/matheus3301/tgb/internal/bus"
	"github.com/matheus3301/tgb/internal/config"
	"github.com/matheus3301/tgb/internal/lock"
	"github.com/matheus3301/tgb/internal/logging"
	"github.com/matheus3301/tgb/internal/media"
	"github.com/matheus3301/tgb/internal/session"
	"github.com/matheus3301/tgb/internal/status"
	"github.com/matheus3301/tgb/internal/store"
	intsync "github.com/matheus3301/tgb/internal/sync"
	"github.com/matheus3301/tgb/internal/tg"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ListenAddr  string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideEventHandler,
			provideTelegramClient,
			provideAdapter,
			provideSyncEngine,
			provideFetcher,
			provideHandlers,
			provideRouter,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
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

func provideEventHandler(db *store.DB, b *bus.Bus, logger *zap.Logger) *tg.EventHandler {
	return tg.NewEventHandler(db, b, logger)
}

func provideTelegramClient(p Params, cfg *config.Config, events *tg.EventHandler, logger *zap.Logger) *telegram.Client {
	return tg.NewClient(cfg.APIID, cfg.APIHash, session.TelegramSessionPath(p.SessionName), events.Dispatcher(), logger)
}

func provideAdapter(client *telegram.Client, cfg *config.Config, logger *zap.Logger) *tg.Adapter {
	return tg.NewAdapter(client.API(), cfg.RequestsPerSecond, logger)
}

func provideSyncEngine(db *store.DB, adapter *tg.Adapter, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, adapter, b, logger, cfg.PageSize, cfg.IncrementalLimit, cfg.DialogLimit)
}

func provideFetcher(p Params, db *store.DB, adapter *tg.Adapter, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *media.Fetcher {
	dir := cfg.DownloadDir
	if dir == "" {
		dir = session.MediaDir(p.SessionName)
	}
	return media.NewFetcher(db, adapter, b, logger, dir, cfg.MaxConcurrentDownloads)
}

func provideHandlers(db *store.DB, engine *intsync.Engine, fetcher *media.Fetcher, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *api.Handlers {
	return api.NewHandlers(db, engine, fetcher, machine, b, logger)
}

func provideRouter(h *api.Handlers, logger *zap.Logger) *gin.Engine {
	return api.NewRouter(h, logger)
}

func provideServer(p Params, cfg *config.Config, engine *gin.Engine, logger *zap.Logger) *Server {
	addr := p.ListenAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	return NewServer(addr, engine, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, client *telegram.Client, machine *status.Machine, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	clientDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Serve the HTTP API in the background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Run the MTProto client until shutdown. The connection only
			// exists inside Run, so the goroutine holds it open for the
			// adapter and flips the state machine based on auth.
			go func() {
				defer close(clientDone)
				err := client.Run(runCtx, func(ctx context.Context) error {
					ok, err := tg.Authorized(ctx, client)
					if err != nil {
						return err
					}
					if !ok {
						logger.Warn("telegram session not authorized, auth required")
						_ = machine.Transition(status.AuthRequired)
						<-ctx.Done()
						return ctx.Err()
					}
					_ = machine.Transition(status.Connecting)
					_ = machine.Transition(status.Ready)
					logger.Info("telegram client ready")
					<-ctx.Done()
					return ctx.Err()
				})
				if err != nil && runCtx.Err() == nil {
					logger.Error("telegram client stopped", zap.Error(err))
					_ = machine.Transition(status.Error)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			srv.Stop(ctx)
			select {
			case <-clientDone:
			case <-ctx.Done():
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
