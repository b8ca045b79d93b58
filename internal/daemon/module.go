// Package daemon wires a profile's engine, store and gRPC server into an fx
// application.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/offsync/internal/api"
	"github.com/matheus3301/offsync/internal/bus"
	"github.com/matheus3301/offsync/internal/config"
	"github.com/matheus3301/offsync/internal/conflict"
	"github.com/matheus3301/offsync/internal/engine"
	"github.com/matheus3301/offsync/internal/lock"
	"github.com/matheus3301/offsync/internal/logging"
	"github.com/matheus3301/offsync/internal/profile"
	"github.com/matheus3301/offsync/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideEngine,
			provideSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadOrDefault(profile.ConfigPath(p.ProfileName))
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.Log)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.LockPath(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock as a dependency so the database is never
// opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) *RemoteLink {
	return NewRemoteLink(cfg.Remote, logger.Named("remote"))
}

func provideEngine(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) (*engine.Engine, error) {
	policy, err := conflict.ParsePolicy(cfg.Sync.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	// The remote is attached on start; until then runs fail as unavailable.
	return engine.New(context.Background(), db, nil, b, logger.Named("engine"), engine.Options{
		AutoSync:      cfg.Sync.AutoSync,
		Interval:      cfg.Interval(),
		MaxRetries:    cfg.Sync.MaxRetries,
		ItemTimeout:   cfg.Sync.ItemTimeout.Duration,
		DefaultPolicy: policy,
		Pull:          cfg.Sync.Pull,
	})
}

func provideSyncService(p Params, e *engine.Engine) *api.SyncService {
	return api.NewSyncService(e, p.ProfileName)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, db *store.DB, link *RemoteLink, e *engine.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			link.Attach(ctx, e)
			e.Start(ctx)

			cfgPath := profile.ConfigPath(p.ProfileName)
			if err := config.Watch(ctx, cfgPath, logger.Named("config"), func(cfg *config.Config) {
				applyConfig(ctx, cfg, e, link, logger)
			}); err != nil {
				logger.Warn("config hot reload disabled", zap.Error(err))
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			srv.Stop(stopCtx)
			e.Stop()
			link.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// applyConfig pushes a reloaded config into the running engine. Retry
// budget, item timeout and policy only take effect on restart.
func applyConfig(ctx context.Context, cfg *config.Config, e *engine.Engine, link *RemoteLink, logger *zap.Logger) {
	e.SetAutoSync(cfg.Sync.AutoSync)
	if err := e.SetAutoSyncInterval(cfg.Sync.IntervalMinutes); err != nil {
		logger.Warn("ignoring interval from config", zap.Error(err))
	}
	link.Reconfigure(ctx, cfg.Remote)
	logger.Info("config applied",
		zap.Bool("auto_sync", cfg.Sync.AutoSync),
		zap.Int("interval_minutes", cfg.Sync.IntervalMinutes),
		zap.Bool("remote_configured", cfg.Remote.URL != ""))
}
