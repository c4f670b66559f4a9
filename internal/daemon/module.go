package daemon

import (
	"context"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/taskchat/internal/api"
	"github.com/matheus3301/taskchat/internal/bus"
	"github.com/matheus3301/taskchat/internal/chatsync"
	"github.com/matheus3301/taskchat/internal/config"
	"github.com/matheus3301/taskchat/internal/credential"
	"github.com/matheus3301/taskchat/internal/lock"
	"github.com/matheus3301/taskchat/internal/logging"
	"github.com/matheus3301/taskchat/internal/metrics"
	"github.com/matheus3301/taskchat/internal/profile"
	"github.com/matheus3301/taskchat/internal/status"
	"github.com/matheus3301/taskchat/internal/store"
	intsync "github.com/matheus3301/taskchat/internal/sync"
	"github.com/matheus3301/taskchat/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config // nil = config.Default()
	Token   string         // initial bearer token, kept in memory only
	Debug   bool
	// SocketPath overrides the profile's control socket; used by tests.
	SocketPath string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideCredentials,
			provideLock,
			provideStore,
			provideClient,
			provideLink,
			transport.NewAdapter,
			provideSyncer,
			provideEngine,
			provideService,
			NewServer,
			provideMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, cfg.Validate()
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	b := bus.New()
	b.OnDrop(func(evt bus.Event) {
		metrics.BusDropped.WithLabelValues(evt.Kind).Inc()
		logger.Debug("bus event dropped", zap.String("kind", evt.Kind))
	})
	return b
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideCredentials(p Params, b *bus.Bus) *credential.Holder {
	return credential.NewHolder(p.Token, b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the snapshot is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.SnapshotDBPath(p.Profile)
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

func provideClient(cfg *config.Config, creds *credential.Holder) *transport.Client {
	return transport.NewClient(cfg.APIURL, creds, transport.WithTimeout(cfg.RequestTimeout.Duration))
}

func provideLink(cfg *config.Config, creds *credential.Holder, b *bus.Bus, m *status.Machine, logger *zap.Logger) *transport.Link {
	return transport.NewLink(transport.LinkConfig{
		URL:      cfg.PushEndpoint(),
		Attempts: cfg.ReconnectAttempts,
		Delay:    cfg.ReconnectDelay.Duration,
	}, creds, b, m, logger.Named("push"))
}

func provideSyncer(cfg *config.Config, client *transport.Client, db *store.DB, m *status.Machine, b *bus.Bus, logger *zap.Logger) *chatsync.Syncer {
	return chatsync.New(client, db, m, b, logger.Named("chatsync"), chatsync.Options{
		SelfID:          cfg.UserID,
		SelfName:        cfg.UserName,
		PageLimit:       cfg.PageLimit,
		AutoMarkRead:    cfg.AutoMarkRead,
		MarkReadTimeout: cfg.RequestTimeout.Duration,
	})
}

func provideEngine(adapter *transport.Adapter, syncer *chatsync.Syncer, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(adapter, syncer, b, logger.Named("sync"))
}

func provideService(p Params, syncer *chatsync.Syncer, m *status.Machine, creds *credential.Holder, b *bus.Bus) *api.Service {
	return api.NewService(p.Profile, syncer, m, creds, b)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	metricsSrv *MetricsServer,
	lk *lock.Lock,
	db *store.DB,
	link *transport.Link,
	engine *intsync.Engine,
	syncer *chatsync.Syncer,
	creds *credential.Holder,
	b *bus.Bus,
	logger *zap.Logger,
) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if n, err := syncer.Restore(); err != nil {
				logger.Warn("snapshot restore failed", zap.Error(err))
			} else if n > 0 {
				at, _, _ := db.Checkpoint(store.KeyConversationsLoadedAt)
				logger.Info("warm start from snapshot", zap.Int("conversations", n), zap.String("saved_at", at))
			}

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())

			// Subscribe before the link starts so the first Connected is seen.
			if err := engine.Start(runCtx); err != nil {
				cancel()
				return err
			}
			if err := metricsSrv.Start(); err != nil {
				cancel()
				engine.Stop()
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = link.Run(runCtx)
			}()
			go func() {
				defer wg.Done()
				refreshOnCredential(runCtx, syncer, creds, b, logger)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Control calls still in flight need a live syncer.
			srv.Stop(ctx)
			cancel()
			wg.Wait()
			engine.Stop()
			syncer.Close()
			if err := metricsSrv.Stop(ctx); err != nil {
				logger.Warn("metrics server shutdown", zap.Error(err))
			}
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

// refreshOnCredential loads the conversation list at startup and again every
// time a new credential is set.
func refreshOnCredential(ctx context.Context, syncer *chatsync.Syncer, creds *credential.Holder, b *bus.Bus, logger *zap.Logger) {
	changes, unsub := b.Subscribe("credential.", 4)
	defer unsub()

	refresh := func() {
		if _, ok := creds.Token(); !ok {
			logger.Info("no credential, waiting for token")
			return
		}
		if err := syncer.Refresh(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("conversation refresh failed", zap.Error(err))
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			refresh()
		}
	}
}
