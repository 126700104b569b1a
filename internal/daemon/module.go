package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/mktinbox/internal/api"
	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/cache"
	"github.com/matheus3301/mktinbox/internal/config"
	"github.com/matheus3301/mktinbox/internal/credential"
	"github.com/matheus3301/mktinbox/internal/inbox"
	"github.com/matheus3301/mktinbox/internal/live"
	"github.com/matheus3301/mktinbox/internal/lock"
	"github.com/matheus3301/mktinbox/internal/logging"
	"github.com/matheus3301/mktinbox/internal/outbox"
	"github.com/matheus3301/mktinbox/internal/profile"
	"github.com/matheus3301/mktinbox/internal/readstate"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/store"
	intsync "github.com/matheus3301/mktinbox/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // optional override; empty = profile.ConfigPath()
	SocketPath string // optional override for testing; empty = use default
	Debug      bool
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
			provideCredentials,
			provideRemote,
			provideStore,
			provideCache,
			provideSyncEngine,
			provideLive,
			provideOutbox,
			provideReads,
			provideInbox,
			provideInboxService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(logging.Options{
		File:    profile.LogPath(p.Profile),
		Profile: p.Profile,
		Debug:   p.Debug,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), "inboxd")
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCredentials(p Params, cfg *config.Config) credential.Source {
	path := cfg.API.TokenFile
	if path == "" {
		path = profile.TokenPath(p.Profile)
	}
	return credential.NewFileSource(path)
}

func provideRemote(cfg *config.Config, tokens credential.Source, logger *zap.Logger) (*remote.Client, error) {
	return remote.New(cfg.API.BaseURL, tokens,
		remote.WithTimeout(cfg.API.Timeout.Duration),
		remote.WithLogger(logger.Named("remote")),
	)
}

// provideStore resolves the local user's id from config, falling back to the
// token's subject claim.
func provideStore(cfg *config.Config, tokens credential.Source, b *bus.Bus, logger *zap.Logger) *store.Store {
	self := cfg.API.UserID
	if self == "" {
		if tok, err := tokens.Token(); err == nil {
			self = credential.Inspect(tok).Subject
		}
	}
	if self == "" {
		logger.Warn("local user id unknown; every message will count as unread until one is configured")
	}
	return store.New(store.Options{
		SelfID:      self,
		MatchWindow: cfg.Send.MatchWindow.Duration,
		Bus:         b,
	})
}

// provideCache opens and hydrates the snapshot cache. It returns nil when the
// cache is disabled.
func provideCache(p Params, cfg *config.Config, s *store.Store, logger *zap.Logger) (*cache.DB, error) {
	if !cfg.Cache.Enabled {
		logger.Info("snapshot cache disabled")
		return nil, nil
	}
	dbPath := profile.CacheDBPath(p.Profile)
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Rebuilt {
		logger.Warn("cache schema was dirty, rebuilt empty", zap.Uint("version", result.Version))
	}
	logger.Info("cache schema ready",
		zap.Uint("version", result.Version),
		zap.Bool("migrated", result.Changed))
	if err := db.Hydrate(s, logger); err != nil {
		// A broken snapshot only costs the warm start.
		logger.Warn("cache hydrate failed", zap.Error(err))
	}
	logger.Info("cache initialized", zap.String("path", db.Path()))
	return db, nil
}

func provideSyncEngine(cfg *config.Config, client *remote.Client, s *store.Store, db *cache.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	opts := intsync.Options{
		ListInterval:   cfg.Poll.ListInterval.Duration,
		ThreadInterval: cfg.Poll.ThreadInterval.Duration,
		Timeout:        cfg.API.Timeout.Duration,
	}
	if db != nil {
		opts.Cache = db
	}
	return intsync.NewEngine(client, s, b, logger.Named("sync"), opts)
}

func provideLive(cfg *config.Config, tokens credential.Source, b *bus.Bus, logger *zap.Logger) *live.Manager {
	return live.NewManager(b, logger.Named("live"), live.Options{
		WSBase:         cfg.WebSocketURL(),
		Tokens:         tokens,
		InitialBackoff: cfg.Live.InitialBackoff.Duration,
		MaxBackoff:     cfg.Live.MaxBackoff.Duration,
		MaxRetries:     cfg.Live.MaxRetries,
	})
}

func provideOutbox(cfg *config.Config, s *store.Store, client *remote.Client, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *outbox.Coordinator {
	return outbox.NewCoordinator(s, client, engine, b, logger.Named("outbox"), outbox.Options{
		MaxLength: cfg.Send.MaxLength,
		Timeout:   cfg.API.Timeout.Duration,
	})
}

func provideReads(cfg *config.Config, s *store.Store, client *remote.Client, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *readstate.Tracker {
	return readstate.NewTracker(s, client, engine, b, logger.Named("read"), readstate.Options{
		Retries:    cfg.Read.AckRetries,
		RetryDelay: cfg.Read.AckRetryDelay.Duration,
		Timeout:    cfg.API.Timeout.Duration,
	})
}

func provideInbox(
	s *store.Store,
	engine *intsync.Engine,
	lm *live.Manager,
	ob *outbox.Coordinator,
	rt *readstate.Tracker,
	client *remote.Client,
	db *cache.DB,
	b *bus.Bus,
	logger *zap.Logger,
) *inbox.Inbox {
	deps := inbox.Deps{
		Store:   s,
		Engine:  engine,
		Live:    lm,
		Outbox:  ob,
		Reads:   rt,
		Creator: client,
		Bus:     b,
		Logger:  logger,
	}
	if db != nil {
		deps.Cache = db
	}
	return inbox.New(deps)
}

func provideInboxService(p Params, in *inbox.Inbox, logger *zap.Logger) *api.InboxService {
	return api.NewInboxService(in, p.Profile, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, in *inbox.Inbox, db *cache.DB, tokens credential.Source, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if _, err := credential.Check(tokens, time.Now()); err != nil {
				// Keep serving the cached inbox; polling picks up a token
				// written later.
				logger.Warn("no usable access token yet", zap.Error(err))
			}

			in.Start(context.Background())

			go func() {
				if err := srv.Serve(); err != nil {
					logger.Error("api server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			in.Stop()
			if db != nil {
				if err := db.Close(); err != nil {
					logger.Warn("error closing cache", zap.Error(err))
				}
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
