package daemon

import (
	"context"

	"github.com/ovalles/dmsync/internal/bus"
	"github.com/ovalles/dmsync/internal/chatapi"
	"github.com/ovalles/dmsync/internal/config"
	"github.com/ovalles/dmsync/internal/convstore"
	"github.com/ovalles/dmsync/internal/engine"
	"github.com/ovalles/dmsync/internal/lock"
	"github.com/ovalles/dmsync/internal/logging"
	"github.com/ovalles/dmsync/internal/msgstore"
	"github.com/ovalles/dmsync/internal/persist"
	"github.com/ovalles/dmsync/internal/presence"
	"github.com/ovalles/dmsync/internal/profile"
	"github.com/ovalles/dmsync/internal/realtime"
	"github.com/ovalles/dmsync/internal/request"
	"github.com/ovalles/dmsync/internal/router"
	"github.com/ovalles/dmsync/internal/sendqueue"
	"github.com/ovalles/dmsync/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAPIClient,
			provideConn,
			provideQueue,
			provideSweeper,
			provideTracker,
			provideMessageStore,
			provideConvStore,
			provideLifecycle,
			provideRouter,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*persist.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := persist.Open(dbPath)
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

func provideAPIClient(p Params) *chatapi.Client {
	return chatapi.NewClient(p.Config.APIBaseURL, p.Config.Token)
}

func provideConn(p Params, logger *zap.Logger) (*realtime.Conn, error) {
	return realtime.Dial(context.Background(), p.Config.RealtimeURL, p.Config.Token, logger)
}

func provideQueue() *sendqueue.Queue {
	return sendqueue.New()
}

func provideSweeper(q *sendqueue.Queue, b *bus.Bus, logger *zap.Logger) *sendqueue.Sweeper {
	return sendqueue.NewSweeper(q, b, logger)
}

func provideTracker(b *bus.Bus) *presence.Tracker {
	return presence.NewTracker(b)
}

func provideMessageStore(api *chatapi.Client, b *bus.Bus, logger *zap.Logger) *msgstore.Store {
	return msgstore.New(api, api, b, logger)
}

func provideConvStore(p Params, api *chatapi.Client, db *persist.DB, b *bus.Bus, logger *zap.Logger) *convstore.Store {
	return convstore.New(p.Config.UserID, api, api, db, b, logger)
}

func provideLifecycle(p Params, api *chatapi.Client, conversations *convstore.Store, db *persist.DB, b *bus.Bus, logger *zap.Logger) *request.Lifecycle {
	return request.New(p.Config.UserID, api, api, conversations, db, b, logger)
}

func provideRouter(
	p Params,
	q *sendqueue.Queue,
	messages *msgstore.Store,
	conversations *convstore.Store,
	tracker *presence.Tracker,
	logger *zap.Logger,
) *router.Router {
	return router.New(p.Config.UserID, messages.OpenChat, q, messages, conversations, tracker, conversations, logger)
}

func provideEngine(
	p Params,
	api *chatapi.Client,
	conn *realtime.Conn,
	rt *router.Router,
	q *sendqueue.Queue,
	messages *msgstore.Store,
	conversations *convstore.Store,
	lifecycle *request.Lifecycle,
	db *persist.DB,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
	shutdowner fx.Shutdowner,
) *engine.Engine {
	onFatalAuth := func() {
		_ = shutdowner.Shutdown()
	}
	return engine.New(p.Config.UserID, api, conn, rt, q, messages, conversations, lifecycle, db, machine, b, logger, onFatalAuth)
}

func registerLifecycle(
	lc fx.Lifecycle,
	eng *engine.Engine,
	sweeper *sendqueue.Sweeper,
	tracker *presence.Tracker,
	conn *realtime.Conn,
	db *persist.DB,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sweeper.Start(context.Background())
			if err := eng.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("sync engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
			sweeper.Stop()
			tracker.Stop()
			_ = conn.Close()
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
