// Package daemon wires a session's realtime stack into an fx application.
package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/amora/internal/api"
	"github.com/matheus3301/amora/internal/bus"
	"github.com/matheus3301/amora/internal/channel"
	"github.com/matheus3301/amora/internal/chat"
	"github.com/matheus3301/amora/internal/config"
	"github.com/matheus3301/amora/internal/delivery"
	"github.com/matheus3301/amora/internal/lifecycle"
	"github.com/matheus3301/amora/internal/lock"
	"github.com/matheus3301/amora/internal/logging"
	"github.com/matheus3301/amora/internal/rest"
	"github.com/matheus3301/amora/internal/session"
	"github.com/matheus3301/amora/internal/socket"
	"github.com/matheus3301/amora/internal/status"
	"github.com/matheus3301/amora/internal/store"
	"github.com/matheus3301/amora/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
	// Dialer replaces the websocket dialer, for tests.
	Dialer transport.Dialer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideQueue,
			provideProber,
			provideDialer,
			provideSocket,
			provideChannel,
			provideREST,
			provideContainer,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Session, error) {
	path := session.ConfigPath(p.SessionName)
	cfg, err := config.LoadSession(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Info("session config loaded",
		zap.String("path", path),
		zap.String("user_id", cfg.Account.UserID),
		zap.Bool("durable_queue", cfg.Delivery.Durable),
	)
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Session, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), cfg.Account.UserID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore opens amora.db when the durable queue is enabled and
// returns nil otherwise.
func provideStore(p Params, cfg *config.Session, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	if !cfg.Delivery.Durable {
		return nil, nil
	}
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

func provideQueue(cfg *config.Session, db *store.DB, logger *zap.Logger) *delivery.Queue {
	var persist delivery.Persister
	if db != nil {
		persist = db
	}
	return delivery.New(cfg.Delivery.MaxRetries, persist, logger.Named("queue"))
}

func provideProber(cfg *config.Session, logger *zap.Logger) (*lifecycle.Prober, error) {
	return lifecycle.NewProber(cfg.Server.Realtime, cfg.Network.ProbeInterval.Duration, logger.Named("network"))
}

func provideDialer(p Params, cfg *config.Session, logger *zap.Logger) transport.Dialer {
	if p.Dialer != nil {
		return p.Dialer
	}
	return transport.NewWebSocketDialer(cfg.Server.Realtime, logger.Named("transport"))
}

func provideSocket(cfg *config.Session, d transport.Dialer, prober *lifecycle.Prober, m *status.Machine, logger *zap.Logger) *socket.Manager {
	return socket.New(cfg.SocketConfig(), d, prober, m, logger.Named("socket"))
}

func provideChannel(cfg *config.Session, mgr *socket.Manager, q *delivery.Queue, logger *zap.Logger) *channel.Channel {
	return channel.New(mgr, q, cfg.ChannelConfig(), logger.Named("channel"))
}

func provideREST(cfg *config.Session, logger *zap.Logger) (*rest.Client, error) {
	return rest.New(cfg.Server.API, cfg.Account.Token, cfg.Chat.APITimeout.Duration, logger.Named("rest"))
}

func provideContainer(cfg *config.Session, ch *channel.Channel, mgr *socket.Manager, rc *rest.Client, b *bus.Bus, logger *zap.Logger) *chat.Container {
	return chat.New(cfg.ChatConfig(), ch, mgr, rc, b, logger.Named("chat"))
}

func provideControl(p Params, mgr *socket.Manager, prober *lifecycle.Prober, c *chat.Container, q *delivery.Queue, b *bus.Bus, logger *zap.Logger) *api.Control {
	return api.NewControl(p.SessionName, mgr, prober, c, q, b, logger.Named("api"))
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Session,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	q *delivery.Queue,
	prober *lifecycle.Prober,
	mgr *socket.Manager,
	container *chat.Container,
	b *bus.Bus,
	logger *zap.Logger,
) {
	var stopWatch func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Restore before the container starts so the first connect
			// replays what a previous run left behind.
			restored, err := q.Restore(ctx)
			if err != nil {
				return fmt.Errorf("restore delivery queue: %w", err)
			}
			if restored > 0 {
				logger.Info("delivery queue restored", zap.Int("envelopes", restored))
			}

			container.Start()
			stopWatch = watchSession(b, logger)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if cfg.Network.ProbeInterval.Duration > 0 {
				prober.Start(context.Background())
			}

			userID, token := cfg.Credentials()
			if err := mgr.Init(userID, token); err != nil {
				return fmt.Errorf("init connection: %w", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			container.Stop()
			mgr.Close()
			prober.Stop()
			if stopWatch != nil {
				stopWatch()
			}
			srv.Stop(ctx)
			if db != nil {
				if err := db.Close(); err != nil {
					logger.Warn("error closing store", zap.Error(err))
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

// watchSession logs connection and session events for the daemon log.
func watchSession(b *bus.Bus, logger *zap.Logger) func() {
	conn, unsubConn := b.Subscribe("connection.", 16)
	sess, unsubSess := b.Subscribe("session.", 4)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-conn:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					logger.Info("connection state", zap.String("from", string(change.From)), zap.String("to", string(change.To)))
				}
			case evt := <-sess:
				if evt.Kind == bus.SessionLoggedOut {
					logger.Error("session logged out; update the token in session.toml and restart the daemon",
						zap.Any("reason", evt.Payload))
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		unsubConn()
		unsubSess()
	}
}
