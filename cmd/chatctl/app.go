package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chatpipe/internal/blob"
	"chatpipe/internal/config"
	"chatpipe/internal/conversation"
	"chatpipe/internal/health"
	"chatpipe/internal/localfs"
	"chatpipe/internal/logging"
	"chatpipe/internal/metrics"
	"chatpipe/internal/pgstore"
	"chatpipe/internal/push"
	"chatpipe/internal/realtime"
	"chatpipe/internal/store"
)

// app holds the collaborators shared by commands. Backends are opened
// lazily so commands only pay for what they use.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	logger  *slog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	health  *health.Checker

	// mu guards the lazily opened backends below.
	mu       sync.Mutex
	pool     *pgxpool.Pool
	pg       *pgstore.Store
	outbox   *store.Outbox
	notifier *push.AsynqNotifier
	lock     *localfs.Lock
	server   *http.Server

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		log:    log,
		logger: log.WithComponent("chatctl"),
		reg:    prometheus.NewRegistry(),
	}
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(cfg.Metrics.Namespace, a.reg)
	if err != nil {
		return nil, err
	}
	a.metrics = m
	a.health = a.newChecker()

	if cfg.Metrics.Enabled {
		a.serveMetrics()
	}
	return a, nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.reg))
	mux.Handle("/healthz", a.health.Handler())
	a.server = &http.Server{
		Addr:              a.cfg.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "addr", a.cfg.Metrics.ListenAddr, "error", err)
		}
	}()
	a.logger.Debug("serving metrics", "addr", a.cfg.Metrics.ListenAddr)
}

// newChecker registers the components chatctl depends on.
func (a *app) newChecker() *health.Checker {
	c := health.NewChecker(nil)
	c.Register(&health.Component{
		Name:     "database",
		Critical: true,
		Check: health.PingCheck(func(ctx context.Context) error {
			if _, err := a.backend(ctx); err != nil {
				return err
			}
			return a.pool.Ping(ctx)
		}),
	})
	c.Register(&health.Component{
		Name: "outbox",
		Check: health.BacklogCheck(func(ctx context.Context) (int64, error) {
			ob, err := a.journal(false)
			if err != nil {
				return 0, err
			}
			return ob.Count(ctx)
		}, 0),
	})
	c.Register(&health.Component{Name: "blob_root", Critical: true, Check: health.WritableDirCheck(a.cfg.Storage.BlobRoot)})
	c.Register(&health.Component{Name: "recordings_dir", Check: health.WritableDirCheck(a.cfg.Storage.RecordingsDir)})
	return c
}

// backend opens the PostgreSQL pool once.
func (a *app) backend(ctx context.Context) (*pgstore.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pg != nil {
		return a.pg, nil
	}
	pool, err := pgstore.NewPool(ctx, a.cfg.Backend.DatabaseURL, a.cfg.Backend.MaxConns)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.pg = pgstore.New(pool, a.log.WithComponent("pgstore"))
	return a.pg, nil
}

// journal opens the outbox once. Writers take the process lock first so
// two chatctl processes never retry the same failed send.
func (a *app) journal(exclusive bool) (*store.Outbox, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if exclusive && a.lock == nil {
		if err := localfs.EnsureDir(parentDir(a.cfg.Storage.LockPath)); err != nil {
			return nil, err
		}
		lock, err := localfs.TryLock(a.cfg.Storage.LockPath)
		if err != nil {
			if errors.Is(err, localfs.ErrLocked) {
				return nil, fmt.Errorf("another chatctl is sending from %s", a.cfg.Storage.LockPath)
			}
			return nil, err
		}
		a.lock = lock
		a.closers = append(a.closers, lock.Release)
	}
	if a.outbox != nil {
		return a.outbox, nil
	}
	if err := localfs.EnsureDir(parentDir(a.cfg.Storage.OutboxPath)); err != nil {
		return nil, err
	}
	ob, err := store.Open(a.cfg.Storage.OutboxPath)
	if err != nil {
		return nil, err
	}
	a.outbox = ob
	a.closers = append(a.closers, ob.Close)
	return ob, nil
}

// pushNotifier returns nil when push is disabled.
func (a *app) pushNotifier() (*push.AsynqNotifier, error) {
	if !a.cfg.Push.Enabled {
		return nil, nil
	}
	if a.notifier != nil {
		return a.notifier, nil
	}
	n, err := push.NewAsynqNotifier(a.cfg.Push.RedisURL, a.cfg.Push.Queue, a.cfg.Push.Coalesce, a.log.WithComponent("push"))
	if err != nil {
		return nil, err
	}
	a.notifier = n
	a.closers = append(a.closers, n.Close)
	return n, nil
}

// messageStore is the backend with the configured push channel.
func (a *app) messageStore(ctx context.Context) (conversation.MessageStore, error) {
	pg, err := a.backend(ctx)
	if err != nil {
		return nil, err
	}
	if a.cfg.Backend.Transport != config.TransportWebsocket {
		return pg, nil
	}
	client, err := realtime.NewClient(a.cfg.Backend.WebsocketURL, a.cfg.Identity.UserID, a.log.WithComponent("realtime"))
	if err != nil {
		return nil, err
	}
	return conversation.WithPushChannel(pg, client), nil
}

// engine builds and opens the engine for conversationID.
func (a *app) engine(ctx context.Context, conversationID string) (*conversation.Engine, error) {
	if err := config.ValidateForSend(a.cfg); err != nil {
		return nil, err
	}
	ms, err := a.messageStore(ctx)
	if err != nil {
		return nil, err
	}
	ob, err := a.journal(true)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.New(a.cfg.Storage.BlobRoot)
	if err != nil {
		return nil, err
	}

	opts := conversation.Options{
		ConversationID:    conversationID,
		UserID:            a.cfg.Identity.UserID,
		Store:             ms,
		Blobs:             blobs,
		Files:             localfs.New(),
		Journal:           ob,
		MatchTolerance:    a.cfg.Reconcile.MatchTolerance,
		PushLimit:         a.cfg.Reconcile.PushLimit,
		VoiceExtension:    a.cfg.Recorder.FileExtension,
		BackgroundTimeout: a.cfg.Reconcile.BackgroundTimeout,
		Metrics:           a.metrics,
		Logger:            a.log.WithComponent("conversation"),
	}
	n, err := a.pushNotifier()
	if err != nil {
		return nil, err
	}
	if n != nil {
		opts.Notifier = n
	}

	eng, err := conversation.New(opts)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, a.cfg.Backend.Timeout)
	defer cancel()
	if err := eng.Open(openCtx); err != nil {
		_ = eng.Close()
		return nil, err
	}
	a.mu.Lock()
	a.closers = append(a.closers, eng.Close)
	a.mu.Unlock()
	return eng, nil
}

func (a *app) close() error {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
		a.server = nil
	}

	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	if a.log != nil {
		_ = a.log.Close()
		a.log = nil
	}
	return errors.Join(errs...)
}
