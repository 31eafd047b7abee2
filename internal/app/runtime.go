// Package app wires configuration into a ready engine. The CLI and the HTTP
// server both start from Open.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchline/internal/artifact"
	"batchline/internal/audit"
	"batchline/internal/config"
	"batchline/internal/db"
	"batchline/internal/emission"
	"batchline/internal/engine"
	"batchline/internal/logging"
	"batchline/internal/migrate"
	"batchline/internal/notify"
	"batchline/internal/queue"
	"batchline/internal/report"
	"batchline/internal/secctx"
)

// Runtime holds everything a process needs. Close releases it.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Dialect   db.Dialect
	Log       *zap.Logger
	Redis     redis.UniversalClient
	Engine    engine.Engine
	Worker    *queue.Worker
}

// Options adjust Open. Zero values use the workspace config.
type Options struct {
	// Migrate applies pending migrations before returning.
	Migrate bool
	// Logger replaces the logger built from config.
	Logger *zap.Logger
}

// Open loads the workspace config, opens the database and builds the engine
// with its emitter, queue worker and sinks.
func Open(ctx context.Context, workspace string, opts Options) (*Runtime, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(ctx, workspace, cfg, opts)
}

// New is Open with an already loaded config.
func New(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*Runtime, error) {
	rt := &Runtime{Workspace: workspace, Config: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	rt.Log = opts.Logger
	if rt.Log == nil {
		l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		rt.Log = l
	}

	conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.DB, rt.Dialect = conn, dialect
	if opts.Migrate {
		if err := migrate.Migrate(conn, dialect); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if cfg.Redis.Addr != "" {
		rt.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	renderer, err := report.NewRenderer(cfg.Emission.Renderer)
	if err != nil {
		return nil, err
	}
	store, err := rt.artifacts(ctx)
	if err != nil {
		return nil, err
	}

	eng := engine.New(conn, dialect, cfg)
	eng.Log = rt.Log.Named("engine")
	eng.Notifier = rt.notifier()
	sink := audit.Multi{
		audit.Store{Runner: eng.Runner, Writer: audit.Writer{Dialect: dialect}},
		audit.Log{Logger: rt.Log.Named("audit")},
	}

	emitter := &emission.Emitter{
		Repo:      eng.Repo,
		Runner:    eng.Runner,
		Renderer:  renderer,
		Audit:     sink,
		Notifier:  eng.Notifier,
		Log:       rt.Log.Named("emission"),
		Bands:     report.Bands{Low: cfg.Scoring.LowCut, High: cfg.Scoring.HighCut},
		Artifacts: store,
	}
	if m, err := emission.NewMetrics(); err == nil {
		emitter.Metrics = m
	} else {
		rt.Log.Warn("emission metrics disabled", zap.Error(err))
	}

	worker := queue.NewWorker(eng.Repo, emitter, queue.Config{
		PollInterval:  cfg.Queue.PollInterval,
		BaseBackoff:   cfg.Queue.BaseBackoff,
		MaxBackoff:    cfg.Queue.MaxBackoff,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BatchSize:     cfg.Queue.BatchSize,
		Concurrency:   cfg.Queue.Concurrency,
		RatePerSecond: cfg.Queue.RatePerSecond,
		LockTTL:       cfg.Queue.LockTTL,
	})
	worker.Audit = sink
	worker.Notifier = eng.Notifier
	worker.Log = rt.Log.Named("queue")
	if rt.Redis != nil {
		worker.Locker = queue.RedisLock{Client: rt.Redis, Key: cfg.Redis.LockKey}
	}
	if m, err := queue.NewMetrics(); err == nil {
		worker.Metrics = m
	} else {
		rt.Log.Warn("queue metrics disabled", zap.Error(err))
	}

	eng.Emitter = emitter
	eng.Queue = worker
	rt.Engine = eng
	rt.Worker = worker
	ok = true
	return rt, nil
}

func (rt *Runtime) artifacts(ctx context.Context) (artifact.Store, error) {
	a := rt.Config.Artifacts
	switch strings.ToLower(a.Backend) {
	case "", "none":
		return nil, nil
	case "file":
		dir := a.Dir
		if dir == "" {
			dir = filepath.Join(".batchline", "artifacts")
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(rt.Workspace, dir)
		}
		return artifact.NewFileStore(dir)
	case "s3":
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:   a.S3.Bucket,
			Region:   a.S3.Region,
			Endpoint: a.S3.Endpoint,
			Prefix:   a.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", a.Backend)
	}
}

func (rt *Runtime) notifier() notify.Sink {
	n := rt.Config.Notify
	sinks := notify.Multi{notify.Log{Logger: rt.Log.Named("notify")}}
	if n.Store {
		sinks = append(sinks, notify.Store{Runner: secctx.Runner{DB: rt.DB, Applier: secctx.ForDialect(rt.Dialect)}, Dialect: rt.Dialect})
	}
	if rt.Redis != nil {
		sinks = append(sinks, notify.Redis{Client: rt.Redis, Channel: n.RedisChannel})
	}
	for _, wh := range n.Webhooks {
		if wh.Enabled != nil && !*wh.Enabled {
			continue
		}
		sinks = append(sinks, notify.Webhook{
			URL:     wh.URL,
			Secret:  wh.Secret,
			Events:  wh.Events,
			Timeout: time.Duration(wh.TimeoutSeconds) * time.Second,
		})
	}
	return sinks
}

// Close releases the database, Redis client and logger.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	if rt.Log != nil {
		_ = rt.Log.Sync()
	}
	return errors.Join(errs...)
}
