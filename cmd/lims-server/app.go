package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/diaglab/lims/internal/config"
	"github.com/diaglab/lims/internal/domain/issuance"
	"github.com/diaglab/lims/internal/domain/maintenance"
	"github.com/diaglab/lims/internal/domain/records"
	"github.com/diaglab/lims/internal/platform/audit"
	"github.com/diaglab/lims/internal/platform/db"
	"github.com/diaglab/lims/internal/platform/lock"
	"github.com/diaglab/lims/internal/platform/sequence"
)

// app holds the services shared by the server and the counter commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	loc    *time.Location

	pool *pgxpool.Pool
	rdb  redis.UniversalClient

	recorder *audit.Recorder
	issuer   *issuance.Service
	maint    *maintenance.Service
	records  *records.Service
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, loc: loc, pool: pool}

	if cfg.RedisURL != "" {
		rdb, err := newRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.rdb = rdb
	}

	store, err := newStore(cfg, pool, a.rdb)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.SequenceBackend == config.BackendMemory {
		logger.Warn().Msg("counters are held in process memory and reset on restart")
	}

	alloc := sequence.NewAllocator(store, logger)
	a.recorder = audit.NewRecorder(audit.NewRepoPG(pool), logger)
	a.issuer = issuance.NewService(alloc, issuance.Config{
		MaxAttempts: cfg.IssueMaxAttempts,
		Location:    loc,
	}, logger)
	a.maint = maintenance.NewService(alloc, a.recorder, newLocker(cfg, a.rdb), loc, logger)
	a.records = records.NewService(
		records.NewPatientRepo(pool),
		records.NewAppointmentRepo(pool),
		records.NewInvoiceRepo(pool),
		a.issuer, a.maint, a.recorder, logger,
	)
	if err := a.records.Register(); err != nil {
		a.Close()
		return nil, fmt.Errorf("register record plans: %w", err)
	}
	return a, nil
}

func newRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// newStore picks the counter backend. Postgres keeps counters beside the
// records in the tenant schema; Redis and memory key them by tenant.
func newStore(cfg *config.Config, pool *pgxpool.Pool, rdb redis.UniversalClient) (sequence.Store, error) {
	switch cfg.SequenceBackend {
	case config.BackendPostgres:
		return sequence.NewPostgresStore(pool), nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("SEQUENCE_BACKEND=redis needs REDIS_URL")
		}
		return sequence.NewRedisStore(rdb), nil
	case config.BackendMemory:
		return sequence.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown SEQUENCE_BACKEND %q", cfg.SequenceBackend)
	}
}

// newLocker serializes maintenance across replicas through Redis when it is
// available and falls back to a lock file on the local host.
func newLocker(cfg *config.Config, rdb redis.UniversalClient) lock.Locker {
	opts := lock.Options{TTL: cfg.MaintenanceLockTTL}
	if rdb != nil {
		return lock.NewRedisLocker(rdb, opts)
	}
	return lock.NewFileLocker(cfg.MaintenanceLockFile, opts)
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func cliActor(flag string) string {
	if flag != "" {
		return flag
	}
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return audit.SystemActor
}
