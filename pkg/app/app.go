package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// App is a fully wired engine over one database
type App struct {
	DB            *sql.DB
	Dialect       rbac.Dialect
	Repository    *rbac.SQLRepository
	Organizations *orgs.SQLHierarchy
	Principals    *auth.SQLDirectory
	Audit         *audit.DBSink
	Mirror        *audit.FileSink
	Cache         cache.DecisionCache
	Redis         *redis.Client
	Engine        *rbac.Engine

	logger *observability.Logger
}

// Options carries the process-level collaborators
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// SkipMigrations opens the stores without touching the schema
	SkipMigrations bool
}

// OpenDB opens the configured database and applies the pool settings
func OpenDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.URL
	if cfg.Driver == rbac.DialectSQLite && !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		// concurrent writers wait instead of failing with SQLITE_BUSY
		dsn += sep + "_busy_timeout=5000"
	}

	db, err := sql.Open(string(cfg.Driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate brings every table up to date: the rbac migrations first, then
// the schemas owned by the organization, principal and audit stores.
func Migrate(ctx context.Context, db *sql.DB) ([]int, error) {
	applied, err := rbac.RunMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := orgs.NewSQLHierarchy(db).EnsureSchema(ctx); err != nil {
		return applied, err
	}
	if err := auth.NewSQLDirectory(db).EnsureSchema(ctx); err != nil {
		return applied, err
	}
	sink, err := audit.NewDBSink(db)
	if err != nil {
		return applied, err
	}
	return applied, sink.EnsureSchema(ctx)
}

// NewCache builds the configured decision cache. The redis client is
// returned so callers can health-check it; it is nil for other backends.
func NewCache(cfg config.CacheConfig) (cache.DecisionCache, *redis.Client, error) {
	switch cfg.Backend {
	case "none":
		return cache.NewNoop(), nil, nil
	case "redis":
		client, err := cache.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedisCache(client, cfg.Redis.KeyPrefix, cfg.TTL), client, nil
	default:
		return cache.NewLocalCache(cfg.MaxEntries, cfg.TTL), nil, nil
	}
}

// Open connects to the database, migrates it and builds the engine
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(cfg.Observability.LogLevel, nil)
	}

	db, err := OpenDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{DB: db, Dialect: cfg.Database.Driver, logger: logger}
	if err := a.open(ctx, cfg, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, cfg *config.Config, opts Options) error {
	if err := a.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if !opts.SkipMigrations {
		applied, err := Migrate(ctx, a.DB)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			a.logger.WithField("versions", applied).Info("applied migrations")
		}
	}

	repo, err := rbac.NewSQLRepository(a.DB, cfg.Database.Driver)
	if err != nil {
		return err
	}
	a.Repository = repo
	a.Organizations = orgs.NewSQLHierarchy(a.DB)
	a.Principals = auth.NewSQLDirectory(a.DB)
	if a.Audit, err = audit.NewDBSink(a.DB); err != nil {
		return err
	}

	var mirrors []audit.Sink
	if cfg.Audit.FileMirror.BasePath != "" {
		if a.Mirror, err = audit.NewFileSink(cfg.Audit.FileMirror); err != nil {
			return err
		}
		mirrors = append(mirrors, a.Mirror)
	}

	if a.Cache, a.Redis, err = NewCache(cfg.Cache); err != nil {
		return err
	}

	a.Engine, err = rbac.NewEngine(rbac.Options{
		Repository:           repo,
		Organizations:        a.Organizations,
		Principals:           a.Principals,
		Audit:                a.Audit,
		Mirrors:              mirrors,
		Cache:                a.Cache,
		CacheTTL:             cfg.Cache.TTL,
		AllowedSampleRate:    cfg.Audit.AllowedSampleRate,
		SuppressAllowedAudit: cfg.Audit.SuppressAllowed,
		AuditCacheHits:       cfg.Audit.RecordCacheHits,
		LockTimeout:          cfg.Engine.LockTimeout,
		Logger:               a.logger,
		Metrics:              opts.Metrics,
	})
	return err
}

// Close releases the cache, mirror and database. The engine must not be
// used afterwards.
func (a *App) Close() error {
	var errs []error
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Mirror != nil {
		errs = append(errs, a.Mirror.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
