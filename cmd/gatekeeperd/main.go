package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gatekeeper/pkg/app"
	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/bootstrap"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/jobs"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

var version = "dev"

func main() {
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for a graceful shutdown")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stderr)

	if err := run(log, *shutdownTimeout); err != nil {
		log.WithError(err).Fatal("gatekeeperd stopped with an error")
	}
	log.Info("gatekeeperd stopped")
}

func run(log *logrus.Logger, shutdownTimeout time.Duration) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel.String()); err == nil {
		log.SetLevel(level)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "gatekeeperd")

	ctx, stop := observability.SignalContext(context.Background())
	defer stop()
	shutdown := observability.NewShutdownManager(logger, shutdownTimeout)

	// Telemetry first so the engine's tracer and meter pick up the providers
	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	if providers != nil {
		shutdown.Register("otel", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers)
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return err
		}
		metrics.WithOTel(otelMetrics)
	}

	a, err := app.Open(ctx, cfg, app.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		shutdown.Shutdown(context.Background())
		return err
	}
	shutdown.Register("stores", func(context.Context) error { return a.Close() })
	log.WithFields(logrus.Fields{
		"driver":  cfg.Database.Driver,
		"cache":   cfg.Cache.Backend,
		"version": version,
	}).Info("engine ready")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Bootstrap.SeedFile != "" {
		watcher, err := seed(ctx, log, logger, cfg, a)
		if err != nil {
			shutdown.Shutdown(context.Background())
			return err
		}
		if watcher != nil {
			shutdown.Register("seed-watcher", func(context.Context) error { return watcher.Close() })
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	scheduler, err := schedule(ctx, cfg, a, logger, metrics)
	if err != nil {
		shutdown.Shutdown(context.Background())
		return err
	}
	scheduler.Start()
	shutdown.Register("scheduler", scheduler.Stop)

	mux := http.NewServeMux()
	checker := observability.NewHealthChecker(version, a.DB, a.Redis)
	checker.AddCheck("decision-cache", false, func(ctx context.Context) error {
		if a.Engine.CacheDegraded() {
			return observability.ErrDegraded
		}
		return nil
	})
	observability.RegisterHealthRoutes(mux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(mux, registry)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Observability.HealthPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	shutdown.Register("http", srv.Shutdown)

	g.Go(func() error {
		log.WithField("port", cfg.Observability.HealthPort).Info("serving health and metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}

// seed applies the seed file once and returns a watcher when watching is on
func seed(ctx context.Context, log *logrus.Logger, logger *observability.Logger, cfg *config.Config, a *app.App) (*bootstrap.Watcher, error) {
	loader := &bootstrap.Loader{
		Engine:        a.Engine,
		Organizations: a.Organizations,
		Principals:    a.Principals,
		Actor:         cfg.Bootstrap.Actor,
	}
	doc, err := bootstrap.Load(cfg.Bootstrap.SeedFile)
	if err != nil {
		return nil, err
	}
	res, err := loader.Apply(observability.WithActor(ctx, cfg.Bootstrap.Actor), doc)
	if err != nil {
		return nil, fmt.Errorf("failed to apply seed file: %w", err)
	}
	log.WithFields(logrus.Fields{
		"file":          cfg.Bootstrap.SeedFile,
		"roles_created": res.RolesCreated,
		"roles_updated": res.RolesUpdated,
		"grants":        res.Grants,
	}).Info("seed file applied")

	if !cfg.Bootstrap.Watch {
		return nil, nil
	}
	return bootstrap.NewWatcher(cfg.Bootstrap.SeedFile, loader, logger)
}

// schedule registers the periodic jobs
func schedule(ctx context.Context, cfg *config.Config, a *app.App, logger *observability.Logger, metrics *observability.Metrics) (*jobs.Scheduler, error) {
	scheduler := jobs.NewScheduler(logger, metrics)
	if err := scheduler.Add("expiry-sweep", cfg.Engine.SweepSchedule, jobs.SweepJob(a.Engine)); err != nil {
		return nil, err
	}
	if err := scheduler.Add("db-stats", "@every 15s", jobs.DBStatsJob(a.DB, metrics)); err != nil {
		return nil, err
	}

	if cfg.Audit.Archive.Bucket != "" {
		client, err := audit.NewS3Client(ctx, cfg.Audit.Archive)
		if err != nil {
			return nil, err
		}
		archiver, err := audit.NewS3Archiver(a.Audit, client, cfg.Audit.Archive)
		if err != nil {
			return nil, err
		}
		job := jobs.ArchiveJob(archiver, cfg.Audit.ArchiveWindow, nil)
		if err := scheduler.Add("audit-archive", cfg.Audit.ArchiveSchedule, job); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}
