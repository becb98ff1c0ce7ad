// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health checks and shutdown handling for the engine
// and the daemon.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stderr)
//	logger.WithField("role_id", id).WithError(err).Warn("role delete rejected")
//
// Background jobs carry their logger, actor and job name in the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	ctx = observability.WithJob(ctx, "expiry-sweep")
//	observability.FromContext(ctx).Info("sweep finished")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	observability.RegisterMetricsEndpoint(mux, registry)
//
// All Record methods accept a nil *Metrics. WithOTel mirrors the check and
// mutation counters onto an OpenTelemetry meter.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version, db, redisClient)
//	checker.AddCheck("decision-cache", false, func(ctx context.Context) error { ... })
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "gatekeeperd",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers)
package observability
