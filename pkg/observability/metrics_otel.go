package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the engine's check and mutation metrics onto the
// global OpenTelemetry meter provider.
type OTelMetrics struct {
	checksTotal      metric.Int64Counter
	checkDuration    metric.Float64Histogram
	mutationsTotal   metric.Int64Counter
	mutationDuration metric.Float64Histogram
	cacheErrors      metric.Int64Counter
	expiredTotal     metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithMeter(otel.Meter("github.com/platinummonkey/gatekeeper"))
}

// NewOTelMetricsWithMeter creates the instruments on meter
func NewOTelMetricsWithMeter(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.checksTotal, err = meter.Int64Counter(
		"gatekeeper.checks",
		metric.WithDescription("Access checks by outcome and source"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checks counter: %w", err)
	}

	m.checkDuration, err = meter.Float64Histogram(
		"gatekeeper.check.duration",
		metric.WithDescription("Access check duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create check duration histogram: %w", err)
	}

	m.mutationsTotal, err = meter.Int64Counter(
		"gatekeeper.mutations",
		metric.WithDescription("Mutations by operation and result"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mutations counter: %w", err)
	}

	m.mutationDuration, err = meter.Float64Histogram(
		"gatekeeper.mutation.duration",
		metric.WithDescription("Mutation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mutation duration histogram: %w", err)
	}

	m.cacheErrors, err = meter.Int64Counter(
		"gatekeeper.cache.errors",
		metric.WithDescription("Failed decision cache operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache errors counter: %w", err)
	}

	m.expiredTotal, err = meter.Int64Counter(
		"gatekeeper.assignments.expired",
		metric.WithDescription("Assignments stamped by the expiry sweep"),
		metric.WithUnit("{assignment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expired assignments counter: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) recordCheck(ctx context.Context, outcome, source string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", source),
	)
	m.checksTotal.Add(ctx, 1, attrs)
	m.checkDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *OTelMetrics) recordMutation(ctx context.Context, operation, result string, duration time.Duration) {
	m.mutationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.mutationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

func (m *OTelMetrics) recordCacheError(ctx context.Context, operation string) {
	m.cacheErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *OTelMetrics) recordExpired(ctx context.Context, n int) {
	m.expiredTotal.Add(ctx, int64(n))
}
