package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	"study-match/internal/common/logger"
)

// Observability owns the otel meter used for precomputation job telemetry.
// Readings are exported through the default prometheus registry.
type Observability struct {
	meterProvider *metric.MeterProvider
	meter         otelmetric.Meter
	jobCounter    otelmetric.Int64Counter
	jobDuration   otelmetric.Float64Histogram
	scoresCounter otelmetric.Int64Counter
}

func New(serviceName string, log logger.Logger) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		if log != nil {
			log.Error("failed to create prometheus exporter", map[string]interface{}{"error": err})
		}
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	jobCounter, _ := meter.Int64Counter(
		"precompute.jobs",
		otelmetric.WithDescription("Precomputation jobs finished, by terminal status"),
	)

	jobDuration, _ := meter.Float64Histogram(
		"precompute.job.duration",
		otelmetric.WithDescription("Precomputation job duration"),
		otelmetric.WithUnit("ms"),
	)

	scoresCounter, _ := meter.Int64Counter(
		"precompute.scores",
		otelmetric.WithDescription("Pairwise scores seen by precomputation, by origin"),
	)

	return &Observability{
		meterProvider: provider,
		meter:         meter,
		jobCounter:    jobCounter,
		jobDuration:   jobDuration,
		scoresCounter: scoresCounter,
	}
}

// Noop returns an Observability whose recorders do nothing.
func Noop() *Observability {
	return &Observability{}
}

func (o *Observability) RecordJobProcessed(ctx context.Context, status string) {
	if o == nil || o.jobCounter == nil {
		return
	}
	o.jobCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) RecordJobDuration(ctx context.Context, duration time.Duration, status string) {
	if o == nil || o.jobDuration == nil {
		return
	}
	o.jobDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordScores adds n to the score counter; origin is "cached" or "computed".
func (o *Observability) RecordScores(ctx context.Context, origin string, n int) {
	if o == nil || o.scoresCounter == nil || n <= 0 {
		return
	}
	o.scoresCounter.Add(ctx, int64(n), otelmetric.WithAttributes(
		attribute.String("origin", origin),
	))
}

func (o *Observability) Shutdown() {
	if o == nil || o.meterProvider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.meterProvider.Shutdown(ctx)
}
