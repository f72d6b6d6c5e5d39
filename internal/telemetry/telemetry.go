package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the metric instruments of the distribution engine. All
// record methods are nil-safe so a disabled instance can be passed around
// freely.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	distributionsTotal   metric.Int64Counter
	distributionDuration metric.Float64Histogram
	distributionsActive  metric.Int64UpDownCounter
	sourceAttemptsTotal  metric.Int64Counter
	downloadBytesTotal   metric.Int64Counter
	serverCallsTotal     metric.Int64Counter
	serverErrorsTotal    metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a telemetry instance backed by a Prometheus exporter. When
// disabled, the returned instance records nothing.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// RecordDistribution records the outcome of one distribution item.
func (t *Telemetry) RecordDistribution(kind, status string, duration time.Duration) {
	if t == nil {
		return
	}

	if t.distributionsTotal != nil {
		t.distributionsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("status", status),
			),
		)
	}

	if t.distributionDuration != nil {
		t.distributionDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("status", status),
			),
		)
	}
}

// IncrementActiveDistributions increments the in-flight distribution gauge.
func (t *Telemetry) IncrementActiveDistributions() {
	if t == nil || t.distributionsActive == nil {
		return
	}

	t.distributionsActive.Add(context.Background(), 1)
}

// DecrementActiveDistributions decrements the in-flight distribution gauge.
func (t *Telemetry) DecrementActiveDistributions() {
	if t == nil || t.distributionsActive == nil {
		return
	}

	t.distributionsActive.Add(context.Background(), -1)
}

// RecordSourceAttempt records one attempt against a candidate source.
func (t *Telemetry) RecordSourceAttempt(sourceType, status string) {
	if t == nil || t.sourceAttemptsTotal == nil {
		return
	}

	t.sourceAttemptsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("source_type", sourceType),
			attribute.String("status", status),
		),
	)
}

// AddDownloadBytes accumulates downloaded payload size.
func (t *Telemetry) AddDownloadBytes(n int64) {
	if t == nil || t.downloadBytesTotal == nil || n <= 0 {
		return
	}

	t.downloadBytesTotal.Add(context.Background(), n)
}

// RecordServerCall records one call against the remote server API.
func (t *Telemetry) RecordServerCall(operation, status string) {
	if t == nil {
		return
	}

	if t.serverCallsTotal != nil {
		t.serverCallsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if status == "error" && t.serverErrorsTotal != nil {
		t.serverErrorsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("operation", operation)),
		)
	}
}

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentServerOperation wraps a remote server call in a span and records
// call metrics. Error messages stay out of attributes to keep cardinality
// bounded.
func (t *Telemetry) InstrumentServerOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, "server_"+operation)
	defer span.End()

	span.SetAttributes(attribute.String("operation", operation))

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
	}

	t.RecordServerCall(operation, status)

	return err
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.distributionsTotal, err = t.meter.Int64Counter(
		"distributions_total",
		metric.WithDescription("Total number of distribution item runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create distributions_total counter: %w", err)
	}

	t.distributionDuration, err = t.meter.Float64Histogram(
		"distribution_duration_seconds",
		metric.WithDescription("Distribution item duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create distribution_duration histogram: %w", err)
	}

	t.distributionsActive, err = t.meter.Int64UpDownCounter(
		"distributions_active",
		metric.WithDescription("Number of distribution items currently running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create distributions_active counter: %w", err)
	}

	t.sourceAttemptsTotal, err = t.meter.Int64Counter(
		"source_attempts_total",
		metric.WithDescription("Total number of per-source download attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create source_attempts_total counter: %w", err)
	}

	t.downloadBytesTotal, err = t.meter.Int64Counter(
		"download_bytes_total",
		metric.WithDescription("Total bytes downloaded from all sources"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_bytes_total counter: %w", err)
	}

	t.serverCallsTotal, err = t.meter.Int64Counter(
		"server_calls_total",
		metric.WithDescription("Total number of remote server API calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create server_calls_total counter: %w", err)
	}

	t.serverErrorsTotal, err = t.meter.Int64Counter(
		"server_errors_total",
		metric.WithDescription("Total number of failed remote server API calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create server_errors counter: %w", err)
	}

	return nil
}
