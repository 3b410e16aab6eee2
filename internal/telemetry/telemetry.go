package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// Acquisition metrics
	tracksTotal      metric.Int64Counter
	transfersActive  metric.Int64UpDownCounter
	transferDuration metric.Float64Histogram
	bytesTransferred metric.Int64Counter

	// Upstream protection metrics
	cacheLookups       metric.Int64Counter
	circuitTransitions metric.Int64Counter
	requestRate        metric.Float64Gauge

	// Ledger metrics
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance. With Enabled false every recording
// method is a no-op.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
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

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(15 * time.Second)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordTrackOutcome counts one track landing in a terminal status.
func (t *Telemetry) RecordTrackOutcome(status string) {
	if t.tracksTotal != nil {
		t.tracksTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// IncrementActiveTransfers increments the in-flight transfer counter.
func (t *Telemetry) IncrementActiveTransfers() {
	if t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), 1)
	}
}

// DecrementActiveTransfers decrements the in-flight transfer counter.
func (t *Telemetry) DecrementActiveTransfers() {
	if t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), -1)
	}
}

// RecordTransfer records one finished transfer attempt.
func (t *Telemetry) RecordTransfer(status string, duration time.Duration) {
	if t.transferDuration != nil {
		t.transferDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// AddBytesTransferred counts payload bytes written to disk.
func (t *Telemetry) AddBytesTransferred(n int64) {
	if t.bytesTransferred != nil {
		t.bytesTransferred.Add(context.Background(), n)
	}
}

// RecordCacheLookup counts one response-cache hit or miss.
func (t *Telemetry) RecordCacheLookup(hit bool) {
	if t.cacheLookups == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	t.cacheLookups.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordCircuitTransition counts one circuit breaker state change.
func (t *Telemetry) RecordCircuitTransition(from, to string) {
	if t.circuitTransitions != nil {
		t.circuitTransitions.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("from", from),
				attribute.String("to", to),
			),
		)
	}
}

// RecordRequestRate publishes the limiter's current requests-per-second.
func (t *Telemetry) RecordRequestRate(rate float64) {
	if t.requestRate != nil {
		t.requestRate.Record(context.Background(), rate)
	}
}

// RecordDBOperation records ledger operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}
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

	t.tracksTotal, err = t.meter.Int64Counter(
		"tracks_total",
		metric.WithDescription("Tracks processed, by terminal status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tracks_total counter: %w", err)
	}

	t.transfersActive, err = t.meter.Int64UpDownCounter(
		"transfers_active",
		metric.WithDescription("Transfers currently in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfers_active counter: %w", err)
	}

	t.transferDuration, err = t.meter.Float64Histogram(
		"transfer_duration_seconds",
		metric.WithDescription("Transfer duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer_duration histogram: %w", err)
	}

	t.bytesTransferred, err = t.meter.Int64Counter(
		"bytes_transferred_total",
		metric.WithDescription("Payload bytes written to disk"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bytes_transferred counter: %w", err)
	}

	t.cacheLookups, err = t.meter.Int64Counter(
		"cache_lookups_total",
		metric.WithDescription("Response cache lookups, by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_lookups counter: %w", err)
	}

	t.circuitTransitions, err = t.meter.Int64Counter(
		"circuit_transitions_total",
		metric.WithDescription("Circuit breaker state changes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create circuit_transitions counter: %w", err)
	}

	t.requestRate, err = t.meter.Float64Gauge(
		"upstream_request_rate",
		metric.WithDescription("Current adaptive request rate in requests per second"),
		metric.WithUnit("1/s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create upstream_request_rate gauge: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of ledger operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Ledger operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
