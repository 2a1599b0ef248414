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

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED metrics for the caller-facing API
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Business metrics
	transfersTotal      metric.Int64Counter
	transfersActive     metric.Int64UpDownCounter
	searchesTotal       metric.Int64Counter
	searchResultsTotal  metric.Int64Counter
	matchAttemptsTotal  metric.Int64Counter
	matchOutcomesTotal  metric.Int64Counter
	catalogPagesTotal   metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance. A disabled config yields a no-op
// instance; every record method tolerates nil instruments.
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

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.String("status", status),
			),
		)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.String("status", status),
			),
		)
	}
}

// RecordTransfer records a transfer reaching a terminal state.
func (t *Telemetry) RecordTransfer(state string) {
	if t.transfersTotal != nil {
		t.transfersTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("state", state)),
		)
	}
}

// IncrementActiveTransfers increments the active transfers counter.
func (t *Telemetry) IncrementActiveTransfers() {
	if t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), 1)
	}
}

// DecrementActiveTransfers decrements the active transfers counter.
func (t *Telemetry) DecrementActiveTransfers() {
	if t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), -1)
	}
}

// RecordSearch records a search session being started.
func (t *Telemetry) RecordSearch() {
	if t.searchesTotal != nil {
		t.searchesTotal.Add(context.Background(), 1)
	}
}

// RecordSearchResults records a delivered batch of search results.
func (t *Telemetry) RecordSearchResults(count int) {
	if t.searchResultsTotal != nil {
		t.searchResultsTotal.Add(context.Background(), int64(count))
	}
}

// RecordMatch records a finished auto-matching run.
func (t *Telemetry) RecordMatch(outcome string, attempts int) {
	if t.matchAttemptsTotal != nil {
		t.matchAttemptsTotal.Add(context.Background(), int64(attempts))
	}

	if t.matchOutcomesTotal != nil {
		t.matchOutcomesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// RecordCatalogPage records a catalog page request.
func (t *Telemetry) RecordCatalogPage(status string) {
	if t.catalogPagesTotal != nil {
		t.catalogPagesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordDBOperation records database operation metrics.
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

// InstrumentDBOperation instruments a database operation.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "db_"+operation)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", "history"),
		attribute.String("operation", operation),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
	}

	t.RecordDBOperation(operation, status, time.Since(start))

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

	if t.httpRequestsTotal, err = t.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total HTTP requests")); err != nil {
		return err
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration")); err != nil {
		return err
	}

	if t.transfersTotal, err = t.meter.Int64Counter("transfers_total",
		metric.WithDescription("Transfers by terminal state")); err != nil {
		return err
	}

	if t.transfersActive, err = t.meter.Int64UpDownCounter("transfers_active",
		metric.WithDescription("Transfers currently queued or in progress")); err != nil {
		return err
	}

	if t.searchesTotal, err = t.meter.Int64Counter("searches_total",
		metric.WithDescription("Search sessions started")); err != nil {
		return err
	}

	if t.searchResultsTotal, err = t.meter.Int64Counter("search_results_total",
		metric.WithDescription("Search results delivered")); err != nil {
		return err
	}

	if t.matchAttemptsTotal, err = t.meter.Int64Counter("match_attempts_total",
		metric.WithDescription("AttachFile calls made by the auto-matcher")); err != nil {
		return err
	}

	if t.matchOutcomesTotal, err = t.meter.Int64Counter("match_outcomes_total",
		metric.WithDescription("Auto-matching runs by outcome")); err != nil {
		return err
	}

	if t.catalogPagesTotal, err = t.meter.Int64Counter("catalog_pages_total",
		metric.WithDescription("Catalog page requests")); err != nil {
		return err
	}

	if t.dbOperationsTotal, err = t.meter.Int64Counter("db_operations_total",
		metric.WithDescription("History database operations")); err != nil {
		return err
	}

	if t.dbOperationDuration, err = t.meter.Float64Histogram("db_operation_duration_seconds",
		metric.WithDescription("History database operation duration")); err != nil {
		return err
	}

	return nil
}
