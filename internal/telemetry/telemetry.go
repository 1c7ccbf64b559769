package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the meter, tracer and instruments. A zero Telemetry, and a
// nil *Telemetry, record nothing.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED metrics for the control API
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Transfer metrics
	transfersTotal           metric.Int64Counter
	transfersActive          metric.Int64UpDownCounter
	transferDuration         metric.Float64Histogram
	transferBytes            metric.Int64Counter
	submissionErrors         metric.Int64Counter
	droppedMessages          metric.Int64Counter
	dbOperationsTotal        metric.Int64Counter
	dbOperationDuration      metric.Float64Histogram
	notificationsTotal       metric.Int64Counter
	interruptedTransfersSeen metric.Int64Counter

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, additionally pushes metrics over OTLP/gRPC.
	OTLPEndpoint string
	OTLPInsecure bool
	PushInterval time.Duration
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		)),
	}

	if cfg.OTLPEndpoint != "" {
		reader, err := newOTLPReader(ctx, cfg)
		if err != nil {
			return nil, err
		}

		opts = append(opts, sdkmetric.WithReader(reader))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
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

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

func newOTLPReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
	}

	interval := cfg.PushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)), nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordTransferStarted counts a transfer that was accepted by the pool.
func (t *Telemetry) RecordTransferStarted(direction string) {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), 1, metric.WithAttributes(attribute.String("direction", direction)))
	}
}

// RecordTransferFinished records the outcome of a transfer. status is the
// terminal phase name.
func (t *Telemetry) RecordTransferFinished(direction, status string, duration time.Duration, bytes int64) {
	if t == nil || t.transfersTotal == nil {
		return
	}

	dir := attribute.String("direction", direction)
	attrs := metric.WithAttributes(dir, attribute.String("status", status))

	t.transfersActive.Add(context.Background(), -1, metric.WithAttributes(dir))
	t.transfersTotal.Add(context.Background(), 1, attrs)
	t.transferDuration.Record(context.Background(), duration.Seconds(), attrs)

	if bytes > 0 {
		t.transferBytes.Add(context.Background(), bytes, metric.WithAttributes(dir))
	}
}

// RecordSubmissionError counts a job the pool refused.
func (t *Telemetry) RecordSubmissionError(direction string) {
	if t != nil && t.submissionErrors != nil {
		t.submissionErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("direction", direction)))
	}
}

// RecordDroppedMessages counts worker messages that arrived for a transfer
// that is no longer active.
func (t *Telemetry) RecordDroppedMessages(n int) {
	if t != nil && t.droppedMessages != nil {
		t.droppedMessages.Add(context.Background(), int64(n))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordNotification records a notifier delivery.
func (t *Telemetry) RecordNotification(notifier, status string) {
	if t != nil && t.notificationsTotal != nil {
		t.notificationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("notifier", notifier),
				attribute.String("status", status),
			),
		)
	}
}

// RecordInterruptedTransfers counts transfers found unfinished by cleanup.
func (t *Telemetry) RecordInterruptedTransfers(n int) {
	if t != nil && t.interruptedTransfersSeen != nil && n > 0 {
		t.interruptedTransfersSeen.Add(context.Background(), int64(n))
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	if err := t.meterProvider.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests", "1"},
		{&t.transfersTotal, "transfers_total", "Total number of finished transfers", "1"},
		{&t.transferBytes, "transfer_bytes_total", "Bytes moved by successful transfers", "By"},
		{&t.submissionErrors, "transfer_submission_errors_total", "Transfers the pool refused to schedule", "1"},
		{&t.droppedMessages, "transfer_dropped_messages_total", "Worker messages for unknown transfers", "1"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations", "1"},
		{&t.notificationsTotal, "notifications_total", "Total number of notifier deliveries", "1"},
		{&t.interruptedTransfersSeen, "transfers_interrupted_total", "Unfinished transfers found by cleanup", "1"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors", "1"},
	}

	for _, c := range counters {
		*c.dst, err = t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.transferDuration, "transfer_duration_seconds", "Time from submission to the terminal phase"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		*h.dst, err = t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	t.transfersActive, err = t.meter.Int64UpDownCounter(
		"transfers_active",
		metric.WithDescription("Number of transfers accepted and not yet finished"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfers_active counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
		}
	}
}
