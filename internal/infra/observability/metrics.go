package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"navi/internal/shared/async"
	"navi/internal/shared/logging"
)

// Metrics owns every instrument the service emits. All record methods are
// safe on a nil receiver and on a disabled collector, so call sites never
// need an enabled check.
type Metrics struct {
	meter metric.Meter

	created        metric.Int64Counter
	rpcRequests    metric.Int64Counter
	tokensConsumed metric.Int64Counter
	cost           metric.Float64Counter
	sandboxes      metric.Int64Counter
	errorsTotal    metric.Int64Counter

	activeTasks   metric.Int64UpDownCounter
	activeStreams metric.Int64UpDownCounter
	utilization   metric.Float64Gauge

	execDuration metric.Float64Histogram
	queueWait    metric.Float64Histogram
	rpcDuration  metric.Float64Histogram
	taskSteps    metric.Int64Histogram
	taskLatency  metric.Float64Histogram
	toolDuration metric.Float64Histogram

	server *http.Server
	logger logging.Logger
	start  time.Time
}

// Config configures the metrics collector.
type Config struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// New builds the collector. When disabled it returns an inert collector
// whose record methods are no-ops.
func New(cfg Config, logger logging.Logger) (*Metrics, error) {
	m := &Metrics{logger: logging.OrNop(logger), start: time.Now()}
	if !cfg.Enabled {
		return m, nil
	}

	exporter, err := prometheus.New(
		prometheus.WithoutCounterSuffixes(),
		prometheus.WithoutUnits(),
	)
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	m.meter = provider.Meter("navi")

	if err := m.buildInstruments(); err != nil {
		return nil, err
	}

	if cfg.Port > 0 {
		m.startServer(cfg.Port)
	}
	return m, nil
}

func (m *Metrics) buildInstruments() error {
	var err error

	if m.created, err = m.meter.Int64Counter(
		"navi_created_total",
		metric.WithDescription("Tasks created, by terminal or admission status"),
	); err != nil {
		return fmt.Errorf("create navi_created_total: %w", err)
	}
	if m.rpcRequests, err = m.meter.Int64Counter(
		"navi_rpc_requests_total",
		metric.WithDescription("RPC requests received, by method and status"),
	); err != nil {
		return fmt.Errorf("create navi_rpc_requests_total: %w", err)
	}
	if m.tokensConsumed, err = m.meter.Int64Counter(
		"navi_tokens_consumed_total",
		metric.WithDescription("Model tokens consumed, by direction and tool"),
	); err != nil {
		return fmt.Errorf("create navi_tokens_consumed_total: %w", err)
	}
	if m.cost, err = m.meter.Float64Counter(
		"navi_cost_total",
		metric.WithDescription("Accumulated model cost in USD, by tool"),
	); err != nil {
		return fmt.Errorf("create navi_cost_total: %w", err)
	}
	if m.sandboxes, err = m.meter.Int64Counter(
		"navi_sandboxes_created_total",
		metric.WithDescription("Sandboxes created, by backend"),
	); err != nil {
		return fmt.Errorf("create navi_sandboxes_created_total: %w", err)
	}
	if m.errorsTotal, err = m.meter.Int64Counter(
		"navi_errors_total",
		metric.WithDescription("Errors returned to clients, by method and kind"),
	); err != nil {
		return fmt.Errorf("create navi_errors_total: %w", err)
	}
	if m.activeTasks, err = m.meter.Int64UpDownCounter(
		"navi_active_tasks",
		metric.WithDescription("Tasks currently running"),
	); err != nil {
		return fmt.Errorf("create navi_active_tasks: %w", err)
	}
	if m.activeStreams, err = m.meter.Int64UpDownCounter(
		"navi_active_streams",
		metric.WithDescription("Open event streams, by transport"),
	); err != nil {
		return fmt.Errorf("create navi_active_streams: %w", err)
	}
	if m.utilization, err = m.meter.Float64Gauge(
		"navi_utilization",
		metric.WithDescription("Running tasks over max concurrency, 0..1"),
	); err != nil {
		return fmt.Errorf("create navi_utilization: %w", err)
	}
	if _, err = m.meter.Float64ObservableGauge(
		"navi_uptime_seconds",
		metric.WithDescription("Seconds since process start"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(time.Since(m.start).Seconds())
			return nil
		}),
	); err != nil {
		return fmt.Errorf("create navi_uptime_seconds: %w", err)
	}
	if m.execDuration, err = m.meter.Float64Histogram(
		"navi_task_execution_duration_seconds",
		metric.WithDescription("Wall time from dispatcher start to terminal state"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800),
	); err != nil {
		return fmt.Errorf("create navi_task_execution_duration_seconds: %w", err)
	}
	if m.queueWait, err = m.meter.Float64Histogram(
		"navi_task_queue_wait_duration_seconds",
		metric.WithDescription("Wait between task admission and dispatcher start"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15),
	); err != nil {
		return fmt.Errorf("create navi_task_queue_wait_duration_seconds: %w", err)
	}
	if m.rpcDuration, err = m.meter.Float64Histogram(
		"navi_rpc_request_duration_seconds",
		metric.WithDescription("RPC handler latency, by method"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return fmt.Errorf("create navi_rpc_request_duration_seconds: %w", err)
	}
	if m.taskSteps, err = m.meter.Int64Histogram(
		"navi_task_steps",
		metric.WithDescription("Steps executed per task"),
		metric.WithExplicitBucketBoundaries(1, 3, 5, 10, 20, 35, 50, 75, 100),
	); err != nil {
		return fmt.Errorf("create navi_task_steps: %w", err)
	}
	if m.taskLatency, err = m.meter.Float64Histogram(
		"navi_task_latency_seconds",
		metric.WithDescription("Latency of a single executed action"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30),
	); err != nil {
		return fmt.Errorf("create navi_task_latency_seconds: %w", err)
	}
	if m.toolDuration, err = m.meter.Float64Histogram(
		"navi_tool_call_duration_seconds",
		metric.WithDescription("Latency of one model tool call, by tool"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120),
	); err != nil {
		return fmt.Errorf("create navi_tool_call_duration_seconds: %w", err)
	}
	return nil
}

// startServer exposes /metrics for Prometheus scraping.
func (m *Metrics) startServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	async.Go(m.logger, "metrics-server", func() {
		m.logger.Info("Prometheus metrics listening on :%d", port)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error: %v", err)
		}
	})
}

// Shutdown stops the scrape server if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// TaskCreated counts one task admission outcome.
func (m *Metrics) TaskCreated(ctx context.Context, status string) {
	if m == nil || m.created == nil {
		return
	}
	m.created.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRPC counts one handled request and its latency.
func (m *Metrics) RecordRPC(ctx context.Context, method, status string, d time.Duration) {
	if m == nil || m.rpcRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)
	m.rpcRequests.Add(ctx, 1, attrs)
	m.rpcDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("method", method)))
}

// RecordError counts one client-visible error by method and kind.
func (m *Metrics) RecordError(ctx context.Context, method, kind string) {
	if m == nil || m.errorsTotal == nil {
		return
	}
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("kind", kind),
	))
}

// AddTokens accumulates model token usage for one tool call.
func (m *Metrics) AddTokens(ctx context.Context, tool string, input, output int) {
	if m == nil || m.tokensConsumed == nil {
		return
	}
	if input > 0 {
		m.tokensConsumed.Add(ctx, int64(input), metric.WithAttributes(
			attribute.String("type", "input"),
			attribute.String("tool", tool),
		))
	}
	if output > 0 {
		m.tokensConsumed.Add(ctx, int64(output), metric.WithAttributes(
			attribute.String("type", "output"),
			attribute.String("tool", tool),
		))
	}
}

// AddCost accumulates model cost for one tool call.
func (m *Metrics) AddCost(ctx context.Context, tool string, usd float64) {
	if m == nil || m.cost == nil || usd <= 0 {
		return
	}
	m.cost.Add(ctx, usd, metric.WithAttributes(attribute.String("tool", tool)))
}

// ObserveToolCall records one model tool call's round-trip latency.
func (m *Metrics) ObserveToolCall(ctx context.Context, tool string, d time.Duration) {
	if m == nil || m.toolDuration == nil {
		return
	}
	m.toolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// SandboxCreated counts one provisioned sandbox.
func (m *Metrics) SandboxCreated(ctx context.Context, backend string) {
	if m == nil || m.sandboxes == nil {
		return
	}
	m.sandboxes.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

// TaskStarted marks a task entering the running set and refreshes the
// utilization gauge.
func (m *Metrics) TaskStarted(ctx context.Context, running, capacity int) {
	if m == nil || m.activeTasks == nil {
		return
	}
	m.activeTasks.Add(ctx, 1)
	m.setUtilization(ctx, running, capacity)
}

// TaskEnded marks a task leaving the running set.
func (m *Metrics) TaskEnded(ctx context.Context, running, capacity int) {
	if m == nil || m.activeTasks == nil {
		return
	}
	m.activeTasks.Add(ctx, -1)
	m.setUtilization(ctx, running, capacity)
}

func (m *Metrics) setUtilization(ctx context.Context, running, capacity int) {
	if m.utilization == nil || capacity <= 0 {
		return
	}
	m.utilization.Record(ctx, float64(running)/float64(capacity))
}

// StreamOpened counts one attached event stream.
func (m *Metrics) StreamOpened(ctx context.Context, transport string) {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// StreamClosed counts one detached event stream.
func (m *Metrics) StreamClosed(ctx context.Context, transport string) {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(ctx, -1, metric.WithAttributes(attribute.String("transport", transport)))
}

// ObserveExecution records the terminal outcome of one task run.
func (m *Metrics) ObserveExecution(ctx context.Context, status string, d time.Duration, steps int) {
	if m == nil || m.execDuration == nil {
		return
	}
	m.execDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	m.taskSteps.Record(ctx, int64(steps), metric.WithAttributes(attribute.String("status", status)))
}

// ObserveQueueWait records how long a task sat between admission and start.
func (m *Metrics) ObserveQueueWait(ctx context.Context, d time.Duration) {
	if m == nil || m.queueWait == nil {
		return
	}
	m.queueWait.Record(ctx, d.Seconds())
}

// ObserveStepLatency records one executed action's device latency.
func (m *Metrics) ObserveStepLatency(ctx context.Context, d time.Duration) {
	if m == nil || m.taskLatency == nil {
		return
	}
	m.taskLatency.Record(ctx, d.Seconds())
}
