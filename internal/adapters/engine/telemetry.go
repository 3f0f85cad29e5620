package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/luna-badge/taskcore/internal/domain"
)

const defaultMeterName = "github.com/luna-badge/taskcore"

// telemetry mirrors the atomic ExecutionMetrics onto OpenTelemetry
// instruments. Without an installed provider every call is a no-op.
type telemetry struct {
	graphs       metric.Int64Counter
	nodes        metric.Int64Counter
	nodeDuration metric.Float64Histogram
	insertions   metric.Int64Counter
	watchdog     metric.Int64Counter
}

func newTelemetry(meter metric.Meter) *telemetry {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(defaultMeterName)
	}
	t := &telemetry{}
	t.graphs, _ = meter.Int64Counter("taskcore.graphs",
		metric.WithDescription("Task graphs reaching a terminal status"))
	t.nodes, _ = meter.Int64Counter("taskcore.nodes",
		metric.WithDescription("Executed nodes by status"))
	t.nodeDuration, _ = meter.Float64Histogram("taskcore.node.duration",
		metric.WithDescription("Node execution latency"),
		metric.WithUnit("ms"))
	t.insertions, _ = meter.Int64Counter("taskcore.insertions",
		metric.WithDescription("Insertion tasks by outcome"))
	t.watchdog, _ = meter.Int64Counter("taskcore.watchdog.terminations",
		metric.WithDescription("Graphs force-terminated for lack of progress"))
	return t
}

func (t *telemetry) graphFinished(ctx context.Context, status domain.GraphStatus, inserted bool) {
	if t.graphs == nil {
		return
	}
	t.graphs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.Bool("inserted", inserted),
	))
}

func (t *telemetry) nodeExecuted(ctx context.Context, result *domain.NodeResult, d time.Duration) {
	if result == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("node_type", string(result.NodeType)),
		attribute.String("status", string(result.Status)),
		attribute.Bool("mocked", result.Mocked),
	)
	if t.nodes != nil {
		t.nodes.Add(ctx, 1, attrs)
	}
	if t.nodeDuration != nil {
		t.nodeDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	}
}

func (t *telemetry) insertionEnded(ctx context.Context, outcome domain.InsertionStatus) {
	if t.insertions == nil {
		return
	}
	t.insertions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (t *telemetry) insertionRejected(ctx context.Context) {
	if t.insertions == nil {
		return
	}
	t.insertions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
}

func (t *telemetry) watchdogFired(ctx context.Context) {
	if t.watchdog == nil {
		return
	}
	t.watchdog.Add(ctx, 1)
}
