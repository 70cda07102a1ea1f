package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskwire spans and metrics.
var (
	AttrWorkspace  = attribute.Key("taskwire.workspace")
	AttrChannel    = attribute.Key("taskwire.channel")
	AttrTaskID     = attribute.Key("taskwire.task.id")
	AttrEventType  = attribute.Key("taskwire.event.type")
	AttrStatus     = attribute.Key("taskwire.task.status")
	AttrSyncReason = attribute.Key("taskwire.sync.reason")
)

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	EnvelopesReceived metric.Int64Counter
	ReconcileDuration metric.Float64Histogram
	ReconcileErrors   metric.Int64Counter
	TaskTransitions   metric.Int64Counter
	SyncDuration      metric.Float64Histogram
	ActiveWorkspaces  metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EnvelopesReceived, err = meter.Int64Counter("taskwire.envelopes.received",
		metric.WithDescription("Socket Mode envelopes received"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileDuration, err = meter.Float64Histogram("taskwire.reconcile.duration",
		metric.WithDescription("Reconcile pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileErrors, err = meter.Int64Counter("taskwire.reconcile.errors",
		metric.WithDescription("Reconcile passes that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("taskwire.task.transitions",
		metric.WithDescription("Task status transitions recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDuration, err = meter.Float64Histogram("taskwire.sync.duration",
		metric.WithDescription("Sync pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkspaces, err = meter.Int64UpDownCounter("taskwire.workspaces.active",
		metric.WithDescription("Workspace connections currently supervised"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound gateway call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
