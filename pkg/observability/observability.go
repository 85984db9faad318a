// Package observability exposes the kernel's health as OpenTelemetry
// metrics. Metrics only: the kernel has no RPC surface to trace, and the
// event log already is the audit trail.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/emergent-labs/agora/pkg/eventlog"
)

// Metrics holds the kernel instruments.
type Metrics struct {
	EventsAppended      metric.Int64Counter
	PermissionDecisions metric.Int64Counter
	WorkerPauses        metric.Int64Counter
	PrimitiveDuration   metric.Float64Histogram
}

// NewMetrics creates the instruments on the given meter; pass
// otel.Meter("agora") in production and a manual-reader meter in tests.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.EventsAppended, err = meter.Int64Counter("agora.events.appended",
		metric.WithDescription("Events committed to the log"),
	); err != nil {
		return nil, fmt.Errorf("observability: events counter: %w", err)
	}
	if m.PermissionDecisions, err = meter.Int64Counter("agora.permission.decisions",
		metric.WithDescription("Permission engine verdicts"),
	); err != nil {
		return nil, fmt.Errorf("observability: decisions counter: %w", err)
	}
	if m.WorkerPauses, err = meter.Int64Counter("agora.worker.pauses",
		metric.WithDescription("Workers entering the paused state"),
	); err != nil {
		return nil, fmt.Errorf("observability: pauses counter: %w", err)
	}
	if m.PrimitiveDuration, err = meter.Float64Histogram("agora.primitive.duration",
		metric.WithDescription("Kernel primitive latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("observability: duration histogram: %w", err)
	}
	return m, nil
}

// Default creates Metrics on the global meter provider.
func Default() (*Metrics, error) {
	return NewMetrics(otel.Meter("agora"))
}

// RecordPrimitive records one primitive's latency.
func (m *Metrics) RecordPrimitive(ctx context.Context, op string, start time.Time) {
	m.PrimitiveDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("op", op)))
}

// Recorder tails the event log and feeds the instruments, so counting
// needs no hooks inside the kernel.
type Recorder struct {
	metrics *Metrics
	log     *eventlog.Log
	sub     *eventlog.Subscription
	logger  *slog.Logger
	done    chan struct{}
}

// NewRecorder subscribes to the log and starts counting. Close to stop.
func NewRecorder(log *eventlog.Log, metrics *Metrics) *Recorder {
	r := &Recorder{
		metrics: metrics,
		log:     log,
		sub:     log.Subscribe(nil, 256),
		logger:  slog.Default().With("component", "observability"),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for e := range r.sub.Events() {
		r.metrics.EventsAppended.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", e.Type)))
		switch e.Type {
		case eventlog.TypePermissionDecision:
			allowed, _ := e.Data["allowed"].(bool)
			r.metrics.PermissionDecisions.Add(ctx, 1,
				metric.WithAttributes(attribute.Bool("allowed", allowed)))
		case eventlog.TypeAgentStateChange:
			if to, _ := e.Data["to"].(string); to == "paused" {
				r.metrics.WorkerPauses.Add(ctx, 1,
					metric.WithAttributes(attribute.String("principal", e.Principal)))
			}
		}
	}
	if dropped := r.sub.Dropped(); dropped > 0 {
		r.logger.Warn("metric recorder fell behind", "dropped", dropped)
	}
}

// Close detaches from the log and waits for the drain.
func (r *Recorder) Close() {
	r.log.Unsubscribe(r.sub)
	<-r.done
}
