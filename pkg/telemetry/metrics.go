package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared across spans and metrics.
const (
	KeyRepoID    = "clonemgr.repo_id"
	KeyPeerID    = "clonemgr.peer_id"
	KeyState     = "clonemgr.state"
	KeyErrorKind = "clonemgr.error_kind"
	KeyJobKind   = "clonemgr.job_kind"
)

var meter = otel.Meter("clonemgr")
var tracer trace.Tracer

func initTracer() {
	tracer = otel.Tracer("clonemgr")
}

// Counter instruments
var (
	transitionsCounter metric.Int64Counter
	completionsCounter metric.Int64Counter
	errorsCounter       metric.Int64Counter
	cancelsCounter      metric.Int64Counter
)

// Histogram instruments
var (
	jobDurationHistogram   metric.Float64Histogram
	tickDurationHistogram  metric.Float64Histogram
)

func initMetrics() error {
	var err error

	if transitionsCounter, err = meter.Int64Counter(
		"clonemgr_task_transitions_total",
		metric.WithDescription("Total number of task state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return err
	}

	if completionsCounter, err = meter.Int64Counter(
		"clonemgr_job_completions_total",
		metric.WithDescription("Total number of collaborator job completions"),
		metric.WithUnit("{job}"),
	); err != nil {
		return err
	}

	if errorsCounter, err = meter.Int64Counter(
		"clonemgr_task_errors_total",
		metric.WithDescription("Total number of tasks that reached ERROR"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}

	if cancelsCounter, err = meter.Int64Counter(
		"clonemgr_task_cancels_total",
		metric.WithDescription("Total number of cancel_task requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if jobDurationHistogram, err = meter.Float64Histogram(
		"clonemgr_job_duration_seconds",
		metric.WithDescription("Duration of a collaborator job, by kind"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if tickDurationHistogram, err = meter.Float64Histogram(
		"clonemgr_watcher_tick_duration_seconds",
		metric.WithDescription("Duration of one connectivity watcher tick"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	return nil
}

// RecordTransition records that a task entered a new state. Safe to call
// whether or not telemetry is enabled.
func RecordTransition(repoID, state string) {
	if transitionsCounter == nil {
		return
	}
	transitionsCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String(KeyRepoID, repoID),
			attribute.String(KeyState, state),
		),
	)
}

// RecordCompletion records a collaborator job completion.
func RecordCompletion(jobKind string, ok bool) {
	if completionsCounter == nil {
		return
	}
	completionsCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String(KeyJobKind, jobKind),
			attribute.Bool("ok", ok),
		),
	)
}

// RecordError records that a task reached ERROR with the given kind.
func RecordError(repoID, errorKind string) {
	if errorsCounter == nil {
		return
	}
	errorsCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String(KeyRepoID, repoID),
			attribute.String(KeyErrorKind, errorKind),
		),
	)
}

// RecordCancel counts a cancel_task request; its outcome is not recorded.
func RecordCancel(repoID string) {
	if cancelsCounter == nil {
		return
	}
	cancelsCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String(KeyRepoID, repoID)),
	)
}

// RecordJobDuration records how long a collaborator job ran.
func RecordJobDuration(jobKind string, d time.Duration) {
	if jobDurationHistogram == nil {
		return
	}
	jobDurationHistogram.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.String(KeyJobKind, jobKind)),
	)
}

// RecordTickDuration records how long one watcher tick took to evaluate.
func RecordTickDuration(d time.Duration) {
	if tickDurationHistogram == nil {
		return
	}
	tickDurationHistogram.Record(context.Background(), d.Seconds())
}

// StartSpan starts a span for a collaborator call or tick. Returns a
// context carrying the span and the span itself; callers must End() it.
// Safe to call before Init (returns a no-op span in that case, since
// otel's global tracer defaults to a no-op implementation).
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	t := tracer
	if t == nil {
		t = otel.Tracer("clonemgr")
	}
	return t.Start(ctx, name)
}
