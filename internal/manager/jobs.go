package manager

import (
	"context"
	"time"

	"github.com/cloneforge/clonemgr/pkg/telemetry"
)

// pendingJob is a job waiting for the backpressure controller to free a
// slot. Queued jobs are drained on every completion event (dispatcher.go),
// since a completion is always preceded by the WorkerFinished call that
// freed the slot draining depends on.
type pendingJob struct {
	kind  jobKind
	start func()
}

// runJob admits a job once the backpressure controller has a free slot,
// queuing it otherwise. start must call m.bp.WorkerStarted() exactly once,
// synchronously, before doing any work, and m.bp.WorkerFinished() exactly
// once when the job completes, however it completes -- a blocking worker
// goroutine's return or an async collaborator callback. Every job kind the
// backpressure controller bounds (INDEX, MERGE, CHECKOUT) must be launched
// through runJob, not around it, or CanSpawn's ceiling never actually
// bounds it.
func (m *Manager) runJob(ctx context.Context, repoID string, kind jobKind, start func()) {
	if !m.bp.CanSpawn() {
		m.pending = append(m.pending, pendingJob{kind: kind, start: start})
		return
	}
	start()
}

// drainPending launches as many queued jobs as the backpressure controller
// currently allows. Called after every completion dispatch.
func (m *Manager) drainPending(ctx context.Context) {
	for len(m.pending) > 0 && m.bp.CanSpawn() {
		job := m.pending[0]
		m.pending = m.pending[1:]
		job.start()
	}
}

// runBlockingJob wraps a synchronous collaborator call (INDEX, MERGE) as a
// runJob start closure: it spawns the worker goroutine, times work, reports
// the outcome to the backpressure controller, and forwards the completion.
func (m *Manager) runBlockingJob(ctx context.Context, repoID string, kind jobKind, work func() completionEvent) {
	m.runJob(ctx, repoID, kind, func() {
		m.bp.WorkerStarted()
		go func() {
			start := time.Now()
			ce := work()
			elapsed := time.Since(start)
			m.bp.WorkerFinished()
			m.bp.ReportResult(ce.ok, ce.err, elapsed)
			telemetry.RecordJobDuration(string(kind), elapsed)
			telemetry.RecordCompletion(string(kind), ce.ok)
			select {
			case m.completes <- ce:
			case <-ctx.Done():
			}
		}()
	})
}
