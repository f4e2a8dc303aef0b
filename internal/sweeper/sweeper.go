// Package sweeper implements the periodic reconciler described in spec
// §4.11: it detects tasks stranded by dual-write inconsistency between the
// durable event log and the output store, synthesizes the missing event,
// and resolves cancellation short-circuits. It also has a reap path
// (maybeReap) for terminal records past their grace window, but Sweep only
// visits jobs in the active index, which a job leaves as soon as it turns
// terminal, so that path does not run from Sweep; terminal records expire
// through their Redis TTL instead. Grounded on the teacher's pool.Ticker-driven background sweep
// goroutine; original_source has no standalone sweeper, since the original
// has no durable event log to reconcile against in the first place.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/ssarunic/dalston/internal/eventloop"
	"github.com/ssarunic/dalston/internal/jobstore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/objectstore"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/telemetry"
)

// DefaultInterval is how often the sweeper scans (spec §4.11: "~30s").
const DefaultInterval = 30 * time.Second

// DefaultStrandedThreshold is how long a task may sit with no status update
// before it is considered stranded and worth reconciling.
const DefaultStrandedThreshold = 2 * time.Minute

// DefaultReapGrace is how long a terminal job's tasks linger after
// finalization before their metadata records are deleted.
const DefaultReapGrace = 24 * time.Hour

// Sweeper is the periodic reconciliation scan.
type Sweeper struct {
	jobs              *jobstore.Store
	objects           objectstore.Store
	registry          *registry.Registry
	reconciler        *eventloop.Reconciler
	logger            telemetry.Logger
	interval          time.Duration
	strandedThreshold time.Duration
	reapGrace         time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option { return func(s *Sweeper) { s.interval = d } }

// WithStrandedThreshold overrides DefaultStrandedThreshold.
func WithStrandedThreshold(d time.Duration) Option { return func(s *Sweeper) { s.strandedThreshold = d } }

// WithReapGrace overrides DefaultReapGrace.
func WithReapGrace(d time.Duration) Option { return func(s *Sweeper) { s.reapGrace = d } }

// WithLogger injects a logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Sweeper) { s.logger = l } }

// New constructs a Sweeper.
func New(jobs *jobstore.Store, objects objectstore.Store, reg *registry.Registry, reconciler *eventloop.Reconciler, opts ...Option) *Sweeper {
	s := &Sweeper{
		jobs:              jobs,
		objects:           objects,
		registry:          reg,
		reconciler:        reconciler,
		logger:            telemetry.NewNoopLogger(),
		interval:          DefaultInterval,
		strandedThreshold: DefaultStrandedThreshold,
		reapGrace:         DefaultReapGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks every s.interval, invoking Sweep, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error(ctx, "sweep failed", "err", err)
			}
		}
	}
}

// Sweep performs one scan across every active job.
func (s *Sweeper) Sweep(ctx context.Context) error {
	jobIDs, err := s.jobs.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("sweeper: list active jobs: %w", err)
	}
	for _, jobID := range jobIDs {
		if err := s.sweepJob(ctx, jobID); err != nil {
			s.logger.Error(ctx, "sweep job failed", "job_id", jobID, "err", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job %q: %w", jobID, err)
	}
	tasks, err := s.jobs.ListTasks(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list tasks for job %q: %w", jobID, err)
	}

	now := time.Now().UTC()
	allTerminal := true
	for _, t := range tasks {
		if t.Status.Terminal() {
			if job.Terminal() {
				s.maybeReap(ctx, t)
			}
			continue
		}
		if job.Status == model.JobCancelling && t.Status != model.TaskRunning {
			// Dispatched-but-not-running work for a cancelling job becomes a
			// no-op at claim time (spec §4.10); the sweeper reflects that in
			// the task record so the job can finalize.
			s.cancelTask(ctx, t)
			continue
		}
		allTerminal = false
		if now.Sub(t.UpdatedAt) < s.strandedThreshold {
			continue
		}
		if err := s.reconcileStranded(ctx, t); err != nil {
			s.logger.Error(ctx, "reconcile stranded task failed", "task_id", t.ID, "err", err)
		}
	}

	if job.Status == model.JobCancelling && allTerminal {
		return s.finalizeCancelled(ctx, job)
	}
	return nil
}

// reconcileStranded implements spec §4.11's core check: a task with no
// recent update is either actually done (a canonical output.json exists —
// its completion event was lost) or genuinely dead (no output, and no
// instance heartbeat currently claims it).
func (s *Sweeper) reconcileStranded(ctx context.Context, t model.Task) error {
	key := objectstore.TaskOutputKey(t.JobID, t.ID)
	exists, err := s.objects.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check output for task %q: %w", t.ID, err)
	}
	if exists {
		s.logger.Info(ctx, "sweeper recovered completed task from output store", "task_id", t.ID, "job_id", t.JobID)
		return s.reconciler.HandleEvent(ctx, model.DurableEvent{
			Type:      model.EventTaskCompleted,
			TaskID:    t.ID,
			JobID:     t.JobID,
			EngineID:  t.EngineID,
			Timestamp: time.Now().UTC(),
		})
	}

	if s.instanceStillClaims(ctx, t) {
		// A live instance's heartbeat still references this task; give it
		// more time rather than failing it prematurely.
		return nil
	}

	s.logger.Warn(ctx, "sweeper marking stranded task failed: no output, no live claim", "task_id", t.ID, "job_id", t.JobID)
	return s.reconciler.HandleEvent(ctx, model.DurableEvent{
		Type:      model.EventTaskFailed,
		TaskID:    t.ID,
		JobID:     t.JobID,
		EngineID:  t.EngineID,
		Error:     "stranded: no completion event and no live worker claim",
		Timestamp: time.Now().UTC(),
	})
}

func (s *Sweeper) instanceStillClaims(ctx context.Context, t model.Task) bool {
	if t.EngineID == "" {
		return false
	}
	instances, err := s.registry.ListForStage(ctx, string(t.Stage))
	if err != nil {
		return false
	}
	for _, inst := range instances {
		if inst.CurrentTask == t.ID {
			return true
		}
	}
	return false
}

// cancelTask transitions a dispatched-but-not-running task directly to
// CANCELLED. Unlike reconcileStranded this is not a recovery of lost state:
// it is the expected outcome for a job the caller asked to cancel.
func (s *Sweeper) cancelTask(ctx context.Context, t model.Task) {
	t.Status = model.TaskCancelled
	t.UpdatedAt = time.Now().UTC()
	if err := s.jobs.PutTask(ctx, t); err != nil {
		s.logger.Error(ctx, "failed to mark task cancelled", "task_id", t.ID, "err", err)
	}
}

func (s *Sweeper) finalizeCancelled(ctx context.Context, job model.Job) error {
	job.Status = model.JobCancelled
	job.UpdatedAt = time.Now().UTC()
	if err := s.jobs.PutJob(ctx, job); err != nil {
		return fmt.Errorf("finalize cancelled job %q: %w", job.ID, err)
	}
	s.logger.Info(ctx, "job cancelled", "job_id", job.ID)
	return nil
}

// maybeReap deletes a terminal task's metadata record once its job has also
// reached a terminal state and reapGrace has elapsed since the task's last
// update (spec §3: "after a terminal state the metadata record may be
// reaped").
func (s *Sweeper) maybeReap(ctx context.Context, t model.Task) {
	if time.Since(t.UpdatedAt) < s.reapGrace {
		return
	}
	if err := s.jobs.DeleteTask(ctx, t); err != nil {
		s.logger.Warn(ctx, "failed to reap terminal task", "task_id", t.ID, "err", err)
	}
}
