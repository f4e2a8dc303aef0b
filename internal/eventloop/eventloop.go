// Package eventloop implements the event loop / reconciler described in
// spec §4.10: the single authoritative consumer of the durable event log
// that transitions task and job state, resolves dependencies, and invokes
// the scheduler for newly-ready descendants. Grounded on the teacher's
// central event-loop/reconciler goroutine structure (a single Run(ctx)
// pumping one durable stream) and, for the scheduling it triggers on newly
// ready tasks, original_source/dalston/orchestrator/scheduler.py's
// queue_task.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ssarunic/dalston/internal/eventlog"
	"github.com/ssarunic/dalston/internal/jobstore"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/objectstore"
	"github.com/ssarunic/dalston/internal/scheduler"
	"github.com/ssarunic/dalston/internal/taskqueue"
	"github.com/ssarunic/dalston/internal/telemetry"
)

// Reconciler is the single authoritative consumer of the durable event log
// (spec §4.10). Exactly one instance's Run loop should be active at a time
// per spec §2's "single active orchestrator" non-goal.
type Reconciler struct {
	log       *eventlog.Log
	jobs      *jobstore.Store
	metadata  *metadatastore.Store
	objects   objectstore.Store
	queue     *taskqueue.Queue
	scheduler *scheduler.Scheduler
	logger    telemetry.Logger
}

// New constructs a Reconciler.
func New(log *eventlog.Log, jobs *jobstore.Store, metadata *metadatastore.Store, objects objectstore.Store, queue *taskqueue.Queue, sched *scheduler.Scheduler, logger telemetry.Logger) *Reconciler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Reconciler{log: log, jobs: jobs, metadata: metadata, objects: objects, queue: queue, scheduler: sched, logger: logger}
}

// Run subscribes to the durable event log and processes events strictly
// sequentially (spec §5: "the event loop processes events strictly
// sequentially within the orchestrator group") until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	deliveries, sink, err := r.log.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("eventloop: subscribe: %w", err)
	}
	defer sink.Close(ctx)

	for d := range deliveries {
		if err := r.HandleEvent(ctx, d.Event); err != nil {
			r.logger.Error(ctx, "event processing failed", "event_type", d.Event.Type, "task_id", d.Event.TaskID, "err", err)
		}
		if err := sink.Ack(ctx, d.Raw); err != nil {
			r.logger.Warn(ctx, "failed to ack durable event", "event_type", d.Event.Type, "task_id", d.Event.TaskID, "err", err)
		}
	}
	return ctx.Err()
}

// HandleEvent applies a single durable event's state transition. It is
// exported so the sweeper can feed synthesized events through the identical
// code path (spec §4.11: "synthesize the missing event").
func (r *Reconciler) HandleEvent(ctx context.Context, ev model.DurableEvent) error {
	switch ev.Type {
	case model.EventTaskStarted:
		return r.handleStarted(ctx, ev)
	case model.EventTaskCompleted:
		return r.handleCompleted(ctx, ev)
	case model.EventTaskFailed:
		return r.handleFailed(ctx, ev)
	default:
		return fmt.Errorf("eventloop: unknown event type %q", ev.Type)
	}
}

func (r *Reconciler) handleStarted(ctx context.Context, ev model.DurableEvent) error {
	task, err := r.jobs.GetTask(ctx, ev.TaskID)
	if err != nil {
		return fmt.Errorf("eventloop: task.started for unknown task %q: %w", ev.TaskID, err)
	}
	if task.Status.Terminal() {
		// Already resolved (e.g. by the sweeper); a late task.started from a
		// dead-worker retry is absorbed rather than regressing state.
		return nil
	}
	task.Status = model.TaskRunning
	task.EngineID = ev.EngineID
	task.UpdatedAt = time.Now().UTC()
	return r.jobs.PutTask(ctx, task)
}

func (r *Reconciler) handleCompleted(ctx context.Context, ev model.DurableEvent) error {
	task, err := r.jobs.GetTask(ctx, ev.TaskID)
	if err != nil {
		return fmt.Errorf("eventloop: task.completed for unknown task %q: %w", ev.TaskID, err)
	}
	if task.Status == model.TaskCompleted {
		// Duplicate completion (at-least-once delivery, or sweeper
		// recovering a task the loop already processed): absorbed
		// idempotently, no state effect (spec §8).
		return nil
	}
	task.Status = model.TaskCompleted
	task.OutputURI = objectstore.TaskOutputKey(task.JobID, task.ID)
	task.UpdatedAt = time.Now().UTC()
	if err := r.jobs.PutTask(ctx, task); err != nil {
		return fmt.Errorf("eventloop: persist completed task %q: %w", task.ID, err)
	}

	job, err := r.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("eventloop: completed task %q references unknown job %q: %w", task.ID, task.JobID, err)
	}

	if err := r.scheduleReadyDescendants(ctx, job, task); err != nil {
		r.logger.Error(ctx, "failed to schedule descendants", "task_id", task.ID, "job_id", job.ID, "err", err)
	}

	return r.maybeFinalizeJob(ctx, job)
}

func (r *Reconciler) handleFailed(ctx context.Context, ev model.DurableEvent) error {
	task, err := r.jobs.GetTask(ctx, ev.TaskID)
	if err != nil {
		return fmt.Errorf("eventloop: task.failed for unknown task %q: %w", ev.TaskID, err)
	}
	if task.Status.Terminal() {
		return nil
	}

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = model.TaskQueued
		task.UpdatedAt = time.Now().UTC()
		task.IdempotencyKey = fmt.Sprintf("retry:%s:%d", task.ID, task.RetryCount)
		if err := r.jobs.PutTask(ctx, task); err != nil {
			return fmt.Errorf("eventloop: persist retrying task %q: %w", task.ID, err)
		}
		msg := model.StreamMessage{TaskID: task.ID, JobID: task.JobID, IdempotencyKey: task.IdempotencyKey}
		if _, err := r.queue.Enqueue(ctx, task.EngineID, msg); err != nil {
			return fmt.Errorf("eventloop: re-enqueue retry for task %q: %w", task.ID, err)
		}
		r.logger.Info(ctx, "task retrying", "task_id", task.ID, "attempt", task.RetryCount, "max_retries", task.MaxRetries)
		return nil
	}

	task.Status = model.TaskFailed
	task.UpdatedAt = time.Now().UTC()
	if err := r.jobs.PutTask(ctx, task); err != nil {
		return fmt.Errorf("eventloop: persist failed task %q: %w", task.ID, err)
	}

	job, err := r.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("eventloop: failed task %q references unknown job %q: %w", task.ID, task.JobID, err)
	}
	if !job.Terminal() {
		job.Status = model.JobFailed
		if job.Error == "" {
			job.Error = ev.Error
		}
		job.UpdatedAt = time.Now().UTC()
		if err := r.jobs.PutJob(ctx, job); err != nil {
			return fmt.Errorf("eventloop: finalize failed job %q: %w", job.ID, err)
		}
		r.logger.Info(ctx, "job failed", "job_id", job.ID, "task_id", task.ID, "error", job.Error)
	}
	return nil
}

// scheduleReadyDescendants finds every task in job whose entire dependency
// set is now COMPLETED and enqueues it (spec §4.10: "task.completed"). A
// cancelling/cancelled job is skipped: no new dispatch is produced for it
// (spec §4.10 "Cancellation").
func (r *Reconciler) scheduleReadyDescendants(ctx context.Context, job model.Job, completedTask model.Task) error {
	if job.Status == model.JobCancelling || job.Status == model.JobCancelled {
		return nil
	}

	tasks, err := r.jobs.ListTasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list tasks for job %q: %w", job.ID, err)
	}
	completed := make(map[string]bool, len(tasks))
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		if t.Status == model.TaskCompleted {
			completed[t.ID] = true
		}
	}

	var firstErr error
	for _, t := range tasks {
		if t.Status != model.TaskPending {
			continue
		}
		if !t.DependenciesSatisfied(completed) {
			continue
		}
		t.Status = model.TaskReady
		t.UpdatedAt = time.Now().UTC()

		prevOutputs, err := r.gatherPreviousOutputs(ctx, t, byID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := r.scheduler.Schedule(ctx, t, scheduler.Input{PreviousOutputs: prevOutputs}); err != nil {
			r.logger.Error(ctx, "failed to schedule ready descendant", "task_id", t.ID, "job_id", job.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		t.Status = model.TaskQueued
		if err := r.jobs.PutTask(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// gatherPreviousOutputs reads every dependency's typed output blob so the
// descendant's input.json can carry them verbatim (spec §4.9 step 4,
// §6 input blob shape).
func (r *Reconciler) gatherPreviousOutputs(ctx context.Context, t model.Task, byID map[string]model.Task) (map[string]model.StageOutputEnv, error) {
	out := make(map[string]model.StageOutputEnv, len(t.DependsOn))
	for _, depID := range t.DependsOn {
		dep, ok := byID[depID]
		if !ok {
			return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, depID)
		}
		var env model.TaskOutput
		key := objectstore.TaskOutputKey(dep.JobID, dep.ID)
		if err := r.objects.GetJSON(ctx, key, &env); err != nil {
			return nil, fmt.Errorf("read output of dependency %q: %w", depID, err)
		}
		out[dep.StageName] = env.Data
	}
	return out, nil
}

// maybeFinalizeJob marks job COMPLETED once every one of its tasks has
// reached COMPLETED (spec §4.10: "when all tasks of a job are COMPLETED,
// finalize the job and enqueue webhook delivery"). Webhook delivery itself
// is out of scope (spec §1); this logs the hand-off point instead.
func (r *Reconciler) maybeFinalizeJob(ctx context.Context, job model.Job) error {
	if job.Terminal() {
		return nil
	}
	tasks, err := r.jobs.ListTasks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list tasks for job %q: %w", job.ID, err)
	}
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if t.Status != model.TaskCompleted {
			return nil
		}
	}
	job.Status = model.JobCompleted
	job.UpdatedAt = time.Now().UTC()
	if err := r.jobs.PutJob(ctx, job); err != nil {
		return fmt.Errorf("finalize completed job %q: %w", job.ID, err)
	}
	r.logger.Info(ctx, "job completed", "job_id", job.ID)
	if job.Parameters.WebhookURL != "" {
		r.logger.Info(ctx, "webhook delivery enqueued", "job_id", job.ID, "url", job.Parameters.WebhookURL)
	}
	return nil
}

// RequestCancellation transitions job to CANCELLING and sets the
// cancellation sentinel workers check at dequeue time (spec §4.10
// "Cancellation"). In-flight tasks complete or fail naturally; this call
// only prevents new work from starting.
func (r *Reconciler) RequestCancellation(ctx context.Context, jobID string) error {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("eventloop: cancel unknown job %q: %w", jobID, err)
	}
	if job.Terminal() {
		return errors.New("eventloop: cannot cancel a job already in a terminal state")
	}
	job.Status = model.JobCancelling
	job.UpdatedAt = time.Now().UTC()
	if err := r.jobs.PutJob(ctx, job); err != nil {
		return err
	}
	return r.metadata.SetCancelled(ctx, jobID)
}
