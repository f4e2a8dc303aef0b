// Package scheduler implements spec §4.9: given a ready task, it validates
// catalog and registry availability, persists the task metadata record and
// typed input blob, and appends the dispatch message to the engine's queue.
// Grounded on original_source/dalston/orchestrator/scheduler.py.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ssarunic/dalston/internal/catalog"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/objectstore"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/taskqueue"
	"github.com/ssarunic/dalston/internal/telemetry"
)

// UnavailableBehavior selects what happens when a task targets a stage with
// no running instance (spec §6: ENGINE_UNAVAILABLE_BEHAVIOR).
type UnavailableBehavior string

const (
	FailFast UnavailableBehavior = "fail_fast"
	Wait     UnavailableBehavior = "wait"
)

// metadataTTLBuffer is added on top of the retry-scaled timeout estimate so
// the record outlives the last possible retry attempt (scheduler.py: "+1 hour").
const metadataTTLBuffer = time.Hour

// EngineUnavailableError is returned when no instance of task.EngineID is
// currently heartbeating and the scheduler is configured to fail fast.
type EngineUnavailableError struct {
	EngineID string
	Stage    string
}

func (e *EngineUnavailableError) Error() string {
	return fmt.Sprintf("engine %q is not available: no healthy instance registered for stage %q", e.EngineID, e.Stage)
}

// Scheduler wires the metadata store, object store, task queue, catalog, and
// registry together to dispatch ready tasks (spec §4.9). All three store
// writes are best-effort serialized — a caller that observes a partial
// failure should retry the whole call; writes are idempotent at each step.
type Scheduler struct {
	metadata  *metadatastore.Store
	objects   objectstore.Store
	queue     *taskqueue.Queue
	catalog   *catalog.Catalog
	registry  *registry.Registry
	logger    telemetry.Logger
	behavior  UnavailableBehavior
	waitDeadline time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithUnavailableBehavior overrides the default FailFast policy.
func WithUnavailableBehavior(b UnavailableBehavior) Option {
	return func(s *Scheduler) { s.behavior = b }
}

// WithWaitDeadline overrides the wait window used to stamp the Deadline on a
// waiting task's marker (spec §6: ENGINE_WAIT_TIMEOUT_SECONDS). The deadline
// is only recorded; nothing in this module reads it back or fails a task
// whose deadline has passed.
func WithWaitDeadline(d time.Duration) Option { return func(s *Scheduler) { s.waitDeadline = d } }

// WithLogger injects a logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New constructs a Scheduler.
func New(metadata *metadatastore.Store, objects objectstore.Store, queue *taskqueue.Queue, cat *catalog.Catalog, reg *registry.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		metadata:     metadata,
		objects:      objects,
		queue:        queue,
		catalog:      cat,
		registry:     reg,
		logger:       telemetry.NewNoopLogger(),
		behavior:     FailFast,
		waitDeadline: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Input bundles everything Schedule needs beyond the task itself: previous
// stage outputs for the typed input envelope, and the prepare-stage-only
// media descriptor.
type Input struct {
	PreviousOutputs map[string]model.StageOutputEnv
	Media           *model.MediaDescriptor
	RequestID       string
	Trace           *model.TraceContext
}

// Schedule dispatches a ready task per spec §4.9's five steps.
func (s *Scheduler) Schedule(ctx context.Context, task model.Task, in Input) error {
	language := taskLanguage(task)

	if task.Stage == model.StageTranscribe && language != "" {
		if err := s.catalog.ValidateLanguageSupport(string(task.Stage), language); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	waiting, err := s.checkAvailability(ctx, task)
	if err != nil {
		return err
	}

	ttl := s.taskTTL(task)
	rec := metadatastore.TaskRecord{
		JobID:      task.JobID,
		Stage:      string(task.Stage),
		EngineID:   task.EngineID,
		EnqueuedAt: time.Now().UTC(),
		Trace:      in.Trace,
		RequestID:  in.RequestID,
	}
	if err := s.metadata.PutTask(ctx, task.ID, rec, ttl); err != nil {
		return fmt.Errorf("scheduler: store task metadata for %q: %w", task.ID, err)
	}

	if waiting {
		if err := s.metadata.MarkWaiting(ctx, metadatastore.WaitingEntry{
			TaskID:     task.ID,
			EngineID:   task.EngineID,
			EnqueuedAt: time.Now().UTC(),
			Deadline:   time.Now().UTC().Add(s.waitDeadline),
		}); err != nil {
			s.logger.Warn(ctx, "failed to record waiting-for-engine marker", "task_id", task.ID, "err", err)
		}
		s.logger.Info(ctx, "engine-needed", "engine_id", task.EngineID, "stage", task.Stage, "task_id", task.ID)
	}

	if err := s.writeTaskInput(ctx, task, in); err != nil {
		return fmt.Errorf("scheduler: write task input for %q: %w", task.ID, err)
	}

	msg := model.StreamMessage{
		TaskID:         task.ID,
		JobID:          task.JobID,
		EnqueuedAt:     time.Now().UTC(),
		IdempotencyKey: task.IdempotencyKey,
		Trace:          in.Trace,
	}
	if _, err := s.queue.Enqueue(ctx, task.EngineID, msg); err != nil {
		return fmt.Errorf("scheduler: enqueue dispatch for %q: %w", task.ID, err)
	}

	s.logger.Info(ctx, "task_queued", "task_id", task.ID, "job_id", task.JobID, "engine_id", task.EngineID, "stage", task.Stage)
	return nil
}

// checkAvailability validates step 2: is any instance of task.EngineID
// currently live? Returns waiting=true when the scheduler's policy is Wait
// and no instance is available (the task is still enqueued, per spec §4.9
// step 2).
func (s *Scheduler) checkAvailability(ctx context.Context, task model.Task) (waiting bool, err error) {
	candidates, err := s.registry.ListForStage(ctx, string(task.Stage))
	if err != nil {
		return false, fmt.Errorf("scheduler: list candidates for stage %q: %w", task.Stage, err)
	}
	for _, c := range candidates {
		if c.EngineID == task.EngineID {
			return false, nil
		}
	}
	if s.behavior == Wait {
		return true, nil
	}
	return false, &EngineUnavailableError{EngineID: task.EngineID, Stage: string(task.Stage)}
}

// taskTTL computes the metadata record TTL: base timeout (already stored on
// the task by the DAG builder) scaled by (max_retries+1) plus a buffer, per
// scheduler.py's queue_task.
func (s *Scheduler) taskTTL(task model.Task) time.Duration {
	retryFactor := task.MaxRetries + 1
	if retryFactor < 1 {
		retryFactor = 1
	}
	return task.Timeout*time.Duration(retryFactor) + metadataTTLBuffer
}

// writeTaskInput builds and writes the typed input.json envelope (spec §4.9
// step 4). The prepare stage carries the full media descriptor; every other
// stage carries just the upstream audio URI.
func (s *Scheduler) writeTaskInput(ctx context.Context, task model.Task, in Input) error {
	input := model.TaskInput{
		TaskID:          task.ID,
		JobID:           task.JobID,
		PreviousOutputs: in.PreviousOutputs,
		Config:          task.Config,
	}
	if task.Stage == model.StagePrepare && in.Media != nil {
		input.Media = in.Media
	} else {
		input.AudioURI = task.InputURI
	}
	key := objectstore.TaskInputKey(task.JobID, task.ID)
	return s.objects.PutJSON(ctx, key, input)
}

// taskLanguage extracts the normalized language requirement from a task's
// config, treating "auto" as "no constraint" (scheduler.py's queue_task).
func taskLanguage(task model.Task) string {
	if task.Config == nil {
		return ""
	}
	raw, ok := task.Config["language"]
	if !ok {
		return ""
	}
	lang, ok := raw.(string)
	if !ok || lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}
