// Package batchworker implements the batch worker runner described in spec
// §4.12: it registers an engine instance, claims dispatch messages from its
// engine's queue, downloads task input, invokes the engine's typed process
// callback, uploads output, and publishes lifecycle events. Grounded on
// original_source/dalston/engine_sdk/runner.py.
package batchworker

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/ssarunic/dalston/internal/eventlog"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/objectstore"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/taskqueue"
	"github.com/ssarunic/dalston/internal/telemetry"
)

// ProcessResult is what an Engine returns for a successfully processed task:
// the typed stage output plus any named artifact bytes to upload alongside
// it (original_source's engine_sdk/io.py TaskOutput contract).
type ProcessResult struct {
	Output    model.StageOutputEnv
	Artifacts map[string][]byte
}

// Engine is the black-box ML inference boundary (spec §1: "engines are
// black boxes that consume typed input and produce typed output"). scratch
// is a directory owned by the task for its lifetime; the worker guarantees
// its removal on every exit path.
type Engine interface {
	Process(ctx context.Context, scratch string, input model.TaskInput) (ProcessResult, error)
}

// Worker runs one engine instance's batch processing loop (spec §4.12).
type Worker struct {
	instanceID string
	engineID   string
	stage      string
	caps       model.EngineCapabilities

	registry *registry.Registry
	queue    *taskqueue.Queue
	metadata *metadatastore.Store
	objects  objectstore.Store
	log      *eventlog.Log
	engine   Engine
	logger   telemetry.Logger

	currentTask atomic.Value // string
	processing  atomic.Bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger injects a logger.
func WithLogger(l telemetry.Logger) Option { return func(w *Worker) { w.logger = l } }

// New constructs a Worker for one engine instance.
func New(instanceID, engineID, stage string, caps model.EngineCapabilities, reg *registry.Registry, queue *taskqueue.Queue, metadata *metadatastore.Store, objects objectstore.Store, log *eventlog.Log, engine Engine, opts ...Option) *Worker {
	w := &Worker{
		instanceID: instanceID,
		engineID:   engineID,
		stage:      stage,
		caps:       caps,
		registry:   reg,
		queue:      queue,
		metadata:   metadata,
		objects:    objects,
		log:        log,
		engine:     engine,
		logger:     telemetry.NewNoopLogger(),
	}
	w.currentTask.Store("")
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run registers the instance, starts its heartbeat, and processes dispatch
// messages until ctx is cancelled. Besides its own fresh dispatches, the
// queue also feeds this instance any stale entries it claims from dead
// siblings of the same engine (spec §4.12 step 2a). When the delivery loop
// ends (including via ctx cancellation) the instance is unregistered — spec
// §4.12 step 3's graceful shutdown sequence. A failed Consume returns without
// unregistering.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.registry.Register(ctx, w.instanceID, w.engineID, w.stage, w.caps); err != nil {
		return fmt.Errorf("batchworker: register: %w", err)
	}

	hbCtx, cancelHB := context.WithCancel(context.Background())
	defer cancelHB()
	go w.registry.RunHeartbeat(hbCtx, w.instanceID, w.caps, w.status, w.currentTaskID)

	deliveries, err := w.queue.Consume(ctx, w.engineID, w.instanceID, w.registry)
	if err != nil {
		return fmt.Errorf("batchworker: consume: %w", err)
	}

	for d := range deliveries {
		w.process(ctx, d)
		// ACK unconditionally, regardless of processing outcome: durability
		// of outcome lives entirely in the event log, not in redelivery
		// (spec §4.12 key invariant).
		if err := d.Ack(ctx); err != nil {
			w.logger.Warn(ctx, "failed to ack dispatch message", "task_id", d.Message.TaskID, "err", err)
		}
	}

	if err := w.registry.Unregister(context.Background(), w.instanceID); err != nil {
		w.logger.Warn(ctx, "failed to unregister on shutdown", "instance_id", w.instanceID, "err", err)
	}
	return ctx.Err()
}

func (w *Worker) status() model.EngineInstanceStatus {
	if w.processing.Load() {
		return model.InstanceProcessing
	}
	return model.InstanceIdle
}

func (w *Worker) currentTaskID() string {
	return w.currentTask.Load().(string)
}

func (w *Worker) process(ctx context.Context, d taskqueue.Delivery) {
	msg := d.Message

	cancelled, err := w.metadata.IsCancelled(ctx, msg.JobID)
	if err != nil {
		w.logger.Warn(ctx, "cancellation check failed; proceeding", "task_id", msg.TaskID, "err", err)
	}
	if cancelled {
		w.logger.Info(ctx, "skipping dispatch for cancelled job", "task_id", msg.TaskID, "job_id", msg.JobID)
		return
	}
	if err := w.metadata.ClearWaiting(ctx, msg.TaskID); err != nil {
		w.logger.Debug(ctx, "clear waiting marker failed (non-fatal)", "task_id", msg.TaskID, "err", err)
	}

	rec, err := w.metadata.GetTask(ctx, msg.TaskID)
	if err != nil {
		w.logger.Error(ctx, "task metadata missing at claim time", "task_id", msg.TaskID, "err", err)
		return
	}

	w.currentTask.Store(msg.TaskID)
	w.processing.Store(true)
	defer func() {
		w.processing.Store(false)
		w.currentTask.Store("")
	}()

	if _, err := w.log.Append(ctx, model.DurableEvent{
		Type: model.EventTaskStarted, TaskID: msg.TaskID, JobID: msg.JobID, EngineID: w.engineID, Trace: rec.Trace,
	}); err != nil {
		w.logger.Error(ctx, "failed to publish task.started", "task_id", msg.TaskID, "err", err)
	}

	var input model.TaskInput
	if err := w.objects.GetJSON(ctx, objectstore.TaskInputKey(msg.JobID, msg.TaskID), &input); err != nil {
		w.fail(ctx, msg, rec, fmt.Errorf("download task input: %w", err))
		return
	}

	scratch, err := os.MkdirTemp("", "dalston-task-*")
	if err != nil {
		w.fail(ctx, msg, rec, fmt.Errorf("create scratch dir: %w", err))
		return
	}
	defer os.RemoveAll(scratch)

	start := time.Now()
	result, err := w.engine.Process(ctx, scratch, input)
	if err != nil {
		w.fail(ctx, msg, rec, err)
		return
	}
	elapsed := time.Since(start)

	if err := result.Output.Validate(); err != nil {
		w.fail(ctx, msg, rec, fmt.Errorf("engine produced invalid output: %w", err))
		return
	}

	artifactURIs := make(map[string]string, len(result.Artifacts))
	for name, data := range result.Artifacts {
		key := objectstore.TaskArtifactKey(msg.JobID, msg.TaskID, name)
		if err := w.objects.PutBytes(ctx, key, "application/octet-stream", data); err != nil {
			w.fail(ctx, msg, rec, fmt.Errorf("upload artifact %q: %w", name, err))
			return
		}
		artifactURIs[name] = key
	}

	output := model.TaskOutput{
		TaskID:                msg.TaskID,
		CompletedAt:           time.Now().UTC(),
		ProcessingTimeSeconds: elapsed.Seconds(),
		Data:                  result.Output,
		Artifacts:             artifactURIs,
	}
	if err := w.objects.PutJSON(ctx, objectstore.TaskOutputKey(msg.JobID, msg.TaskID), output); err != nil {
		w.fail(ctx, msg, rec, fmt.Errorf("upload task output: %w", err))
		return
	}

	if _, err := w.log.Append(ctx, model.DurableEvent{
		Type: model.EventTaskCompleted, TaskID: msg.TaskID, JobID: msg.JobID, EngineID: w.engineID, Trace: rec.Trace,
	}); err != nil {
		w.logger.Error(ctx, "failed to publish task.completed", "task_id", msg.TaskID, "err", err)
	}
}

func (w *Worker) fail(ctx context.Context, msg model.StreamMessage, rec metadatastore.TaskRecord, cause error) {
	w.logger.Warn(ctx, "task execution failed", "task_id", msg.TaskID, "job_id", msg.JobID, "err", cause)
	if _, err := w.log.Append(ctx, model.DurableEvent{
		Type: model.EventTaskFailed, TaskID: msg.TaskID, JobID: msg.JobID, EngineID: w.engineID, Error: cause.Error(), Trace: rec.Trace,
	}); err != nil {
		w.logger.Error(ctx, "failed to publish task.failed", "task_id", msg.TaskID, "err", err)
	}
}
