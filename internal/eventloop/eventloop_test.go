package eventloop_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/catalog"
	"github.com/ssarunic/dalston/internal/dalstontest"
	"github.com/ssarunic/dalston/internal/eventloop"
	"github.com/ssarunic/dalston/internal/jobstore"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/objectstore"
	"github.com/ssarunic/dalston/internal/pulseclient"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/scheduler"
	"github.com/ssarunic/dalston/internal/taskqueue"
)

func setup(t *testing.T) (*eventloop.Reconciler, *jobstore.Store, *registry.Registry, objectstore.Store) {
	t.Helper()
	rdb := dalstontest.GetRedis(t)
	pulse, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	require.NoError(t, err)

	cat, err := catalog.Load("../catalog/testdata/catalog.yaml")
	require.NoError(t, err)

	metadata := metadatastore.New(rdb)
	jobs := jobstore.New(rdb)
	objects := objectstore.NewMemoryStore()
	queue := taskqueue.New(pulse, rdb, nil)
	reg := registry.New(metadata)
	sched := scheduler.New(metadata, objects, queue, cat, reg)

	return eventloop.New(nil, jobs, metadata, objects, queue, sched, nil), jobs, reg, objects
}

func putJob(t *testing.T, jobs *jobstore.Store, job model.Job) {
	t.Helper()
	require.NoError(t, jobs.PutJob(context.Background(), job))
}

func putTask(t *testing.T, jobs *jobstore.Store, task model.Task) {
	t.Helper()
	require.NoError(t, jobs.PutTask(context.Background(), task))
}

func TestHandleStartedTransitionsTaskToRunning(t *testing.T) {
	r, jobs, _, _ := setup(t)
	ctx := context.Background()

	putJob(t, jobs, model.Job{ID: "job-1", Status: model.JobRunning})
	putTask(t, jobs, model.Task{ID: "t-1", JobID: "job-1", Status: model.TaskQueued, EngineID: "preparer"})

	require.NoError(t, r.HandleEvent(ctx, model.DurableEvent{Type: model.EventTaskStarted, TaskID: "t-1", JobID: "job-1", EngineID: "preparer"}))

	task, err := jobs.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status)
}

func TestHandleStartedAbsorbsLateEventAfterTerminal(t *testing.T) {
	r, jobs, _, _ := setup(t)
	ctx := context.Background()

	putJob(t, jobs, model.Job{ID: "job-2", Status: model.JobRunning})
	putTask(t, jobs, model.Task{ID: "t-2", JobID: "job-2", Status: model.TaskCompleted})

	require.NoError(t, r.HandleEvent(ctx, model.DurableEvent{Type: model.EventTaskStarted, TaskID: "t-2", JobID: "job-2"}))

	task, err := jobs.GetTask(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status, "a late task.started must not regress a terminal task")
}

func TestHandleCompletedSchedulesReadyDescendantAndFinalizesJob(t *testing.T) {
	r, jobs, reg, objects := setup(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "inst-merge", "merger", "merge", model.EngineCapabilities{EngineID: "merger", Stages: []string{"merge"}})
	require.NoError(t, err)

	putJob(t, jobs, model.Job{ID: "job-3", Status: model.JobRunning, TaskIDs: []string{"t-prepare", "t-merge"}})
	putTask(t, jobs, model.Task{ID: "t-prepare", JobID: "job-3", Stage: model.StagePrepare, StageName: "prepare", Status: model.TaskRunning, EngineID: "preparer"})
	putTask(t, jobs, model.Task{ID: "t-merge", JobID: "job-3", Stage: model.StageMerge, StageName: "merge", EngineID: "merger", Status: model.TaskPending, DependsOn: []string{"t-prepare"}})

	// The worker that produced t-prepare's output would have uploaded this
	// blob before publishing task.completed; gatherPreviousOutputs reads it
	// back when assembling t-merge's input.
	require.NoError(t, objects.PutJSON(ctx, objectstore.TaskOutputKey("job-3", "t-prepare"), model.TaskOutput{
		TaskID: "t-prepare",
		Data:   model.StageOutputEnv{Kind: model.KindPrepare, Prepare: &model.PrepareOutput{MonoWAVURI: "s3://bucket/mono.wav"}},
	}))

	require.NoError(t, r.HandleEvent(ctx, model.DurableEvent{Type: model.EventTaskCompleted, TaskID: "t-prepare", JobID: "job-3", EngineID: "preparer"}))

	prepare, err := jobs.GetTask(ctx, "t-prepare")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, prepare.Status)

	merge, err := jobs.GetTask(ctx, "t-merge")
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, merge.Status, "merge becomes ready once its only dependency completes")

	require.NoError(t, r.HandleEvent(ctx, model.DurableEvent{Type: model.EventTaskCompleted, TaskID: "t-merge", JobID: "job-3", EngineID: "merger"}))

	job, err := jobs.GetJob(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status, "job completes once every task has")
}

func TestHandleFailedRetriesUntilMaxThenFailsJob(t *testing.T) {
	r, jobs, reg, _ := setup(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "inst-prepare", "preparer", "prepare", model.EngineCapabilities{EngineID: "preparer", Stages: []string{"prepare"}})
	require.NoError(t, err)

	putJob(t, jobs, model.Job{ID: "job-4", Status: model.JobRunning, TaskIDs: []string{"t-4"}})
	putTask(t, jobs, model.Task{ID: "t-4", JobID: "job-4", Stage: model.StagePrepare, StageName: "prepare", EngineID: "preparer", Status: model.TaskRunning, MaxRetries: 1})

	require.NoError(t, r.HandleEvent(ctx, model.DurableEvent{Type: model.EventTaskFailed, TaskID: "t-4", JobID: "job-4", Error: "boom"}))
	task, err := jobs.GetTask(ctx, "t-4")
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, task.Status, "first failure retries")
	assert.Equal(t, 1, task.RetryCount)

	task.Status = model.TaskRunning
	putTask(t, jobs, task)

	require.NoError(t, r.HandleEvent(ctx, model.DurableEvent{Type: model.EventTaskFailed, TaskID: "t-4", JobID: "job-4", Error: "boom again"}))
	task, err = jobs.GetTask(ctx, "t-4")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status, "retries exhausted")

	job, err := jobs.GetJob(ctx, "job-4")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, "boom again", job.Error)
}

func TestRequestCancellationMarksJobCancellingAndSetsSentinel(t *testing.T) {
	r, jobs, _, _ := setup(t)
	ctx := context.Background()

	putJob(t, jobs, model.Job{ID: "job-5", Status: model.JobRunning})
	require.NoError(t, r.RequestCancellation(ctx, "job-5"))

	job, err := jobs.GetJob(ctx, "job-5")
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelling, job.Status)
}

func TestRequestCancellationRejectsTerminalJob(t *testing.T) {
	r, jobs, _, _ := setup(t)
	ctx := context.Background()

	putJob(t, jobs, model.Job{ID: "job-6", Status: model.JobCompleted})
	err := r.RequestCancellation(ctx, "job-6")
	assert.Error(t, err)
}
