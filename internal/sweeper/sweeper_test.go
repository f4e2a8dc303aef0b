package sweeper_test

import (
	"context"
	"testing"
	"time"

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
	"github.com/ssarunic/dalston/internal/sweeper"
	"github.com/ssarunic/dalston/internal/taskqueue"
)

func setup(t *testing.T) (*sweeper.Sweeper, *jobstore.Store, *registry.Registry, objectstore.Store) {
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
	rec := eventloop.New(nil, jobs, metadata, objects, queue, sched, nil)

	sw := sweeper.New(jobs, objects, reg, rec, sweeper.WithStrandedThreshold(0), sweeper.WithReapGrace(0))
	return sw, jobs, reg, objects
}

func TestSweepRecoversCompletedTaskFromOutputStore(t *testing.T) {
	sw, jobs, _, objects := setup(t)
	ctx := context.Background()

	require.NoError(t, jobs.PutJob(ctx, model.Job{ID: "job-1", Status: model.JobRunning, TaskIDs: []string{"t-1"}}))
	require.NoError(t, jobs.PutTask(ctx, model.Task{
		ID: "t-1", JobID: "job-1", Stage: model.StagePrepare, StageName: "prepare",
		Status: model.TaskRunning, UpdatedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, objects.PutJSON(ctx, objectstore.TaskOutputKey("job-1", "t-1"), model.TaskOutput{
		TaskID: "t-1", Data: model.StageOutputEnv{Kind: model.KindPrepare, Prepare: &model.PrepareOutput{MonoWAVURI: "s3://bucket/out.wav"}},
	}))

	require.NoError(t, sw.Sweep(ctx))

	task, err := jobs.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status, "sweeper should recover the lost completion from the output store")
}

func TestSweepFailsStrandedTaskWithNoOutputOrClaim(t *testing.T) {
	sw, jobs, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, jobs.PutJob(ctx, model.Job{ID: "job-2", Status: model.JobRunning, TaskIDs: []string{"t-2"}}))
	require.NoError(t, jobs.PutTask(ctx, model.Task{
		ID: "t-2", JobID: "job-2", Stage: model.StagePrepare, StageName: "prepare", EngineID: "preparer",
		Status: model.TaskRunning, UpdatedAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, sw.Sweep(ctx))

	task, err := jobs.GetTask(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status)
}

func TestSweepLeavesStrandedTaskAloneWhileInstanceStillClaimsIt(t *testing.T) {
	sw, jobs, reg, _ := setup(t)
	ctx := context.Background()

	caps := model.EngineCapabilities{EngineID: "preparer", Stages: []string{"prepare"}}
	_, err := reg.Register(ctx, "inst-1", "preparer", "prepare", caps)
	require.NoError(t, err)
	require.NoError(t, reg.Heartbeat(ctx, "inst-1", model.InstanceProcessing, "t-3", caps))

	require.NoError(t, jobs.PutJob(ctx, model.Job{ID: "job-3", Status: model.JobRunning, TaskIDs: []string{"t-3"}}))
	require.NoError(t, jobs.PutTask(ctx, model.Task{
		ID: "t-3", JobID: "job-3", Stage: model.StagePrepare, StageName: "prepare", EngineID: "preparer",
		Status: model.TaskRunning, UpdatedAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, sw.Sweep(ctx))

	task, err := jobs.GetTask(ctx, "t-3")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status, "a task a live instance still claims is not reconciled yet")
}

func TestSweepCancelsDispatchedTaskForCancellingJob(t *testing.T) {
	sw, jobs, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, jobs.PutJob(ctx, model.Job{ID: "job-4", Status: model.JobCancelling, TaskIDs: []string{"t-4"}}))
	require.NoError(t, jobs.PutTask(ctx, model.Task{
		ID: "t-4", JobID: "job-4", Stage: model.StageMerge, StageName: "merge", Status: model.TaskQueued, UpdatedAt: time.Now(),
	}))

	require.NoError(t, sw.Sweep(ctx))

	task, err := jobs.GetTask(ctx, "t-4")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, task.Status, "dispatched-but-not-running work is cancelled outright")
}

func TestSweepFinalizesCancelledJobOnceAllTasksAreTerminal(t *testing.T) {
	sw, jobs, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, jobs.PutJob(ctx, model.Job{ID: "job-5", Status: model.JobCancelling, TaskIDs: []string{"t-5"}}))
	require.NoError(t, jobs.PutTask(ctx, model.Task{
		ID: "t-5", JobID: "job-5", Stage: model.StageMerge, StageName: "merge", Status: model.TaskCancelled, UpdatedAt: time.Now(),
	}))

	require.NoError(t, sw.Sweep(ctx))

	job, err := jobs.GetJob(ctx, "job-5")
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, job.Status)
}
