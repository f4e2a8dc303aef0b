package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/dalstontest"
	"github.com/ssarunic/dalston/internal/jobstore"
	"github.com/ssarunic/dalston/internal/model"
)

func newStore(t *testing.T) *jobstore.Store {
	t.Helper()
	return jobstore.New(dalstontest.GetRedis(t))
}

func TestPutAndGetJobRoundTrips(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	job := model.Job{ID: "job-1", Status: model.JobRunning, CreatedAt: time.Now(), TaskIDs: []string{"t-1"}}
	require.NoError(t, store.PutJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.TaskIDs, got.TaskIDs)
}

func TestGetJobNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestActiveJobsIndexDropsTerminalJobs(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutJob(ctx, model.Job{ID: "job-active", Status: model.JobRunning}))
	require.NoError(t, store.PutJob(ctx, model.Job{ID: "job-done", Status: model.JobCompleted}))

	active, err := store.ListActiveJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-active"}, active)

	// Transitioning a job to terminal removes it from the active index.
	require.NoError(t, store.PutJob(ctx, model.Job{ID: "job-active", Status: model.JobFailed}))
	active, err = store.ListActiveJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPutAndListTasksForJob(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	t1 := model.Task{ID: "t-1", JobID: "job-2", Stage: model.StageMerge, Status: model.TaskQueued}
	t2 := model.Task{ID: "t-2", JobID: "job-2", Stage: model.StageMerge, Status: model.TaskCompleted}
	require.NoError(t, store.PutTask(ctx, t1))
	require.NoError(t, store.PutTask(ctx, t2))

	tasks, err := store.ListTasks(ctx, "job-2")
	require.NoError(t, err)
	ids := make([]string, 0, len(tasks))
	for _, tk := range tasks {
		ids = append(ids, tk.ID)
	}
	assert.ElementsMatch(t, []string{"t-1", "t-2"}, ids)

	got, err := store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, got.Status)
}

func TestDeleteTaskRemovesRecordAndIndexEntry(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task := model.Task{ID: "t-3", JobID: "job-3", Stage: model.StageMerge, Status: model.TaskCompleted}
	require.NoError(t, store.PutTask(ctx, task))

	require.NoError(t, store.DeleteTask(ctx, task))

	_, err := store.GetTask(ctx, "t-3")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)

	tasks, err := store.ListTasks(ctx, "job-3")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
