package metadatastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/dalstontest"
	"github.com/ssarunic/dalston/internal/metadatastore"
)

func newStore(t *testing.T) *metadatastore.Store {
	t.Helper()
	return metadatastore.New(dalstontest.GetRedis(t))
}

func TestPutAndGetTaskRoundTrips(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	rec := metadatastore.TaskRecord{JobID: "job-1", Stage: "prepare", EngineID: "preparer"}
	require.NoError(t, store.PutTask(ctx, "t-1", rec, time.Minute))

	got, err := store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, rec.JobID, got.JobID)
	assert.Equal(t, rec.EngineID, got.EngineID)
}

func TestGetTaskNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, metadatastore.ErrNotFound)
}

func TestDeleteTaskRemovesRecord(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutTask(ctx, "t-2", metadatastore.TaskRecord{JobID: "job-1"}, time.Minute))
	require.NoError(t, store.DeleteTask(ctx, "t-2"))

	_, err := store.GetTask(ctx, "t-2")
	assert.ErrorIs(t, err, metadatastore.ErrNotFound)
}

func TestPutInstanceAddsToLiveMembershipSet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	rec := metadatastore.InstanceRecord{EngineID: "whisper-large-en", InstanceID: "inst-1", Stage: "transcribe"}
	require.NoError(t, store.PutInstance(ctx, rec, time.Minute))

	ids, err := store.ListInstances(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "inst-1")

	got, err := store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "whisper-large-en", got.EngineID)
}

func TestRemoveInstanceClearsRecordAndMembership(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutInstance(ctx, metadatastore.InstanceRecord{InstanceID: "inst-2"}, time.Minute))
	require.NoError(t, store.RemoveInstance(ctx, "inst-2"))

	ids, err := store.ListInstances(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "inst-2")

	_, err = store.GetInstance(ctx, "inst-2")
	assert.ErrorIs(t, err, metadatastore.ErrNotFound)
}

func TestCancellationSentinel(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	cancelled, err := store.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, store.SetCancelled(ctx, "job-1"))
	cancelled, err = store.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestWaitingEntryLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	entry := metadatastore.WaitingEntry{TaskID: "t-3", EngineID: "whisper-large-en", EnqueuedAt: time.Now(), Deadline: time.Now().Add(time.Hour)}
	require.NoError(t, store.MarkWaiting(ctx, entry))

	waiting, err := store.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Contains(t, waiting, "t-3")

	require.NoError(t, store.ClearWaiting(ctx, "t-3"))
	waiting, err = store.ListWaiting(ctx)
	require.NoError(t, err)
	assert.NotContains(t, waiting, "t-3")
}
