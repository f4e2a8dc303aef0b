package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/catalog"
	"github.com/ssarunic/dalston/internal/dalstontest"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/objectstore"
	"github.com/ssarunic/dalston/internal/pulseclient"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/scheduler"
	"github.com/ssarunic/dalston/internal/taskqueue"
)

func setup(t *testing.T) (*metadatastore.Store, objectstore.Store, *taskqueue.Queue, *catalog.Catalog, *registry.Registry) {
	t.Helper()
	rdb := dalstontest.GetRedis(t)
	pulse, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	require.NoError(t, err)

	cat, err := catalog.Load("../catalog/testdata/catalog.yaml")
	require.NoError(t, err)

	metadata := metadatastore.New(rdb)
	objects := objectstore.NewMemoryStore()
	queue := taskqueue.New(pulse, rdb, nil)
	reg := registry.New(metadata)
	return metadata, objects, queue, cat, reg
}

func TestScheduleWritesMetadataInputAndDispatch(t *testing.T) {
	metadata, objects, queue, cat, reg := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := reg.Register(ctx, "inst-prepare", "preparer", "prepare", model.EngineCapabilities{EngineID: "preparer", Stages: []string{"prepare"}})
	require.NoError(t, err)

	sched := scheduler.New(metadata, objects, queue, cat, reg)

	deliveries, err := queue.Consume(ctx, "preparer", "inst-prepare", reg)
	require.NoError(t, err)

	task := model.Task{ID: "t-1", JobID: "job-1", Stage: model.StagePrepare, EngineID: "preparer", InputURI: "s3://bucket/in.wav", Timeout: time.Minute}
	require.NoError(t, sched.Schedule(ctx, task, scheduler.Input{Media: &model.MediaDescriptor{URI: "s3://bucket/in.wav"}}))

	rec, err := metadata.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, "preparer", rec.EngineID)

	var input model.TaskInput
	require.NoError(t, objects.GetJSON(ctx, objectstore.TaskInputKey("job-1", "t-1"), &input))
	require.NotNil(t, input.Media)
	assert.Equal(t, "s3://bucket/in.wav", input.Media.URI)

	select {
	case d := <-deliveries:
		assert.Equal(t, "t-1", d.Message.TaskID)
		require.NoError(t, d.Ack(ctx))
	case <-ctx.Done():
		t.Fatal("timed out waiting for dispatch message")
	}
}

func TestScheduleFailFastWhenEngineUnavailable(t *testing.T) {
	metadata, objects, queue, cat, reg := setup(t)
	ctx := context.Background()

	sched := scheduler.New(metadata, objects, queue, cat, reg)
	task := model.Task{ID: "t-2", JobID: "job-2", Stage: model.StageTranscribe, EngineID: "whisper-large-en", Timeout: time.Minute}

	err := sched.Schedule(ctx, task, scheduler.Input{})
	require.Error(t, err)
	var unavailable *scheduler.EngineUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestScheduleWaitPolicyMarksTaskWaitingInsteadOfFailing(t *testing.T) {
	metadata, objects, queue, cat, reg := setup(t)
	ctx := context.Background()

	sched := scheduler.New(metadata, objects, queue, cat, reg, scheduler.WithUnavailableBehavior(scheduler.Wait))
	task := model.Task{ID: "t-3", JobID: "job-3", Stage: model.StageTranscribe, EngineID: "whisper-large-en", Timeout: time.Minute}

	require.NoError(t, sched.Schedule(ctx, task, scheduler.Input{}))

	waiting, err := metadata.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Contains(t, waiting, "t-3")
}

func TestScheduleLanguagePreflightCoversTranscribeOnly(t *testing.T) {
	metadata, objects, queue, cat, reg := setup(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "inst-align", "aligner-ctc", "align", model.EngineCapabilities{EngineID: "aligner-ctc", Stages: []string{"align"}, Languages: []string{"en", "fr", "de", "es"}})
	require.NoError(t, err)

	// The language check only fires for the transcribe stage (scheduler.go),
	// and this catalog's multilingual transcribe engine declares no language
	// restriction at all, so no transcribe-stage language can ever fail the
	// pre-flight check. Exercise the check directly against the catalog
	// instead, using the aligner entry, which DOES declare a fixed language
	// set; Schedule itself does not check align-stage languages and accepts
	// the task.
	err = cat.ValidateLanguageSupport("align", "zz")
	assert.Error(t, err, "no align engine variant declares support for an unknown language")

	sched := scheduler.New(metadata, objects, queue, cat, reg)
	task := model.Task{ID: "t-4", JobID: "job-4", Stage: model.StageAlign, EngineID: "aligner-ctc", Timeout: time.Minute}
	require.NoError(t, sched.Schedule(ctx, task, scheduler.Input{}), "scheduler only pre-validates language for the transcribe stage")
}
