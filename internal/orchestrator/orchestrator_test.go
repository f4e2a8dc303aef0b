package orchestrator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/catalog"
	"github.com/ssarunic/dalston/internal/dalstontest"
	"github.com/ssarunic/dalston/internal/eventlog"
	"github.com/ssarunic/dalston/internal/jobstore"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/objectstore"
	"github.com/ssarunic/dalston/internal/orchestrator"
	"github.com/ssarunic/dalston/internal/pulseclient"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/scheduler"
	"github.com/ssarunic/dalston/internal/selector"
	"github.com/ssarunic/dalston/internal/taskqueue"
)

func setup(t *testing.T) (*orchestrator.Submitter, *jobstore.Store, *registry.Registry) {
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
	log := eventlog.New(pulse, rdb, nil, nil)
	reg := registry.New(metadata)
	sel := selector.New(reg, cat, nil)
	sched := scheduler.New(metadata, objects, queue, cat, reg)
	_ = log

	return orchestrator.New(jobs, sel, sched, nil), jobs, reg
}

func registerAllEngines(t *testing.T, reg *registry.Registry) {
	t.Helper()
	ctx := context.Background()
	engines := []struct {
		id    string
		stage string
		caps  model.EngineCapabilities
	}{
		{"inst-transcribe", "transcribe", model.EngineCapabilities{EngineID: "whisper-large-en", Stages: []string{"transcribe"}, Languages: []string{"en"}, SupportsWordTimestamps: true}},
		{"inst-align", "align", model.EngineCapabilities{EngineID: "aligner-ctc", Stages: []string{"align"}, Languages: []string{"en"}}},
		{"inst-diarize", "diarize", model.EngineCapabilities{EngineID: "diarizer-pyannote", Stages: []string{"diarize"}}},
		{"inst-pii", "pii_detect", model.EngineCapabilities{EngineID: "pii-detector", Stages: []string{"pii_detect"}}},
		{"inst-redact", "audio_redact", model.EngineCapabilities{EngineID: "audio-redactor", Stages: []string{"audio_redact"}}},
		{"inst-prepare", "prepare", model.EngineCapabilities{EngineID: "preparer", Stages: []string{"prepare"}}},
		{"inst-merge", "merge", model.EngineCapabilities{EngineID: "merger", Stages: []string{"merge"}}},
	}
	for _, e := range engines {
		_, err := reg.Register(ctx, e.id, e.caps.EngineID, e.stage, e.caps)
		require.NoError(t, err)
	}
}

func TestSubmitMinimalJobSchedulesPrepare(t *testing.T) {
	sub, jobs, reg := setup(t)
	registerAllEngines(t, reg)
	ctx := context.Background()

	job, err := sub.Submit(ctx, model.JobParameters{MediaURI: "s3://bucket/audio.wav"}, 0)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, job.Status)
	assert.NotEmpty(t, job.TaskIDs)

	tasks, err := jobs.ListTasks(ctx, job.ID)
	require.NoError(t, err)

	var prepareTask model.Task
	found := false
	for _, tk := range tasks {
		if tk.Stage == model.StagePrepare {
			prepareTask, found = tk, true
		}
	}
	require.True(t, found, "prepare task must exist")
	assert.Equal(t, model.TaskQueued, prepareTask.Status, "root task with no dependencies is scheduled immediately")
}

func TestSubmitWithPIIAndRedactionSelectsExtraStages(t *testing.T) {
	sub, jobs, reg := setup(t)
	registerAllEngines(t, reg)
	ctx := context.Background()

	job, err := sub.Submit(ctx, model.JobParameters{
		MediaURI:       "s3://bucket/audio.wav",
		PIIDetection:   true,
		RedactPIIAudio: true,
	}, 0)
	require.NoError(t, err)

	tasks, err := jobs.ListTasks(ctx, job.ID)
	require.NoError(t, err)

	stages := make(map[model.Stage]bool)
	for _, tk := range tasks {
		stages[tk.Stage] = true
	}
	assert.True(t, stages[model.StagePIIDetect], "pii_detect stage should be present when PIIDetection is requested")
	assert.True(t, stages[model.StageAudioRedact], "audio_redact stage should be present when RedactPIIAudio is requested")
}

func TestSubmitWithDiarizationSelectsStage(t *testing.T) {
	sub, jobs, reg := setup(t)
	registerAllEngines(t, reg)
	ctx := context.Background()

	job, err := sub.Submit(ctx, model.JobParameters{
		MediaURI:         "s3://bucket/audio.wav",
		SpeakerDetection: model.SpeakerDetectionDiarize,
	}, 0)
	require.NoError(t, err)

	tasks, err := jobs.ListTasks(ctx, job.ID)
	require.NoError(t, err)

	found := false
	for _, tk := range tasks {
		if tk.Stage == model.StageDiarize {
			found = true
		}
	}
	assert.True(t, found, "diarize stage should be present when diarization is requested")
}

func TestSubmitFailsWhenNoEngineAvailable(t *testing.T) {
	sub, _, _ := setup(t)
	ctx := context.Background()

	_, err := sub.Submit(ctx, model.JobParameters{MediaURI: "s3://bucket/audio.wav"}, 0)
	assert.Error(t, err, "submit should fail when no transcribe engine is registered")
}
