// Package orchestrator glues together engine selection, DAG construction,
// and initial scheduling into the single "submit a job" operation spec §2's
// data-flow paragraph describes ("a job submission produces a DAG..."). The
// REST/HTTP surface that would normally call this is explicitly out of
// scope (spec §1); cmd/orchestrator exposes a minimal integration endpoint
// over it for operators and tests.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ssarunic/dalston/internal/dag"
	"github.com/ssarunic/dalston/internal/jobstore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/scheduler"
	"github.com/ssarunic/dalston/internal/selector"
	"github.com/ssarunic/dalston/internal/telemetry"
)

// Submitter turns job parameters into a persisted, partially-scheduled job.
type Submitter struct {
	jobs      *jobstore.Store
	selector  *selector.Selector
	scheduler *scheduler.Scheduler
	logger    telemetry.Logger
}

// New constructs a Submitter.
func New(jobs *jobstore.Store, sel *selector.Selector, sched *scheduler.Scheduler, logger telemetry.Logger) *Submitter {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Submitter{jobs: jobs, selector: sel, scheduler: sched, logger: logger}
}

// Submit selects an engine for every stage the job's parameters require,
// expands the DAG, persists job and task records, and schedules every task
// with no dependencies (always just "prepare"). audioDurationS is 0 when not
// yet known (the prepare stage itself determines it).
func (s *Submitter) Submit(ctx context.Context, params model.JobParameters, audioDurationS float64) (model.Job, error) {
	job := model.Job{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
		Status:     model.JobPending,
		Parameters: params,
	}

	selections, err := s.selectStages(ctx, params)
	if err != nil {
		return model.Job{}, err
	}

	tasks, err := dag.Build(job.ID, params, selections, audioDurationS)
	if err != nil {
		return model.Job{}, fmt.Errorf("orchestrator: build dag: %w", err)
	}

	for i := range tasks {
		job.TaskIDs = append(job.TaskIDs, tasks[i].ID)
	}
	job.Status = model.JobRunning
	job.UpdatedAt = time.Now().UTC()

	if err := s.jobs.PutJob(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("orchestrator: persist job %q: %w", job.ID, err)
	}
	for _, t := range tasks {
		if err := s.jobs.PutTask(ctx, t); err != nil {
			return model.Job{}, fmt.Errorf("orchestrator: persist task %q: %w", t.ID, err)
		}
	}

	for _, t := range tasks {
		if len(t.DependsOn) != 0 {
			continue
		}
		if err := s.scheduleTask(ctx, t, params, nil); err != nil {
			return model.Job{}, fmt.Errorf("orchestrator: schedule root task %q: %w", t.ID, err)
		}
	}

	s.logger.Info(ctx, "job submitted", "job_id", job.ID, "task_count", len(tasks))
	return job, nil
}

// scheduleTask marks a task QUEUED and hands it to the scheduler.
// internal/eventloop does not call it; it schedules descendants through the
// scheduler itself once their dependencies complete.
func (s *Submitter) scheduleTask(ctx context.Context, t model.Task, params model.JobParameters, previousOutputs map[string]model.StageOutputEnv) error {
	var media *model.MediaDescriptor
	if t.Stage == model.StagePrepare {
		media = &model.MediaDescriptor{URI: params.MediaURI}
	}
	t.Status = model.TaskQueued
	t.UpdatedAt = time.Now().UTC()
	if err := s.jobs.PutTask(ctx, t); err != nil {
		return err
	}
	return s.scheduler.Schedule(ctx, t, scheduler.Input{
		PreviousOutputs: previousOutputs,
		Media:           media,
	})
}

// selectStages resolves an engine for every stage the job's parameters call
// for. "prepare" and "merge" have no selection — they run on the catalog's
// fixed "preparer" and "merger" engines, which accept any input, so those
// engine ids are seeded directly.
func (s *Submitter) selectStages(ctx context.Context, params model.JobParameters) (dag.Selections, error) {
	selections := dag.Selections{}
	selections["prepare"] = selector.Result{EngineID: "preparer", Reason: "fixed prepare stage"}

	req := selector.ExtractRequirements(params)

	channels := []string{""}
	if params.PerChannel {
		channels = []string{"_ch0", "_ch1"}
	}

	for _, ch := range channels {
		transcribeName := "transcribe" + ch
		transcribeReq := req
		transcribeReq.Streaming = false
		result, err := s.selector.Select(ctx, "transcribe", transcribeReq, params.EnginePreferences["transcribe"])
		if err != nil {
			return nil, fmt.Errorf("orchestrator: select engine for %q: %w", transcribeName, err)
		}
		selections[transcribeName] = result

		if params.WantsWordTimestamps() && !result.Capabilities.SupportsWordTimestamps {
			alignName := "align" + ch
			alignResult, err := s.selector.Select(ctx, "align", req, params.EnginePreferences["align"])
			if err != nil {
				return nil, fmt.Errorf("orchestrator: select engine for %q: %w", alignName, err)
			}
			selections[alignName] = alignResult
		}

		if params.PIIDetection {
			piiName := "pii_detect" + ch
			piiResult, err := s.selector.Select(ctx, "pii_detect", req, params.EnginePreferences["pii_detect"])
			if err != nil {
				return nil, fmt.Errorf("orchestrator: select engine for %q: %w", piiName, err)
			}
			selections[piiName] = piiResult
		}
	}

	if params.SpeakerDetection == model.SpeakerDetectionDiarize {
		diarizeResult, err := s.selector.Select(ctx, "diarize", req, params.EnginePreferences["diarize"])
		if err != nil {
			return nil, fmt.Errorf("orchestrator: select engine for diarize: %w", err)
		}
		selections["diarize"] = diarizeResult
	}

	if params.RedactPIIAudio && params.PIIDetection {
		redactResult, err := s.selector.Select(ctx, "audio_redact", req, params.EnginePreferences["audio_redact"])
		if err != nil {
			return nil, fmt.Errorf("orchestrator: select engine for audio_redact: %w", err)
		}
		selections["audio_redact"] = redactResult
	}

	selections["merge"] = selector.Result{EngineID: "merger", Reason: "fixed merge stage"}
	return selections, nil
}
