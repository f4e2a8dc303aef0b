// Package dag builds the per-job task DAG from job parameters and engine
// selections (spec §4.8). It is pure over its inputs — no store or stream is
// touched here — so "should we include stage X?" decisions stay local
// predicates on capabilities, matching spec §9's side-effect-free builder
// note.
package dag

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/selector"
)

const (
	// MinTimeout is the minimum per-task timeout regardless of RTF estimate
	// (original_source's MIN_TIMEOUT_S).
	MinTimeout = 60 * time.Second
	// DefaultTimeout is used when audio duration is not yet known (e.g. the
	// prepare stage itself, scheduled before duration is discovered).
	DefaultTimeout = 5 * MinTimeout
	// safetyFactor multiplies the RTF-based estimate to absorb cold starts,
	// I/O overhead, and queue wait variance (spec §4.8: "3x").
	safetyFactor = 3.0
	// defaultRTF is used when neither GPU nor CPU RTF is declared.
	defaultRTF = 1.0
)

// Selections maps a stage name (including per-channel fan-out names like
// "transcribe_ch0") to its chosen engine. A stage absent from the map is
// simply not part of the DAG.
type Selections map[string]selector.Result

// builder accumulates tasks and resolves stage-name -> task-id as it goes,
// so downstream stages can reference a dependency before the full list is
// finalized.
type builder struct {
	jobID          string
	params         model.JobParameters
	selections     Selections
	audioDurationS float64
	now            time.Time

	tasks []model.Task
}

// Build expands job parameters and a selection map into an ordered task
// list with explicit dependency sets. The default topology is:
//
//	prepare -> transcribe -> [align] -> [pii_detect -> [audio_redact]] -> merge
//	prepare -> [diarize] -> merge
//
// diarize is not chained after align: it depends on prepare alone, runs
// beside the transcribe chain, and joins it at merge.
//
// Per-channel speaker detection fans transcribe into transcribe_ch0/ch1
// (and similarly align and pii_detect); diarize and audio_redact remain
// whole-audio stages that fan back in at merge (spec §4.8, original_source's
// pipeline stage naming convention).
func Build(jobID string, params model.JobParameters, selections Selections, audioDurationS float64) ([]model.Task, error) {
	b := &builder{
		jobID:          jobID,
		params:         params,
		selections:     selections,
		audioDurationS: audioDurationS,
		now:            time.Now().UTC(),
	}
	return b.build()
}

func (b *builder) build() ([]model.Task, error) {
	prepID, err := b.addTask("prepare", model.StagePrepare, nil)
	if err != nil {
		return nil, err
	}

	channels := []string{""}
	if b.params.PerChannel {
		channels = []string{"_ch0", "_ch1"}
	}

	var mergeDeps []string
	var piiDepsForRedact []string

	for _, ch := range channels {
		transcribeName := "transcribe" + ch
		transcribeID, err := b.addTask(transcribeName, model.StageTranscribe, []string{prepID})
		if err != nil {
			return nil, err
		}

		terminal := transcribeID

		alignName := "align" + ch
		if _, wantsAlign := b.selections[alignName]; wantsAlign {
			alignID, err := b.addTask(alignName, model.StageAlign, []string{terminal})
			if err != nil {
				return nil, err
			}
			terminal = alignID
		}

		piiName := "pii_detect" + ch
		if _, wantsPII := b.selections[piiName]; wantsPII {
			piiID, err := b.addTask(piiName, model.StagePIIDetect, []string{terminal})
			if err != nil {
				return nil, err
			}
			terminal = piiID
			piiDepsForRedact = append(piiDepsForRedact, piiID)
		}

		mergeDeps = append(mergeDeps, terminal)
	}

	if _, wantsDiarize := b.selections["diarize"]; wantsDiarize {
		diarizeID, err := b.addTask("diarize", model.StageDiarize, []string{prepID})
		if err != nil {
			return nil, err
		}
		mergeDeps = append(mergeDeps, diarizeID)
	}

	if _, wantsRedact := b.selections["audio_redact"]; wantsRedact {
		if len(piiDepsForRedact) == 0 {
			return nil, fmt.Errorf("dag: audio_redact selected without a pii_detect dependency")
		}
		redactID, err := b.addTask("audio_redact", model.StageAudioRedact, piiDepsForRedact)
		if err != nil {
			return nil, err
		}
		// audio_redact supersedes the pii_detect branch(es) at merge: replace
		// every pii_detect terminal already captured in mergeDeps with the
		// single redact task.
		mergeDeps = replaceTerminals(mergeDeps, piiDepsForRedact, redactID)
	}

	if _, err := b.addTask("merge", model.StageMerge, mergeDeps); err != nil {
		return nil, err
	}

	return b.tasks, nil
}

// replaceTerminals drops every id in old from deps and appends replacement
// once (used when audio_redact subsumes one or more pii_detect branches).
func replaceTerminals(deps, old []string, replacement string) []string {
	oldSet := make(map[string]bool, len(old))
	for _, id := range old {
		oldSet[id] = true
	}
	out := make([]string, 0, len(deps)+1)
	replaced := false
	for _, d := range deps {
		if oldSet[d] {
			if !replaced {
				out = append(out, replacement)
				replaced = true
			}
			continue
		}
		out = append(out, d)
	}
	if !replaced {
		out = append(out, replacement)
	}
	return out
}

func (b *builder) addTask(stageName string, stage model.Stage, dependsOn []string) (string, error) {
	sel, ok := b.selections[stageName]
	if !ok {
		return "", fmt.Errorf("dag: no engine selection for stage %q", stageName)
	}
	t := model.Task{
		ID:         uuid.NewString(),
		JobID:      b.jobID,
		Stage:      stage,
		StageName:  stageName,
		EngineID:   sel.EngineID,
		Status:     model.TaskPending,
		DependsOn:  append([]string(nil), dependsOn...),
		Config:     stageConfig(b.params),
		MaxRetries: 3,
		Timeout:    taskTimeout(sel.Capabilities, b.audioDurationS),
		CreatedAt:  b.now,
		UpdatedAt:  b.now,
	}
	b.tasks = append(b.tasks, t)
	return t.ID, nil
}

// stageConfig builds the per-task configuration map passed through to the
// engine's process() callback.
func stageConfig(params model.JobParameters) map[string]any {
	cfg := map[string]any{}
	if params.Language != "" {
		cfg["language"] = params.Language
	}
	if len(params.Vocabulary) > 0 {
		cfg["vocabulary"] = params.Vocabulary
	}
	cfg["word_timestamps"] = params.WantsWordTimestamps()
	if params.PIIDetection {
		cfg["pii_detection"] = true
	}
	if params.RedactPIIAudio {
		cfg["redact_pii_audio"] = true
	}
	return cfg
}

// taskTimeout implements original_source's calculate_task_timeout:
// audio_duration * rtf * safety_factor, floored at MinTimeout, defaulting to
// DefaultTimeout when duration is unknown (e.g. the prepare stage).
func taskTimeout(caps model.EngineCapabilities, audioDurationS float64) time.Duration {
	if audioDurationS <= 0 {
		return DefaultTimeout
	}
	rtf := caps.RTFGPU
	if rtf <= 0 {
		rtf = caps.RTFCPU
	}
	if rtf <= 0 {
		rtf = defaultRTF
	}
	estimate := time.Duration(audioDurationS*rtf*safetyFactor) * time.Second
	if estimate < MinTimeout {
		return MinTimeout
	}
	return estimate
}
