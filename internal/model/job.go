// Package model defines the data types shared across the orchestrator and
// worker runtimes: jobs, tasks, engine capabilities, stream messages, durable
// events, and the typed stage I/O envelopes exchanged through the object
// store.
package model

import "time"

// JobStatus is the terminal-state-bearing lifecycle status of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobRunning    JobStatus = "RUNNING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelling JobStatus = "CANCELLING"
	JobCancelled  JobStatus = "CANCELLED"
)

// SpeakerDetection selects how speaker attribution is produced for a job.
type SpeakerDetection string

const (
	SpeakerDetectionNone    SpeakerDetection = "none"
	SpeakerDetectionDiarize SpeakerDetection = "diarize"
)

// TimestampGranularity controls the precision of returned timing information.
type TimestampGranularity string

const (
	GranularitySegment TimestampGranularity = "segment"
	GranularityWord    TimestampGranularity = "word"
)

// JobParameters captures the caller-supplied configuration of a job. Fields
// mirror the subset of job submission parameters that affect engine
// selection, DAG shape, and stage configuration — the REST surface that
// collects them is out of scope for this module.
type JobParameters struct {
	Language             string                `json:"language,omitempty"`
	SpeakerDetection     SpeakerDetection      `json:"speaker_detection,omitempty"`
	TimestampGranularity TimestampGranularity  `json:"timestamps_granularity,omitempty"`
	WordTimestamps       *bool                 `json:"word_timestamps,omitempty"`
	Vocabulary           []string              `json:"vocabulary,omitempty"`
	PIIDetection         bool                  `json:"pii_detection,omitempty"`
	RedactPIIAudio       bool                  `json:"redact_pii_audio,omitempty"`
	WebhookURL           string                `json:"webhook_url,omitempty"`
	PerChannel           bool                  `json:"per_channel,omitempty"`
	EnginePreferences    map[string]string     `json:"engine_preferences,omitempty"`
	MediaURI             string                `json:"media_uri"`
	Extra                map[string]any        `json:"extra,omitempty"`
}

// WantsWordTimestamps applies the default-on rule from the original
// scheduler: explicit word_timestamps wins, else derive from granularity,
// else default to true.
func (p JobParameters) WantsWordTimestamps() bool {
	if p.WordTimestamps != nil {
		return *p.WordTimestamps
	}
	if p.TimestampGranularity != "" {
		return p.TimestampGranularity == GranularityWord
	}
	return true
}

// Job is a single transcription request and its lifecycle state.
type Job struct {
	ID         string        `json:"id"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Status     JobStatus     `json:"status"`
	Parameters JobParameters `json:"parameters"`
	// TaskIDs is the job's DAG, populated once the DAG builder has run. Empty
	// until then — the DAG reference is intentionally lazy.
	TaskIDs []string `json:"task_ids,omitempty"`
	// Error carries the first failing task's message once the job reaches
	// FAILED.
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the job has reached a status it cannot leave.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}
