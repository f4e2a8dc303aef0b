package model

import "time"

// Stage is a coarse pipeline step. Per-channel fan-out appends a suffix (e.g.
// "transcribe_ch0"); Stage itself names the canonical stage family.
type Stage string

const (
	StagePrepare      Stage = "prepare"
	StageTranscribe   Stage = "transcribe"
	StageAlign        Stage = "align"
	StageDiarize      Stage = "diarize"
	StagePIIDetect    Stage = "pii_detect"
	StageAudioRedact  Stage = "audio_redact"
	StageMerge        Stage = "merge"
)

// TaskStatus is the lifecycle status of a single task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskReady     TaskStatus = "READY"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether a task status cannot be left.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Dispatched reports whether a task in this status is expected to have a
// live dispatch message on a queue stream (spec §3 invariant).
func (s TaskStatus) Dispatched() bool {
	return s == TaskQueued || s == TaskRunning
}

// Task is one stage's unit of work for one job.
type Task struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	Stage        Stage             `json:"stage"`
	StageName    string            `json:"stage_name"` // e.g. "transcribe_ch0"
	EngineID     string            `json:"engine_id"`
	Status       TaskStatus        `json:"status"`
	InputURI     string            `json:"input_uri,omitempty"`
	OutputURI    string            `json:"output_uri,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Config       map[string]any    `json:"config,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	Timeout      time.Duration     `json:"timeout_ns"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	// IdempotencyKey dedups rewritten dispatch messages for retries:
	// "retry:{task_id}:{attempt}".
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// DependenciesSatisfied reports whether every dependency in completed is
// present, i.e. the task may transition PENDING -> READY.
func (t Task) DependenciesSatisfied(completed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}
