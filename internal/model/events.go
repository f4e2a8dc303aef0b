package model

import "time"

// TraceContext propagates a W3C-style trace context through stream messages
// and durable events so spans can be linked across process boundaries.
type TraceContext struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// StreamMessage is the dispatch unit carried on a per-engine task queue
// stream.
type StreamMessage struct {
	ID             string        `json:"id,omitempty"` // assigned by the stream
	TaskID         string        `json:"task_id"`
	JobID          string        `json:"job_id"`
	EnqueuedAt     time.Time     `json:"enqueued_at"`
	DeliveryCount  int           `json:"delivery_count"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Trace          *TraceContext `json:"_trace_context,omitempty"`
}

// EventType names a durable task lifecycle event.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
)

// DurableEvent is a lifecycle record written to the authoritative event log.
type DurableEvent struct {
	Type      EventType     `json:"type"`
	TaskID    string        `json:"task_id"`
	JobID     string        `json:"job_id"`
	EngineID  string        `json:"engine_id"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Trace     *TraceContext `json:"_trace_context,omitempty"`
}

// TaskInput is the envelope a batch worker downloads before invoking an
// engine's process callback. previous_outputs is keyed by stage name,
// carrying prior stage typed outputs verbatim (original_source's
// engine_sdk/io.py contract).
type TaskInput struct {
	TaskID          string                    `json:"task_id"`
	JobID           string                    `json:"job_id"`
	Media           *MediaDescriptor          `json:"media,omitempty"`
	AudioURI        string                    `json:"audio_uri,omitempty"`
	PreviousOutputs map[string]StageOutputEnv `json:"previous_outputs,omitempty"`
	Config          map[string]any            `json:"config,omitempty"`
}

// MediaDescriptor describes input media for the prepare stage.
type MediaDescriptor struct {
	URI        string  `json:"uri"`
	Format     string  `json:"format"`
	DurationS  float64 `json:"duration,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	BitDepth   int     `json:"bit_depth,omitempty"`
}

// TaskOutput is the envelope a batch worker uploads after a successful
// process callback.
type TaskOutput struct {
	TaskID               string            `json:"task_id"`
	CompletedAt          time.Time         `json:"completed_at"`
	ProcessingTimeSeconds float64          `json:"processing_time_seconds"`
	Data                 StageOutputEnv    `json:"data"`
	Artifacts            map[string]string `json:"artifacts,omitempty"`
}
