// Package objectstore is the single gateway for durable blob storage
// described in spec §4.4. No other package talks to S3 (or any blob backend)
// directly; this package enforces the key conventions under
// jobs/{job_id}/tasks/{task_id}/... and jobs/{job_id}/....
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Store is implemented by every backend (in-memory for tests, S3 for
// production). Keys are always the enforced conventions below; callers never
// construct keys themselves.
type Store interface {
	PutJSON(ctx context.Context, key string, v any) error
	GetJSON(ctx context.Context, key string, v any) error
	PutBytes(ctx context.Context, key string, contentType string, data []byte) error
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// TaskInputKey returns the key for a task's downloaded input envelope.
func TaskInputKey(jobID, taskID string) string {
	return fmt.Sprintf("jobs/%s/tasks/%s/input.json", jobID, taskID)
}

// TaskOutputKey returns the key for a task's canonical output envelope.
// Presence of this key is also how the sweeper infers a stranded task
// actually completed (spec §4.11).
func TaskOutputKey(jobID, taskID string) string {
	return fmt.Sprintf("jobs/%s/tasks/%s/output.json", jobID, taskID)
}

// TaskArtifactKey returns the key for a named artifact produced by taskID.
func TaskArtifactKey(jobID, taskID, name string) string {
	return fmt.Sprintf("jobs/%s/tasks/%s/artifacts/%s", jobID, taskID, name)
}

// AudioKey returns the key for a job-scoped intermediate audio file, e.g.
// "prepared.wav", "prepared_ch2.wav", or "redacted.wav".
func AudioKey(jobID, name string) string {
	return fmt.Sprintf("jobs/%s/audio/%s", jobID, name)
}

// TranscriptKey returns the key for a job's final merged transcript.
func TranscriptKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/transcript.json", jobID)
}

// marshalJSON and unmarshalJSON are shared helpers so every Store implementation
// serializes the same way.
func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// readAllAndClose drains an io.ReadCloser into memory, matching the shape
// returned by S3's GetObject body.
func readAllAndClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}

// newReadSeeker wraps a byte slice for S3 PutObject's io.Reader body param.
func newReadSeeker(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
