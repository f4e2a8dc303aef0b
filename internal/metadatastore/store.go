// Package metadatastore implements the keyed metadata store described in
// spec §4.3: task records, instance records, the live-engine membership set,
// the per-job cancellation sentinel, and the waiting-for-engine index. It is
// a thin, conventions-enforcing wrapper over Redis — no other package talks
// to Redis for this kind of state directly.
package metadatastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssarunic/dalston/internal/model"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("metadatastore: not found")

// Store is the metadata store. It is safe for concurrent use by multiple
// goroutines and multiple processes (the orchestrator, workers, and the
// sweeper all read and write it directly — coordination is via Redis, not
// in-memory locks, per spec §5).
type Store struct {
	redis *redis.Client
}

// New constructs a Store over an existing Redis connection.
func New(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func taskKey(taskID string) string             { return "task:" + taskID }
func instanceKey(instanceID string) string      { return "instance:" + instanceID }
func cancelledKey(jobID string) string          { return "job:" + jobID + ":cancelled" }
func waitingSetKey() string                     { return "waiting-for-engine" }
func waitingEntryKey(taskID string) string      { return "waiting-for-engine:" + taskID }

const enginesSetKey = "engines"

// TaskRecord is the metadata persisted for a task under `task:{id}`.
type TaskRecord struct {
	JobID        string            `json:"job_id"`
	Stage        string            `json:"stage"`
	EngineID     string            `json:"engine_id"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	Trace        *model.TraceContext `json:"trace,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
}

// PutTask writes a task record with the given TTL, derived by the caller
// from (audio duration x RTF x safety factor x (retries+1)) + buffer, per
// spec §4.3.
func (s *Store) PutTask(ctx context.Context, taskID string, rec TaskRecord, ttl time.Duration) error {
	return s.putJSON(ctx, taskKey(taskID), rec, ttl)
}

// GetTask reads a task record. Returns ErrNotFound if it has been reaped.
func (s *Store) GetTask(ctx context.Context, taskID string) (TaskRecord, error) {
	var rec TaskRecord
	err := s.getJSON(ctx, taskKey(taskID), &rec)
	return rec, err
}

// DeleteTask removes a task record. Nothing in this module calls it outside
// the package tests.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.redis.Del(ctx, taskKey(taskID)).Err()
}

// InstanceRecord is the metadata persisted for an engine instance under
// `instance:{id}`.
type InstanceRecord struct {
	EngineID      string                    `json:"engine_id"`
	InstanceID    string                    `json:"instance_id"`
	Stage         string                    `json:"stage"`
	Capabilities  model.EngineCapabilities `json:"capabilities"`
	Status        model.EngineInstanceStatus `json:"status"`
	CurrentTask   string                    `json:"current_task,omitempty"`
	Heartbeat     time.Time                 `json:"heartbeat"`
	Endpoint       string                    `json:"endpoint,omitempty"`
	ActiveSessions int                       `json:"active_sessions,omitempty"`
}

// PutInstance writes an instance record with TTL = 2x the heartbeat
// interval (spec §4.3/§4.5), and adds the instance to the live-membership
// set.
func (s *Store) PutInstance(ctx context.Context, rec InstanceRecord, heartbeatInterval time.Duration) error {
	if err := s.putJSON(ctx, instanceKey(rec.InstanceID), rec, 2*heartbeatInterval); err != nil {
		return err
	}
	return s.redis.SAdd(ctx, enginesSetKey, rec.InstanceID).Err()
}

// GetInstance reads an instance record.
func (s *Store) GetInstance(ctx context.Context, instanceID string) (InstanceRecord, error) {
	var rec InstanceRecord
	err := s.getJSON(ctx, instanceKey(instanceID), &rec)
	return rec, err
}

// ListInstances returns every instance id currently in the live membership
// set. Some entries may have already expired (their key TTL lapsed) without
// having been removed from the set; callers should tolerate ErrNotFound from
// a subsequent GetInstance and treat it as an offline instance.
func (s *Store) ListInstances(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, enginesSetKey).Result()
}

// RemoveInstance deletes an instance's record and its membership entry. Used
// by registry.Unregister for graceful shutdown; nothing removes dead
// instances through it, their record key expires with its TTL.
func (s *Store) RemoveInstance(ctx context.Context, instanceID string) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, instanceKey(instanceID))
	pipe.SRem(ctx, enginesSetKey, instanceID)
	_, err := pipe.Exec(ctx)
	return err
}

// SetCancelled sets the per-job cancellation sentinel, short-circuiting any
// worker that dequeues a dispatch message for this job afterwards.
func (s *Store) SetCancelled(ctx context.Context, jobID string) error {
	return s.redis.Set(ctx, cancelledKey(jobID), "1", 7*24*time.Hour).Err()
}

// IsCancelled reports whether the job's cancellation sentinel is set.
func (s *Store) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := s.redis.Exists(ctx, cancelledKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WaitingEntry is a task enqueued while no engine instance was available
// (spec §4.3, §4.9 step 2: "wait" policy).
type WaitingEntry struct {
	TaskID     string    `json:"task_id"`
	EngineID   string    `json:"engine_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Deadline   time.Time `json:"deadline"`
}

// MarkWaiting records that taskID was enqueued despite no available engine,
// together with its wait deadline (ENGINE_WAIT_TIMEOUT_SECONDS). Nothing
// reads the deadline back to fail the task.
func (s *Store) MarkWaiting(ctx context.Context, entry WaitingEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, waitingSetKey(), entry.TaskID)
	pipe.Set(ctx, waitingEntryKey(entry.TaskID), payload, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// ClearWaiting removes the waiting marker for a task, called when a worker
// claims it (spec §4.12 step 2.c: "clear them on claim").
func (s *Store) ClearWaiting(ctx context.Context, taskID string) error {
	pipe := s.redis.TxPipeline()
	pipe.SRem(ctx, waitingSetKey(), taskID)
	pipe.Del(ctx, waitingEntryKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// ListWaiting returns every task id currently marked as waiting for an
// engine. The scheduler does not read it.
func (s *Store) ListWaiting(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, waitingSetKey()).Result()
}

func (s *Store) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.redis.Set(ctx, key, payload, ttl).Err()
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	payload, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return json.Unmarshal(payload, v)
}
