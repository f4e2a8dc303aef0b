// Package jobstore persists the full Job and Task objects — status,
// dependency sets, retry counters — that the metadata store's leaner
// TaskRecord (spec §4.3) does not carry. The event loop, scheduler entry
// point, and sweeper all go through this package so that "restarting the
// orchestrator process mid-job reproduces the final job state solely from
// the durable stores" (spec §8) holds: nothing about job/task state lives
// only in the orchestrator's memory.
//
// This package is additive over spec §4.3: the spec's metadata-store key
// shape covers routing and liveness, not full task/job state.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssarunic/dalston/internal/model"
)

// ErrNotFound is returned when a job or task record does not exist.
var ErrNotFound = errors.New("jobstore: not found")

// recordTTL is the Redis expiry that PutJob and PutTask set on every job and
// task record, terminal or not, so a record expires recordTTL after its last
// write.
const recordTTL = 7 * 24 * time.Hour

// Store persists Job and Task records and the indices needed to enumerate
// them (per-job task membership, and the set of non-terminal jobs the
// sweeper must scan).
type Store struct {
	redis *redis.Client
}

// New constructs a Store over an existing Redis connection.
func New(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func jobKey(jobID string) string       { return "jobstore:job:" + jobID }
func taskKey(taskID string) string     { return "jobstore:task:" + taskID }
func jobTasksKey(jobID string) string  { return "jobstore:job:" + jobID + ":tasks" }

const activeJobsKey = "jobstore:active-jobs"

// PutJob writes (or overwrites) a job record. Active (non-terminal) jobs are
// indexed in a set the sweeper scans; terminal jobs are removed from that
// index so the sweeper's work shrinks as jobs finish.
func (s *Store) PutJob(ctx context.Context, job model.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobstore: marshal job %q: %w", job.ID, err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), payload, recordTTL)
	if job.Terminal() {
		pipe.SRem(ctx, activeJobsKey, job.ID)
	} else {
		pipe.SAdd(ctx, activeJobsKey, job.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetJob reads a job record.
func (s *Store) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	var job model.Job
	if err := s.getJSON(ctx, jobKey(jobID), &job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// ListActiveJobs returns every job id not yet in a terminal state. The
// sweeper iterates this set rather than every job ever created.
func (s *Store) ListActiveJobs(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, activeJobsKey).Result()
}

// PutTask writes (or overwrites) a task record and indexes it under its
// job's task set.
func (s *Store) PutTask(ctx context.Context, task model.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("jobstore: marshal task %q: %w", task.ID, err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), payload, recordTTL)
	pipe.SAdd(ctx, jobTasksKey(task.JobID), task.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// GetTask reads a task record.
func (s *Store) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	var task model.Task
	if err := s.getJSON(ctx, taskKey(taskID), &task); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// ListTasks returns every task belonging to jobID, in no particular order.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]model.Task, error) {
	ids, err := s.redis.SMembers(ctx, jobTasksKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: list tasks for job %q: %w", jobID, err)
	}
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTask reaps a task record and its job-set membership. Called by the
// sweeper once the owning job is terminal and the record's TTL window has
// elapsed conceptually (the sweeper decides the threshold; this call is
// unconditional).
func (s *Store) DeleteTask(ctx context.Context, task model.Task) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, taskKey(task.ID))
	pipe.SRem(ctx, jobTasksKey(task.JobID), task.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	payload, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("jobstore: get %s: %w", key, err)
	}
	return json.Unmarshal(payload, v)
}
