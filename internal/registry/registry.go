// Package registry implements the live engine-instance registry described in
// spec §4.5: a heartbeat map of running engine instances and their declared
// capabilities. Instances register on startup, heartbeat every ~10s, and
// remove themselves on graceful shutdown; staleness is always inferred from
// elapsed time rather than an explicit "I am dead" signal (spec §3, §9
// "stale reads are safe").
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/telemetry"
)

// DefaultHeartbeatInterval is how often a registered instance refreshes its
// record (spec §4.5).
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultOfflineThreshold is the age past which an instance's heartbeat is
// treated as stale regardless of any lingering record (spec §4.5: "~60s").
const DefaultOfflineThreshold = 60 * time.Second

// Registry is the client-facing view over the metadata store's instance
// records: the orchestrator, selector, and sweeper all read through it; no
// other package reads `instance:*` keys directly.
type Registry struct {
	store              *metadatastore.Store
	logger             telemetry.Logger
	heartbeatInterval  time.Duration
	offlineThreshold   time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option { return func(r *Registry) { r.heartbeatInterval = d } }

// WithOfflineThreshold overrides DefaultOfflineThreshold.
func WithOfflineThreshold(d time.Duration) Option { return func(r *Registry) { r.offlineThreshold = d } }

// WithLogger injects a logger.
func WithLogger(l telemetry.Logger) Option { return func(r *Registry) { r.logger = l } }

// New constructs a Registry over the given metadata store.
func New(store *metadatastore.Store, opts ...Option) *Registry {
	r := &Registry{
		store:             store,
		logger:            telemetry.NewNoopLogger(),
		heartbeatInterval: DefaultHeartbeatInterval,
		offlineThreshold:  DefaultOfflineThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registration is a handle returned by Register; the caller must call
// Heartbeat periodically (or use RunHeartbeat to do so on a background
// goroutine) and Unregister on graceful shutdown.
type Registration struct {
	InstanceID string
	EngineID   string
	Stage      string
}

// Register writes the instance's initial record and starts it heartbeating
// immediately (the first PutInstance call doubles as the first heartbeat).
func (r *Registry) Register(ctx context.Context, instanceID, engineID, stage string, caps model.EngineCapabilities) (*Registration, error) {
	return r.RegisterEndpoint(ctx, instanceID, engineID, stage, caps, "")
}

// RegisterEndpoint is Register plus a dialable endpoint, used by real-time
// workers so the session router can proxy to the chosen instance (spec
// §4.13). Batch engines have no endpoint and pass "".
func (r *Registry) RegisterEndpoint(ctx context.Context, instanceID, engineID, stage string, caps model.EngineCapabilities, endpoint string) (*Registration, error) {
	rec := metadatastore.InstanceRecord{
		EngineID:     engineID,
		InstanceID:   instanceID,
		Stage:        stage,
		Capabilities: caps,
		Status:       model.InstanceIdle,
		Heartbeat:    time.Now().UTC(),
		Endpoint:     endpoint,
	}
	if err := r.store.PutInstance(ctx, rec, r.heartbeatInterval); err != nil {
		return nil, fmt.Errorf("registry: register instance %q: %w", instanceID, err)
	}
	r.logger.Info(ctx, "engine instance registered", "instance_id", instanceID, "engine_id", engineID, "stage", stage)
	return &Registration{InstanceID: instanceID, EngineID: engineID, Stage: stage}, nil
}

// Heartbeat refreshes an instance's record, optionally updating its
// self-reported status and current task. Capabilities are rewritten on every
// heartbeat too (spec §4.5: "tolerating catalog updates per rollout").
func (r *Registry) Heartbeat(ctx context.Context, instanceID string, status model.EngineInstanceStatus, currentTask string, caps model.EngineCapabilities) error {
	existing, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("registry: heartbeat unknown instance %q: %w", instanceID, err)
	}
	existing.Status = status
	existing.CurrentTask = currentTask
	existing.Capabilities = caps
	existing.Heartbeat = time.Now().UTC()
	return r.store.PutInstance(ctx, existing, r.heartbeatInterval)
}

// RunHeartbeat runs Heartbeat on r.heartbeatInterval until ctx is cancelled.
// statusFn/currentTaskFn are polled on every tick so the heartbeat always
// reflects the worker's live state without the worker having to coordinate
// with this goroutine directly.
func (r *Registry) RunHeartbeat(ctx context.Context, instanceID string, caps model.EngineCapabilities, statusFn func() model.EngineInstanceStatus, currentTaskFn func() string) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := model.InstanceIdle
			if statusFn != nil {
				status = statusFn()
			}
			var task string
			if currentTaskFn != nil {
				task = currentTaskFn()
			}
			if err := r.Heartbeat(ctx, instanceID, status, task, caps); err != nil {
				r.logger.Warn(ctx, "heartbeat failed", "instance_id", instanceID, "err", err)
			}
		}
	}
}

// SessionStarted increments a real-time instance's active-session count
// (spec §4.13: "worker publishes session.started ... via the registry").
func (r *Registry) SessionStarted(ctx context.Context, instanceID string) error {
	return r.adjustSessions(ctx, instanceID, 1)
}

// SessionEnded decrements a real-time instance's active-session count.
func (r *Registry) SessionEnded(ctx context.Context, instanceID string) error {
	return r.adjustSessions(ctx, instanceID, -1)
}

func (r *Registry) adjustSessions(ctx context.Context, instanceID string, delta int) error {
	rec, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("registry: adjust sessions for %q: %w", instanceID, err)
	}
	rec.ActiveSessions += delta
	if rec.ActiveSessions < 0 {
		rec.ActiveSessions = 0
	}
	rec.Heartbeat = time.Now().UTC()
	return r.store.PutInstance(ctx, rec, r.heartbeatInterval)
}

// Unregister removes the instance's record on graceful shutdown.
func (r *Registry) Unregister(ctx context.Context, instanceID string) error {
	if err := r.store.RemoveInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("registry: unregister instance %q: %w", instanceID, err)
	}
	r.logger.Info(ctx, "engine instance unregistered", "instance_id", instanceID)
	return nil
}

// Get returns a single instance's record, resolved to a model.EngineInstance
// with its live Available() already computable by the caller.
func (r *Registry) Get(ctx context.Context, instanceID string) (model.EngineInstance, error) {
	rec, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.EngineInstance{}, err
	}
	return toInstance(rec), nil
}

// ListForStage returns every live instance declaring support for stage,
// sorted by instance id for deterministic selection. Instances whose
// heartbeat has lapsed past the offline threshold are excluded; instances
// present in the membership set but already reaped (TTL expired) are
// silently skipped rather than erroring, per spec §4.3 ("some entries may
// have already expired").
func (r *Registry) ListForStage(ctx context.Context, stage string) ([]model.EngineInstance, error) {
	ids, err := r.store.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list instances: %w", err)
	}
	now := time.Now().UTC()
	var out []model.EngineInstance
	for _, id := range ids {
		rec, err := r.store.GetInstance(ctx, id)
		if err != nil {
			continue
		}
		inst := toInstance(rec)
		if inst.Stage != stage {
			continue
		}
		if !inst.Available(now, r.offlineThreshold) {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// ListAll returns every registered instance (any stage), including ones
// whose heartbeat is older than the offline threshold.
func (r *Registry) ListAll(ctx context.Context) ([]model.EngineInstance, error) {
	ids, err := r.store.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list instances: %w", err)
	}
	var out []model.EngineInstance
	for _, id := range ids {
		rec, err := r.store.GetInstance(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, toInstance(rec))
	}
	return out, nil
}

// IsLive reports whether instanceID currently has a non-expired record. Used
// by the task queue's stale-claim logic (spec §4.2 step 1: "consumer missing
// from the instance registry").
func (r *Registry) IsLive(ctx context.Context, instanceID string) bool {
	rec, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false
	}
	return time.Since(rec.Heartbeat) < r.offlineThreshold
}

// OfflineThreshold exposes the configured threshold for callers (e.g. the
// task queue's stale-pending claim logic) that need to reason about
// dead-instance inference without duplicating the constant.
func (r *Registry) OfflineThreshold() time.Duration { return r.offlineThreshold }

func toInstance(rec metadatastore.InstanceRecord) model.EngineInstance {
	return model.EngineInstance{
		EngineID:       rec.EngineID,
		InstanceID:     rec.InstanceID,
		Stage:          rec.Stage,
		Status:         rec.Status,
		CurrentTask:    rec.CurrentTask,
		LastHeartbeat:  rec.Heartbeat,
		Capabilities:   rec.Capabilities,
		Endpoint:       rec.Endpoint,
		ActiveSessions: rec.ActiveSessions,
	}
}
