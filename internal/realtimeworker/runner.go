package realtimeworker

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/telemetry"
	"github.com/ssarunic/dalston/internal/vad"
)

// DetectorFactory builds a fresh vad.Detector per session; most speech
// models carry per-stream state and cannot be shared across sessions.
type DetectorFactory func() vad.Detector

// Runner terminates WebSocket sessions for one real-time engine instance: it
// registers with the engine registry (advertising its endpoint so the
// session router can proxy to it), upgrades incoming connections, and runs
// each to completion as a Session (spec §4.14).
type Runner struct {
	instanceID string
	engineID   string
	caps       model.EngineCapabilities
	endpoint   string

	registry   *registry.Registry
	upgrader   websocket.Upgrader
	detectorFn DetectorFactory
	transcribe TranscribeFunc
	logger     telemetry.Logger

	activeSessions atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger injects a logger.
func WithLogger(l telemetry.Logger) Option { return func(r *Runner) { r.logger = l } }

// New constructs a Runner for one real-time engine instance.
func New(instanceID, engineID string, caps model.EngineCapabilities, endpoint string, reg *registry.Registry, detectorFn DetectorFactory, transcribeFn TranscribeFunc, opts ...Option) *Runner {
	r := &Runner{
		instanceID: instanceID,
		engineID:   engineID,
		caps:       caps,
		endpoint:   endpoint,
		registry:   reg,
		detectorFn: detectorFn,
		transcribe: transcribeFn,
		logger:     telemetry.NewNoopLogger(),
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status reflects whether the instance has any capacity left, used as the
// heartbeat's self-reported status (spec §4.13's capacity filter reads the
// registry, not this value directly, but it keeps dashboards honest).
func (r *Runner) status() model.EngineInstanceStatus {
	if r.caps.MaxConcurrentSessions > 0 && int(r.activeSessions.Load()) >= r.caps.MaxConcurrentSessions {
		return model.InstanceProcessing
	}
	return model.InstanceIdle
}

func (r *Runner) currentTaskID() string { return "" }

// Register writes the instance's registry record; it does not heartbeat
// (RunHeartbeat does). Callers should defer Unregister.
func (r *Runner) Register(ctx context.Context) error {
	if _, err := r.registry.RegisterEndpoint(ctx, r.instanceID, r.engineID, "realtime", r.caps, r.endpoint); err != nil {
		return fmt.Errorf("realtimeworker: register: %w", err)
	}
	return nil
}

// RunHeartbeat runs the registry heartbeat loop until ctx is cancelled.
func (r *Runner) RunHeartbeat(ctx context.Context) {
	r.registry.RunHeartbeat(ctx, r.instanceID, r.caps, r.status, r.currentTaskID)
}

// Unregister removes the instance's registry record on shutdown.
func (r *Runner) Unregister(ctx context.Context) error {
	return r.registry.Unregister(ctx, r.instanceID)
}

// HandleUpgrade is the http.HandlerFunc the runner's binary mounts on its
// WebSocket path. It parses session parameters from the query string,
// upgrades the connection, and runs the session to completion.
func (r *Runner) HandleUpgrade(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cfg, err := parseSessionConfig(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.caps.MaxConcurrentSessions > 0 && int(r.activeSessions.Load()) >= r.caps.MaxConcurrentSessions {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn(ctx, "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	detector := r.detectorFn()
	session, err := NewSession(cfg.SessionID, conn, cfg, detector, r.transcribe, r.logger)
	if err != nil {
		r.logger.Warn(ctx, "session construction failed", "err", err)
		return
	}

	r.activeSessions.Add(1)
	_ = r.registry.SessionStarted(ctx, r.instanceID)
	defer func() {
		r.activeSessions.Add(-1)
		_ = r.registry.SessionEnded(context.Background(), r.instanceID)
	}()

	if err := session.Run(ctx); err != nil {
		r.logger.Warn(ctx, "session ended with error", "session_id", session.ID(), "err", err)
	}
}
