// Package eventlog implements the durable, replayable append-only log of
// task lifecycle events described in spec §4.1. It is the authoritative path
// for task state transitions; a best-effort pub/sub fan-out rides alongside
// it for low-latency, non-authoritative consumers (UIs, metrics) and is
// never treated as a source of truth (spec §9, dual-write risk).
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/pulseclient"
	"github.com/ssarunic/dalston/internal/telemetry"
	"goa.design/pulse/streaming"
)

const (
	// streamName is the single durable stream carrying every task lifecycle
	// event; the orchestrator consumer group is the sole authoritative
	// reader.
	streamName = "dalston:events"

	// consumerGroup is the authoritative reader group. Spec §4.10 calls this
	// "a single authoritative consumer" — only one orchestrator process
	// should run this group's Subscribe loop at a time.
	consumerGroup = "orchestrator"

	// pubsubChannel is the fire-and-forget fan-out channel. Never read by
	// the reconciler.
	pubsubChannel = "dalston:events:fanout"

	maxRetries  = 5
	baseBackoff = 100 * time.Millisecond
	maxBackoff  = 1600 * time.Millisecond
)

// Log is the durable event log plus its best-effort fan-out.
type Log struct {
	pulse  pulseclient.Client
	redis  *redis.Client
	logger telemetry.Logger
	tracer telemetry.Tracer
}

// New constructs a Log. redisClient is used for the fire-and-forget pub/sub
// fan-out (a plain Redis PUBLISH, distinct from the durable Pulse stream).
func New(pulse pulseclient.Client, redisClient *redis.Client, logger telemetry.Logger, tracer telemetry.Tracer) *Log {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Log{pulse: pulse, redis: redisClient, logger: logger, tracer: tracer}
}

// Append writes ev to the durable stream with exponential-backoff retry (5
// attempts, 100ms -> 1.6s per spec §4.1), then best-effort publishes the same
// payload to the fan-out channel. A fan-out failure is logged but never
// returned: it is not authoritative.
func (l *Log) Append(ctx context.Context, ev model.DurableEvent) (string, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal durable event: %w", err)
	}

	stream, err := l.pulse.Stream(streamName)
	if err != nil {
		return "", fmt.Errorf("open event stream: %w", err)
	}

	var id string
	var lastErr error
	backoff := baseBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		id, lastErr = stream.Add(ctx, string(ev.Type), payload)
		if lastErr == nil {
			break
		}
		l.logger.Warn(ctx, "durable event append failed, retrying",
			"attempt", attempt+1, "task_id", ev.TaskID, "event_type", ev.Type, "err", lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(maxBackoff)))
	}
	if lastErr != nil {
		// All retries exhausted. This is the "critical marker" the spec
		// describes: the sweeper is the safety net from here.
		l.logger.Error(ctx, "durable event append exhausted retries; relying on sweeper for recovery",
			"task_id", ev.TaskID, "event_type", ev.Type, "err", lastErr)
		return "", fmt.Errorf("append durable event after %d attempts: %w", maxRetries, lastErr)
	}

	if l.redis != nil {
		if err := l.redis.Publish(ctx, pubsubChannel, payload).Err(); err != nil {
			l.logger.Debug(ctx, "fanout publish failed (non-authoritative)", "task_id", ev.TaskID, "err", err)
		}
	}
	return id, nil
}

// Subscribe opens the authoritative consumer-group sink and returns decoded
// events alongside the underlying raw entry (needed for Ack). Callers MUST
// call Ack exactly once per delivered event once they have durably applied
// its state transition — reconciliation idempotence is the event loop's
// responsibility, not this package's.
func (l *Log) Subscribe(ctx context.Context) (<-chan Delivery, pulseclient.Sink, error) {
	stream, err := l.pulse.Stream(streamName)
	if err != nil {
		return nil, nil, fmt.Errorf("open event stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, consumerGroup)
	if err != nil {
		return nil, nil, fmt.Errorf("create consumer group %q: %w", consumerGroup, err)
	}

	out := make(chan Delivery, 64)
	go func() {
		defer close(out)
		for raw := range sink.Subscribe() {
			d, err := decode(raw)
			if err != nil {
				l.logger.Error(ctx, "malformed durable event, acking to avoid poison-pill redelivery", "event_id", raw.ID, "err", err)
				_ = sink.Ack(ctx, raw)
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sink, nil
}

// Delivery pairs a decoded durable event with its raw stream entry so the
// event loop can Ack after applying the transition.
type Delivery struct {
	Event model.DurableEvent
	Raw   *streaming.Event
}

func decode(raw *streaming.Event) (Delivery, error) {
	var ev model.DurableEvent
	if err := json.Unmarshal(raw.Payload, &ev); err != nil {
		return Delivery{}, err
	}
	return Delivery{Event: ev, Raw: raw}, nil
}
