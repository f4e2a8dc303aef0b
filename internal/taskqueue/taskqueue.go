// Package taskqueue implements per-engine durable dispatch streams (spec
// §4.2). Each logical engine id owns one stream and one shared Redis
// consumer group; every live instance of that engine id reads from the
// group under a consumer name equal to its own instance id, so that a
// crashed instance's pending entries can later be claimed, unambiguously,
// by a replacement (spec §9, "instance id as consumer name"). Enqueue goes
// through Pulse, like the rest of this codebase's streams; Consume talks to
// the same stream directly over go-redis, because claiming a dead
// instance's pending entries needs XPENDING/XCLAIM and a caller-chosen
// per-instance consumer name, neither of which streaming.Sink exposes.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/pulseclient"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/telemetry"
)

// idempotencyTTL bounds how long a dedup key suppresses a repeat enqueue.
const idempotencyTTL = 24 * time.Hour

// dispatchGroup is the single Redis consumer group shared by every instance
// of a given engine's dispatch stream. A shared group (rather than a
// per-instance one) is what makes a dead instance's pending entries visible
// to, and claimable by, any live sibling instance.
const dispatchGroup = "dispatch-workers"

// defaultClaimPollInterval is how often Consume checks for stale pending
// entries left behind by a dead instance, interleaved with normal delivery.
const defaultClaimPollInterval = 5 * time.Second

// defaultClaimIdleThreshold is how long a pending entry must have gone
// unacked before it is eligible for reclaim (spec §4.2 step 1: "~30s idle").
const defaultClaimIdleThreshold = 30 * time.Second

// Queue dispatches StreamMessages onto per-engine streams.
type Queue struct {
	pulse              pulseclient.Client
	redis              *redis.Client
	logger             telemetry.Logger
	claimPollInterval  time.Duration
	claimIdleThreshold time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger injects a logger.
func WithLogger(l telemetry.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithClaimPollInterval overrides claimPollInterval.
func WithClaimPollInterval(d time.Duration) Option { return func(q *Queue) { q.claimPollInterval = d } }

// WithClaimIdleThreshold overrides claimIdleThreshold.
func WithClaimIdleThreshold(d time.Duration) Option {
	return func(q *Queue) { q.claimIdleThreshold = d }
}

// New constructs a Queue. redisClient is used for the idempotency-key dedup
// index (spec §4.2): a GET of `idempotency:{key}` followed, for a new key, by
// a SET (with idempotencyTTL) that maps it to the resulting message id, and
// for the stale-entry claim scan (see Consume).
func New(pulse pulseclient.Client, redisClient *redis.Client, logger telemetry.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	q := &Queue{
		pulse:              pulse,
		redis:              redisClient,
		logger:             logger,
		claimPollInterval:  defaultClaimPollInterval,
		claimIdleThreshold: defaultClaimIdleThreshold,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// streamName returns the deterministic stream name for a logical engine id.
func streamName(engineID string) string {
	return fmt.Sprintf("dalston:dispatch:%s", engineID)
}

// Enqueue appends a dispatch message to engineID's stream. If msg carries an
// IdempotencyKey that has already produced a message, Enqueue returns the
// prior message id without appending a new entry (spec §4.2).
func (q *Queue) Enqueue(ctx context.Context, engineID string, msg model.StreamMessage) (string, error) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	if msg.IdempotencyKey != "" && q.redis != nil {
		dedupKey := "idempotency:" + msg.IdempotencyKey
		if prior, err := q.redis.Get(ctx, dedupKey).Result(); err == nil && prior != "" {
			q.logger.Debug(ctx, "dispatch suppressed by idempotency key", "key", msg.IdempotencyKey, "prior_id", prior)
			return prior, nil
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal dispatch message: %w", err)
	}
	stream, err := q.pulse.Stream(streamName(engineID))
	if err != nil {
		return "", fmt.Errorf("open dispatch stream for engine %q: %w", engineID, err)
	}
	id, err := stream.Add(ctx, "dispatch", payload)
	if err != nil {
		return "", fmt.Errorf("enqueue dispatch for engine %q: %w", engineID, err)
	}

	if msg.IdempotencyKey != "" && q.redis != nil {
		dedupKey := "idempotency:" + msg.IdempotencyKey
		if err := q.redis.Set(ctx, dedupKey, id, idempotencyTTL).Err(); err != nil {
			q.logger.Warn(ctx, "failed to record idempotency key; duplicate dispatch possible on retry",
				"key", msg.IdempotencyKey, "err", err)
		}
	}
	return id, nil
}

// Consume lazily creates this engine's shared consumer group and reads from
// it as consumer instanceID, returning decoded dispatch messages from two
// sources: freshly delivered entries, and — gated by reg, which may be nil
// to disable the behavior — stale entries abandoned by a consumer the
// registry no longer considers live (spec §4.2 step 1, §4.12 step 2a).
// Callers must Ack every delivery exactly once, regardless of processing
// outcome (spec §4.2 step 3: "always ACK — even on failure").
//
// Pulse's own streaming.Sink does not expose the consumer-group primitives
// (XPENDING/XCLAIM) this reclaim needs, nor does it let a caller pick its
// own consumer name within a shared group (NewSink's name becomes the
// group). Consume therefore reads the dispatch stream directly through the
// same go-redis client this package already uses for idempotency and
// delivery-count bookkeeping, giving every instance an explicit, addressable
// consumer identity equal to its own instanceID.
func (q *Queue) Consume(ctx context.Context, engineID, instanceID string, reg *registry.Registry) (<-chan Delivery, error) {
	if q.redis == nil {
		return nil, fmt.Errorf("taskqueue: consume requires a redis client")
	}
	stream := streamName(engineID)
	if err := q.redis.XGroupCreateMkStream(ctx, stream, dispatchGroup, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("create consumer group %q on engine %q stream: %w", dispatchGroup, engineID, err)
	}

	out := make(chan Delivery, 16)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    dispatchGroup,
				Consumer: instanceID,
				Streams:  []string{stream, ">"},
				Count:    1,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err != redis.Nil {
					q.logger.Debug(ctx, "dispatch read failed", "engine_id", engineID, "err", err)
				}
				continue
			}
			for _, s := range res {
				for _, xm := range s.Messages {
					if !q.deliverClaimed(ctx, engineID, stream, xm, out) {
						return
					}
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		if reg == nil {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(q.claimPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.claimStaleEntry(ctx, engineID, instanceID, reg, out)
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// isBusyGroupErr reports whether err is Redis' BUSYGROUP response, returned
// by XGROUP CREATE when the group already exists — the expected outcome for
// every instance after the first to call Consume for a given engine.
func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// deliverClaimed decodes a freshly read stream entry and pushes it onto out,
// wiring its Ack to XACK. Returns false if ctx was cancelled while sending,
// signaling the caller to stop reading.
func (q *Queue) deliverClaimed(ctx context.Context, engineID, stream string, xm redis.XMessage, out chan<- Delivery) bool {
	msg, ok := decodeClaimedMessage(xm)
	if !ok {
		q.logger.Error(ctx, "malformed dispatch message, acking to avoid poison-pill redelivery",
			"engine_id", engineID, "event_id", xm.ID, "err", "undecodable payload")
		q.redis.XAck(ctx, stream, dispatchGroup, xm.ID)
		return true
	}
	entryID := xm.ID
	msg.ID = entryID
	msg.DeliveryCount = q.deliveryCount(ctx, engineID, entryID)
	select {
	case out <- Delivery{Message: msg, ack: func(ctx context.Context) error {
		return q.redis.XAck(ctx, stream, dispatchGroup, entryID).Err()
	}}:
		return true
	case <-ctx.Done():
		return false
	}
}

// claimStaleEntry looks for at most one pending dispatch entry whose owning
// consumer has been idle past q.claimIdleThreshold and is no longer live per
// reg, reassigns it to instanceID, and — if its payload decodes cleanly —
// emits it on out. It claims at most one entry per call so a single dead
// instance's backlog is drained gradually across polls rather than all at
// once, and so a transient registry hiccup can't mass-reassign a whole
// group's pending entries in one pass (spec §4.2 step 1: bounded to one
// claim per iteration).
func (q *Queue) claimStaleEntry(ctx context.Context, engineID, instanceID string, reg *registry.Registry, out chan<- Delivery) {
	stream := streamName(engineID)
	pending, err := q.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  dispatchGroup,
		Idle:   q.claimIdleThreshold,
		Start:  "-",
		End:    "+",
		Count:  16,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			q.logger.Debug(ctx, "stale dispatch entry scan failed", "engine_id", engineID, "err", err)
		}
		return
	}

	for _, p := range pending {
		if p.Consumer == instanceID {
			continue
		}
		if reg.IsLive(ctx, p.Consumer) {
			continue
		}

		claimed, err := q.redis.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    dispatchGroup,
			Consumer: instanceID,
			MinIdle:  q.claimIdleThreshold,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}

		entryID := p.ID
		msg, ok := decodeClaimedMessage(claimed[0])
		if !ok {
			q.logger.Error(ctx, "dead instance's pending dispatch entry has unreadable payload, acking to avoid poison-pill redelivery",
				"engine_id", engineID, "event_id", entryID, "dead_instance_id", p.Consumer)
			q.redis.XAck(ctx, stream, dispatchGroup, entryID)
			return
		}
		msg.ID = entryID
		msg.DeliveryCount = q.deliveryCount(ctx, engineID, entryID)

		q.logger.Info(ctx, "claimed dispatch entry from dead instance",
			"engine_id", engineID, "task_id", msg.TaskID, "dead_instance_id", p.Consumer,
			"claiming_instance_id", instanceID, "registry_offline_threshold", reg.OfflineThreshold())

		select {
		case out <- Delivery{Message: msg, ack: func(ctx context.Context) error {
			return q.redis.XAck(ctx, stream, dispatchGroup, entryID).Err()
		}}:
		case <-ctx.Done():
		}
		return
	}
}

// decodeClaimedMessage extracts and unmarshals the dispatch payload from a
// raw stream entry. Pulse's Stream.Add writes the JSON payload under the
// "payload" field, so entries read fresh via XREADGROUP and entries reclaimed
// via XCLAIM both decode the same way.
func decodeClaimedMessage(xm redis.XMessage) (model.StreamMessage, bool) {
	raw, ok := xm.Values["payload"]
	if !ok {
		return model.StreamMessage{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return model.StreamMessage{}, false
	}
	var msg model.StreamMessage
	if err := json.Unmarshal([]byte(s), &msg); err != nil {
		return model.StreamMessage{}, false
	}
	return msg, true
}

// Delivery pairs a decoded dispatch message with the means to acknowledge
// it, regardless of whether it arrived via fresh delivery or stale-entry
// reclaim.
type Delivery struct {
	Message model.StreamMessage
	ack     func(context.Context) error
}

// Ack acknowledges the delivery, removing it from its consumer group's
// pending entries list.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// deliveryCount tracks how many times a given stream entry id has been
// observed by a consumer. XPENDING also reports a retry count, but only
// once an entry is actually pending; this counter is cheaper to maintain
// and covers first-time deliveries too, which is all the spec's "log or use
// for metric labels" use case (§4.2 step 3) needs.
func (q *Queue) deliveryCount(ctx context.Context, engineID, entryID string) int {
	if q.redis == nil {
		return 1
	}
	key := fmt.Sprintf("delivery-count:%s:%s", engineID, entryID)
	n, err := q.redis.Incr(ctx, key).Result()
	if err != nil {
		return 1
	}
	q.redis.Expire(ctx, key, idempotencyTTL)
	return int(n)
}
