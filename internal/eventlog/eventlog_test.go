package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/dalstontest"
	"github.com/ssarunic/dalston/internal/eventlog"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/pulseclient"
)

func newLog(t *testing.T) *eventlog.Log {
	t.Helper()
	rdb := dalstontest.GetRedis(t)
	pulse, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	require.NoError(t, err)
	return eventlog.New(pulse, rdb, nil, nil)
}

func TestAppendThenSubscribeDeliversEvent(t *testing.T) {
	log := newLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deliveries, sink, err := log.Subscribe(ctx)
	require.NoError(t, err)

	_, err = log.Append(ctx, model.DurableEvent{Type: model.EventTaskStarted, TaskID: "t-1", JobID: "job-1", EngineID: "preparer"})
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		assert.Equal(t, model.EventTaskStarted, d.Event.Type)
		assert.Equal(t, "t-1", d.Event.TaskID)
		assert.False(t, d.Event.Timestamp.IsZero(), "Append stamps a timestamp when the caller omits one")
		require.NoError(t, sink.Ack(ctx, d.Raw))
	case <-ctx.Done():
		t.Fatal("timed out waiting for durable event delivery")
	}
}

func TestAppendPreservesCallerSuppliedTimestamp(t *testing.T) {
	log := newLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	deliveries, sink, err := log.Subscribe(ctx)
	require.NoError(t, err)

	_, err = log.Append(ctx, model.DurableEvent{Type: model.EventTaskFailed, TaskID: "t-2", JobID: "job-2", Timestamp: ts, Error: "boom"})
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		assert.True(t, ts.Equal(d.Event.Timestamp))
		require.NoError(t, sink.Ack(ctx, d.Raw))
	case <-ctx.Done():
		t.Fatal("timed out waiting for durable event delivery")
	}
}
