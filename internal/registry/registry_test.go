package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/dalstontest"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/registry"
)

func newTestStore(t *testing.T) *metadatastore.Store {
	t.Helper()
	return metadatastore.New(dalstontest.GetRedis(t))
}

func TestRegisterHeartbeatAvailability(t *testing.T) {
	store := newTestStore(t)
	reg := registry.New(store, registry.WithOfflineThreshold(50*time.Millisecond))
	ctx := context.Background()

	caps := model.EngineCapabilities{EngineID: "whisper-large-en", Stages: []string{"transcribe"}, Languages: []string{"en"}}
	_, err := reg.Register(ctx, "inst-1", "whisper-large-en", "transcribe", caps)
	require.NoError(t, err)

	instances, err := reg.ListForStage(ctx, "transcribe")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.True(t, reg.IsLive(ctx, "inst-1"))

	time.Sleep(80 * time.Millisecond)
	instances, err = reg.ListForStage(ctx, "transcribe")
	require.NoError(t, err)
	require.Empty(t, instances, "instance should be treated as offline once heartbeat lapses")
	require.False(t, reg.IsLive(ctx, "inst-1"))

	require.NoError(t, reg.Heartbeat(ctx, "inst-1", model.InstanceIdle, "", caps))
	instances, err = reg.ListForStage(ctx, "transcribe")
	require.NoError(t, err)
	require.Len(t, instances, 1)
}

func TestRegisterEndpointTracksActiveSessions(t *testing.T) {
	store := newTestStore(t)
	reg := registry.New(store)
	ctx := context.Background()

	caps := model.EngineCapabilities{EngineID: "whisper-streaming-en", Stages: []string{"realtime"}, MaxConcurrentSessions: 2}
	_, err := reg.RegisterEndpoint(ctx, "rt-1", "whisper-streaming-en", "realtime", caps, "worker-1:9000")
	require.NoError(t, err)

	instances, err := reg.ListForStage(ctx, "realtime")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "worker-1:9000", instances[0].Endpoint)
	assert.True(t, instances[0].HasCapacity())

	require.NoError(t, reg.SessionStarted(ctx, "rt-1"))
	require.NoError(t, reg.SessionStarted(ctx, "rt-1"))
	inst, err := reg.Get(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, 2, inst.ActiveSessions)
	assert.False(t, inst.HasCapacity(), "active sessions equal to the declared max leaves no capacity")

	require.NoError(t, reg.SessionEnded(ctx, "rt-1"))
	inst, err = reg.Get(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.ActiveSessions)
	assert.True(t, inst.HasCapacity())
}

func TestSessionEndedNeverGoesNegative(t *testing.T) {
	store := newTestStore(t)
	reg := registry.New(store)
	ctx := context.Background()

	_, err := reg.RegisterEndpoint(ctx, "rt-2", "whisper-streaming-en", "realtime", model.EngineCapabilities{Stages: []string{"realtime"}}, "worker-2:9000")
	require.NoError(t, err)

	require.NoError(t, reg.SessionEnded(ctx, "rt-2"))
	inst, err := reg.Get(ctx, "rt-2")
	require.NoError(t, err)
	assert.Equal(t, 0, inst.ActiveSessions)
}

func TestUnregister(t *testing.T) {
	store := newTestStore(t)
	reg := registry.New(store)
	ctx := context.Background()

	caps := model.EngineCapabilities{EngineID: "aligner-ctc", Stages: []string{"align"}}
	_, err := reg.Register(ctx, "inst-2", "aligner-ctc", "align", caps)
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(ctx, "inst-2"))

	instances, err := reg.ListForStage(ctx, "align")
	require.NoError(t, err)
	require.Empty(t, instances)
}
