package router_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/dalstontest"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/router"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(metadatastore.New(dalstontest.GetRedis(t)))
}

func TestSelectPrefersInstanceWithFewestActiveSessions(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterEndpoint(ctx, "inst-busy", "whisper-streaming-en", "realtime", model.EngineCapabilities{
		EngineID: "whisper-streaming-en", Stages: []string{"realtime"}, Languages: []string{"en"}, MaxConcurrentSessions: 10,
	}, "worker-a:9000")
	require.NoError(t, err)
	require.NoError(t, reg.SessionStarted(ctx, "inst-busy"))
	require.NoError(t, reg.SessionStarted(ctx, "inst-busy"))

	_, err = reg.RegisterEndpoint(ctx, "inst-idle", "whisper-streaming-en", "realtime", model.EngineCapabilities{
		EngineID: "whisper-streaming-en", Stages: []string{"realtime"}, Languages: []string{"en"}, MaxConcurrentSessions: 10,
	}, "worker-b:9000")
	require.NoError(t, err)

	r := router.New(reg)
	inst, err := r.Select(ctx, "en", "")
	require.NoError(t, err)
	assert.Equal(t, "inst-idle", inst.InstanceID)
}

func TestSelectExcludesInstancesAtCapacity(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterEndpoint(ctx, "inst-full", "whisper-streaming-en", "realtime", model.EngineCapabilities{
		EngineID: "whisper-streaming-en", Stages: []string{"realtime"}, MaxConcurrentSessions: 1,
	}, "worker-a:9000")
	require.NoError(t, err)
	require.NoError(t, reg.SessionStarted(ctx, "inst-full"))

	r := router.New(reg)
	_, err = r.Select(ctx, "", "")
	assert.ErrorIs(t, err, router.ErrNoCapacity)
}

func TestSelectFiltersByLanguageAndModel(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterEndpoint(ctx, "inst-fr", "whisper-multilingual-rt", "realtime", model.EngineCapabilities{
		EngineID: "whisper-multilingual-rt", Stages: []string{"realtime"}, Languages: []string{"fr"},
		ModelVariants: []string{"large-v3"}, MaxConcurrentSessions: 5,
	}, "worker-fr:9000")
	require.NoError(t, err)

	r := router.New(reg)
	_, err = r.Select(ctx, "en", "")
	assert.ErrorIs(t, err, router.ErrNoCapacity, "no instance declares english")

	inst, err := r.Select(ctx, "fr", "large-v3")
	require.NoError(t, err)
	assert.Equal(t, "inst-fr", inst.InstanceID)

	_, err = r.Select(ctx, "fr", "tiny")
	assert.ErrorIs(t, err, router.ErrNoCapacity, "no instance declares the tiny model variant")
}

func TestSelectNoInstancesRegistered(t *testing.T) {
	reg := newRegistry(t)
	r := router.New(reg)
	_, err := r.Select(context.Background(), "en", "")
	assert.ErrorIs(t, err, router.ErrNoCapacity)
}
