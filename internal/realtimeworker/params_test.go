package realtimeworker

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/model"
)

func reqWithQuery(raw string) *http.Request {
	return &http.Request{URL: &url.URL{RawQuery: raw}}
}

func TestParseSessionConfigDefaults(t *testing.T) {
	cfg, err := parseSessionConfig(reqWithQuery("encoding=pcm_s16le&sample_rate=16000"))
	require.NoError(t, err)
	assert.Equal(t, model.EncodingPCMS16LE, cfg.Encoding)
	assert.Equal(t, 16000, cfg.SampleRate)
	assert.Equal(t, 1, cfg.Channels)
	assert.True(t, cfg.EnableVAD, "vad defaults on")
	assert.False(t, cfg.InterimResults)
	assert.False(t, cfg.WordTimestamps)
}

func TestParseSessionConfigMissingEncoding(t *testing.T) {
	_, err := parseSessionConfig(reqWithQuery("sample_rate=16000"))
	assert.Error(t, err)
}

func TestParseSessionConfigInvalidSampleRate(t *testing.T) {
	_, err := parseSessionConfig(reqWithQuery("encoding=pcm_s16le&sample_rate=not-a-number"))
	assert.Error(t, err)
}

func TestParseSessionConfigFullySpecified(t *testing.T) {
	cfg, err := parseSessionConfig(reqWithQuery(
		"encoding=pcm_f32le&sample_rate=8000&channels=2&session_id=abc&language=en&model=large-v3" +
			"&enable_vad=false&interim_results=true&word_timestamps=true&vad_threshold=0.7"))
	require.NoError(t, err)
	assert.Equal(t, model.EncodingPCMF32LE, cfg.Encoding)
	assert.Equal(t, 8000, cfg.SampleRate)
	assert.Equal(t, 2, cfg.Channels)
	assert.Equal(t, "abc", cfg.SessionID)
	assert.Equal(t, "en", cfg.Language)
	assert.Equal(t, "large-v3", cfg.Model)
	assert.False(t, cfg.EnableVAD)
	assert.True(t, cfg.InterimResults)
	assert.True(t, cfg.WordTimestamps)
	assert.InDelta(t, 0.7, cfg.VADThreshold, 0.0001)
}
