package vad_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssarunic/dalston/internal/vad"
)

// sequenceDetector reports a fixed probability per call, advancing through a
// scripted sequence so tests can drive the state machine deterministically.
type sequenceDetector struct {
	probs []float64
	i     int
}

func (d *sequenceDetector) SpeechProbability(chunk []float32) float64 {
	if d.i >= len(d.probs) {
		return d.probs[len(d.probs)-1]
	}
	p := d.probs[d.i]
	d.i++
	return p
}

func chunk() []float32 { return make([]float32, 160) }

func TestProcessorSpeechStartAndEnd(t *testing.T) {
	cfg := vad.Config{
		Threshold:          0.5,
		MinSpeechDuration:  200 * time.Millisecond,
		MinSilenceDuration: 300 * time.Millisecond,
		LookbackChunks:     2,
	}
	det := &sequenceDetector{probs: []float64{0.1, 0.9, 0.9, 0.9, 0.1, 0.1, 0.1}}
	p := vad.NewProcessor(cfg, det)
	dur := 100 * time.Millisecond

	require.Equal(t, vad.EventNone, p.ProcessChunk(chunk(), dur).Event)
	assert.Equal(t, vad.StateSilence, p.State())

	r := p.ProcessChunk(chunk(), dur)
	assert.Equal(t, vad.EventSpeechStart, r.Event)
	assert.True(t, p.IsSpeaking())

	require.Equal(t, vad.EventNone, p.ProcessChunk(chunk(), dur).Event)
	require.Equal(t, vad.EventNone, p.ProcessChunk(chunk(), dur).Event)

	require.Equal(t, vad.EventNone, p.ProcessChunk(chunk(), dur).Event, "silence under MinSilenceDuration doesn't endpoint yet")
	r = p.ProcessChunk(chunk(), dur)
	require.Equal(t, vad.EventNone, r.Event)
	r = p.ProcessChunk(chunk(), dur)
	assert.Equal(t, vad.EventSpeechEnd, r.Event)
	assert.NotEmpty(t, r.Audio)
	assert.False(t, p.IsSpeaking())
}

func TestProcessorDiscardsTooShortUtterance(t *testing.T) {
	cfg := vad.Config{
		Threshold:          0.5,
		MinSpeechDuration:  500 * time.Millisecond,
		MinSilenceDuration: 200 * time.Millisecond,
	}
	det := &sequenceDetector{probs: []float64{0.9, 0.1, 0.1}}
	p := vad.NewProcessor(cfg, det)
	dur := 100 * time.Millisecond

	assert.Equal(t, vad.EventSpeechStart, p.ProcessChunk(chunk(), dur).Event)
	r := p.ProcessChunk(chunk(), dur)
	r = p.ProcessChunk(chunk(), dur)
	assert.Equal(t, vad.EventSpeechEnd, r.Event)
	assert.Nil(t, r.Audio, "utterance shorter than MinSpeechDuration is discarded")
}

func TestForceEndpointReturnsToSpeechState(t *testing.T) {
	cfg := vad.Config{Threshold: 0.5, MinSpeechDuration: 100 * time.Millisecond, MinSilenceDuration: 500 * time.Millisecond}
	det := &sequenceDetector{probs: []float64{0.9, 0.9, 0.9}}
	p := vad.NewProcessor(cfg, det)
	dur := 100 * time.Millisecond

	p.ProcessChunk(chunk(), dur)
	p.ProcessChunk(chunk(), dur)

	r := p.ForceEndpoint()
	assert.Equal(t, vad.EventSpeechEnd, r.Event)
	assert.True(t, r.Forced)
	assert.NotEmpty(t, r.Audio)
	assert.Equal(t, time.Duration(0), p.SpeechDuration())
}

func TestFlushAtSessionEnd(t *testing.T) {
	cfg := vad.Config{Threshold: 0.5, MinSpeechDuration: 100 * time.Millisecond, MinSilenceDuration: 500 * time.Millisecond}
	det := &sequenceDetector{probs: []float64{0.9, 0.9}}
	p := vad.NewProcessor(cfg, det)
	dur := 100 * time.Millisecond

	p.ProcessChunk(chunk(), dur)
	p.ProcessChunk(chunk(), dur)

	r := p.Flush()
	assert.Equal(t, vad.EventSpeechEnd, r.Event)
	assert.NotEmpty(t, r.Audio)

	// flushing again with nothing buffered returns no event
	r = p.Flush()
	assert.Equal(t, vad.EventNone, r.Event)
}

func TestResetClearsLookback(t *testing.T) {
	cfg := vad.DefaultConfig()
	det := &sequenceDetector{probs: []float64{0.1, 0.1}}
	p := vad.NewProcessor(cfg, det)
	p.ProcessChunk(chunk(), 100*time.Millisecond)
	p.Reset()
	assert.Equal(t, vad.StateSilence, p.State())
	assert.False(t, p.IsSpeaking())
}
