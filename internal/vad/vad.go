// Package vad implements the voice-activity-detection endpointing state
// machine used by the real-time worker runner (spec §4.14). The speech
// probability model itself (Silero or similar) is the ML-inference black
// box the spec excludes from scope; this package owns only the state
// machine that turns a per-chunk probability into speech_start/speech_end
// boundaries and accumulated utterance audio. Grounded on
// original_source/dalston/realtime_sdk/vad.py.
package vad

import "time"

// Detector produces a speech probability in [0, 1] for one audio chunk. A
// production binary wires in a real model; tests use a stub.
type Detector interface {
	SpeechProbability(chunk []float32) float64
}

// Config mirrors original_source's VADConfig. Constants match its defaults
// (SPEC_FULL.md "supplemented features").
type Config struct {
	// Threshold is the speech-probability cutoff (0.0-1.0).
	Threshold float64
	// MinSpeechDuration is the minimum accumulated speech before an endpoint
	// is treated as a valid utterance rather than discarded.
	MinSpeechDuration time.Duration
	// MinSilenceDuration is how much trailing silence triggers an endpoint.
	MinSilenceDuration time.Duration
	// LookbackChunks is how many preceding chunks are prepended to a
	// detected utterance to capture the onset VAD would otherwise clip.
	LookbackChunks int
	// MaxUtteranceDuration is the utterance length for an endpoint forced
	// without silence (spec §4.14: "optional forced endpoint"). ProcessChunk
	// does not read it; the caller compares SpeechDuration against its own
	// limit and calls ForceEndpoint.
	MaxUtteranceDuration time.Duration
}

// DefaultConfig returns original_source's defaults: threshold 0.5, min
// speech 250ms, min silence 500ms, 3 lookback chunks (~300ms at 100ms
// chunks), 30s max utterance.
func DefaultConfig() Config {
	return Config{
		Threshold:            0.5,
		MinSpeechDuration:    250 * time.Millisecond,
		MinSilenceDuration:   500 * time.Millisecond,
		LookbackChunks:       3,
		MaxUtteranceDuration: 30 * time.Second,
	}
}

// State is one of the two VAD states.
type State string

const (
	StateSilence State = "silence"
	StateSpeech  State = "speech"
)

// EventType names a state-transition event surfaced to the caller.
type EventType string

const (
	EventNone        EventType = ""
	EventSpeechStart EventType = "speech_start"
	EventSpeechEnd   EventType = "speech_end"
)

// Result is returned by every ProcessChunk call.
type Result struct {
	Event EventType
	// Audio carries the accumulated utterance on EventSpeechEnd. It is nil
	// when the utterance was too short and discarded, or when Event is
	// EventNone.
	Audio []float32
	// Forced reports a max-utterance-duration endpoint rather than a
	// silence-triggered one (spec §4.14's state table, "force endpoint"
	// row): the processor returns to StateSpeech, not StateSilence.
	Forced bool
}

// Processor runs the per-session VAD state machine over a sequence of fixed
// chunks (spec §4.14: "100ms chunks").
type Processor struct {
	config   Config
	detector Detector

	state          State
	speechBuffer   [][]float32
	lookback       [][]float32
	silenceElapsed time.Duration
	speechElapsed  time.Duration
}

// NewProcessor constructs a Processor for one session.
func NewProcessor(config Config, detector Detector) *Processor {
	return &Processor{config: config, detector: detector, state: StateSilence}
}

// State returns the current state.
func (p *Processor) State() State { return p.state }

// IsSpeaking reports whether the processor is currently in StateSpeech.
func (p *Processor) IsSpeaking() bool { return p.state == StateSpeech }

// SpeechDuration returns accumulated speech time in the current utterance,
// used by the caller to decide whether MaxUtteranceDuration has elapsed and
// ForceEndpoint should be invoked.
func (p *Processor) SpeechDuration() time.Duration { return p.speechElapsed }

// ProcessChunk advances the state machine by one chunk and reports any
// transition, per spec §4.14's formal table.
func (p *Processor) ProcessChunk(chunk []float32, chunkDuration time.Duration) Result {
	prob := p.detector.SpeechProbability(chunk)
	isSpeech := prob > p.config.Threshold

	p.lookback = append(p.lookback, chunk)
	if len(p.lookback) > p.config.LookbackChunks {
		p.lookback = p.lookback[1:]
	}

	switch p.state {
	case StateSilence:
		if !isSpeech {
			return Result{Event: EventNone}
		}
		p.state = StateSpeech
		p.speechElapsed = chunkDuration
		p.silenceElapsed = 0
		p.speechBuffer = append([][]float32(nil), p.lookback...)
		return Result{Event: EventSpeechStart}

	case StateSpeech:
		p.speechBuffer = append(p.speechBuffer, chunk)
		if isSpeech {
			p.speechElapsed += chunkDuration
			p.silenceElapsed = 0
			return Result{Event: EventNone}
		}
		p.silenceElapsed += chunkDuration
		if p.silenceElapsed < p.config.MinSilenceDuration {
			return Result{Event: EventNone}
		}
		if p.speechElapsed >= p.config.MinSpeechDuration {
			audio := concat(p.speechBuffer)
			p.resetUtterance()
			return Result{Event: EventSpeechEnd, Audio: audio}
		}
		p.resetUtterance()
		return Result{Event: EventSpeechEnd, Audio: nil}

	default:
		return Result{Event: EventNone}
	}
}

// ForceEndpoint truncates the current utterance at MaxUtteranceDuration
// without returning to StateSilence (spec §4.14: "speech is continuing").
// The caller is expected to have already checked SpeechDuration().
func (p *Processor) ForceEndpoint() Result {
	if len(p.speechBuffer) == 0 {
		return Result{Event: EventNone}
	}
	audio := concat(p.speechBuffer)
	p.speechBuffer = nil
	p.speechElapsed = 0
	p.silenceElapsed = 0
	return Result{Event: EventSpeechEnd, Audio: audio, Forced: true}
}

// Flush returns any buffered utterance at session end (spec §4.14's
// `flush` control message and graceful `end`).
func (p *Processor) Flush() Result {
	if p.state == StateSpeech && len(p.speechBuffer) > 0 && p.speechElapsed >= p.config.MinSpeechDuration {
		audio := concat(p.speechBuffer)
		p.resetUtterance()
		return Result{Event: EventSpeechEnd, Audio: audio}
	}
	p.resetUtterance()
	return Result{Event: EventNone}
}

// Clear discards any buffered utterance without transcribing it.
func (p *Processor) Clear() { p.resetUtterance() }

// Reset returns the processor to its initial state, clearing all buffers.
func (p *Processor) Reset() {
	p.resetUtterance()
	p.lookback = nil
}

func (p *Processor) resetUtterance() {
	p.state = StateSilence
	p.speechBuffer = nil
	p.silenceElapsed = 0
	p.speechElapsed = 0
}

func concat(chunks [][]float32) []float32 {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]float32, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
