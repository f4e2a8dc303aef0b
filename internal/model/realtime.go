package model

import "time"

// AudioEncoding names a negotiated raw audio frame encoding.
type AudioEncoding string

const (
	EncodingPCMS16LE AudioEncoding = "pcm_s16le"
	EncodingPCMF32LE AudioEncoding = "pcm_f32le"
	EncodingMulaw    AudioEncoding = "mulaw"
	EncodingAlaw     AudioEncoding = "alaw"
)

// SessionStatus is the terminal-state-bearing status of a real-time session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionError       SessionStatus = "error"
	SessionInterrupted SessionStatus = "interrupted"
)

// SessionConfig is the client-negotiated configuration for a real-time
// session, parsed from WebSocket connection parameters (spec §6).
type SessionConfig struct {
	SessionID            string        `json:"session_id,omitempty"`
	Language              string        `json:"language,omitempty"`
	Model                 string        `json:"model,omitempty"`
	Encoding              AudioEncoding `json:"encoding"`
	SampleRate            int           `json:"sample_rate"`
	Channels              int           `json:"channels"`
	EnableVAD             bool          `json:"enable_vad"`
	InterimResults        bool          `json:"interim_results"`
	WordTimestamps        bool          `json:"word_timestamps"`
	Vocabulary            []string      `json:"vocabulary,omitempty"`
	MaxUtteranceDuration  time.Duration `json:"max_utterance_duration,omitempty"`
	VADThreshold          float64       `json:"vad_threshold,omitempty"`
	MinSpeechDurationMS   int           `json:"min_speech_duration_ms,omitempty"`
	MinSilenceDurationMS  int           `json:"min_silence_duration_ms,omitempty"`
	StoreAudio            bool          `json:"store_audio,omitempty"`
	StoreTranscript       bool          `json:"store_transcript,omitempty"`
}

// RealtimeSegment is one finalized utterance within a real-time session.
type RealtimeSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// RealtimeSession tracks one WebSocket-terminated streaming session on a
// realtime worker.
type RealtimeSession struct {
	ID         string
	Worker     string
	Config     SessionConfig
	Segments   []RealtimeSegment
	StartedAt  time.Time
	Status     SessionStatus
}
