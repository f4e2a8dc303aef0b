package realtimeworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/telemetry"
	"github.com/ssarunic/dalston/internal/transcript"
	"github.com/ssarunic/dalston/internal/vad"
)

// Conn is the minimal WebSocket surface Session needs. *gorilla/websocket.Conn
// satisfies it structurally; business logic never imports gorilla directly
// (Go's "accept interfaces" idiom).
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

const (
	wsTextMessage   = 1
	wsBinaryMessage = 2
)

// TranscribeFunc invokes the negotiated ASR engine on one VAD-endpointed
// utterance's audio. Implementations call out to a batch-style engine
// binding or an in-process model; Session treats it as opaque (spec §1's
// "engines are black boxes").
type TranscribeFunc func(ctx context.Context, audio []float32, cfg model.SessionConfig) (transcript.UtteranceResult, error)

// Session runs one WebSocket-terminated real-time transcription session
// (spec §4.14). It owns the VAD state machine, the audio buffer, and the
// transcript assembler, and speaks the wire protocol in spec §6. Grounded on
// original_source/dalston/realtime_sdk/session.py's SessionHandler.
type Session struct {
	id          string
	conn        Conn
	config      model.SessionConfig
	buffer      *AudioBuffer
	vadProc     *vad.Processor
	assembler   *transcript.Assembler
	transcribe  TranscribeFunc
	logger      telemetry.Logger

	startedAt          time.Time
	totalSpeechSeconds float64
}

// NewSession constructs a Session for one negotiated connection. detector is
// the speech-probability model the caller wires in; transcribeFn invokes the
// selected ASR engine.
func NewSession(id string, conn Conn, cfg model.SessionConfig, detector vad.Detector, transcribeFn TranscribeFunc, logger telemetry.Logger) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	buf, err := NewAudioBuffer(cfg.SampleRate, cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	vcfg := vad.DefaultConfig()
	if cfg.VADThreshold > 0 {
		vcfg.Threshold = cfg.VADThreshold
	}
	if cfg.MinSpeechDurationMS > 0 {
		vcfg.MinSpeechDuration = time.Duration(cfg.MinSpeechDurationMS) * time.Millisecond
	}
	if cfg.MinSilenceDurationMS > 0 {
		vcfg.MinSilenceDuration = time.Duration(cfg.MinSilenceDurationMS) * time.Millisecond
	}
	if cfg.MaxUtteranceDuration > 0 {
		vcfg.MaxUtteranceDuration = cfg.MaxUtteranceDuration
	}

	return &Session{
		id:         id,
		conn:       conn,
		config:     cfg,
		buffer:     buf,
		vadProc:    vad.NewProcessor(vcfg, detector),
		assembler:  transcript.New(),
		transcribe: transcribeFn,
		logger:     logger,
	}, nil
}

// Run drives the session to completion: sends session.begin, reads frames
// until the client disconnects or sends `end`, and, once session.begin has
// been sent, always sends session.end before returning. The returned error is non-nil only for conditions the
// caller should log as abnormal; graceful client-initiated endings return
// nil.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	if err := s.sendBegin(); err != nil {
		return fmt.Errorf("realtimeworker: send session.begin: %w", err)
	}

	runErr := s.loop(ctx)

	if runErr != nil {
		s.sendError(ErrorInternal, runErr.Error(), false)
	}
	if err := s.sendEnd(); err != nil {
		s.logger.Warn(ctx, "failed to send session.end", "session_id", s.id, "err", err)
	}
	return runErr
}

func (s *Session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			// A closed connection (client disconnect) ends the session
			// gracefully rather than as an error.
			return nil
		}

		switch msgType {
		case wsBinaryMessage:
			if err := s.handleAudio(ctx, data); err != nil {
				s.sendError(ErrorInvalidAudio, err.Error(), true)
			}
		case wsTextMessage:
			done, err := s.handleControl(ctx, data)
			if err != nil {
				s.sendError(ErrorInvalidMsg, err.Error(), true)
				continue
			}
			if done {
				return nil
			}
		}
	}
}

func (s *Session) handleAudio(ctx context.Context, data []byte) error {
	if err := s.buffer.Add(data); err != nil {
		return err
	}
	for {
		chunk, ok := s.buffer.NextChunk()
		if !ok {
			break
		}
		if err := s.processChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) processChunk(ctx context.Context, chunk []float32) error {
	if !s.config.EnableVAD {
		return nil
	}

	result := s.vadProc.ProcessChunk(chunk, s.buffer.ChunkDuration())
	switch result.Event {
	case vad.EventSpeechStart:
		s.send(vadEventMessage{Type: "vad.speech_start", Timestamp: s.assembler.CurrentTime()})
	case vad.EventSpeechEnd:
		s.send(vadEventMessage{Type: "vad.speech_end", Timestamp: s.assembler.CurrentTime()})
		if len(result.Audio) > 0 {
			if err := s.transcribeAndEmit(ctx, result.Audio); err != nil {
				return err
			}
		}
	}

	if s.vadProc.IsSpeaking() && s.config.MaxUtteranceDuration > 0 && s.vadProc.SpeechDuration() >= s.config.MaxUtteranceDuration {
		forced := s.vadProc.ForceEndpoint()
		if forced.Event == vad.EventSpeechEnd && len(forced.Audio) > 0 {
			s.send(vadEventMessage{Type: "vad.speech_end", Timestamp: s.assembler.CurrentTime()})
			return s.transcribeAndEmit(ctx, forced.Audio)
		}
	}
	return nil
}

func (s *Session) transcribeAndEmit(ctx context.Context, audio []float32) error {
	durationS := float64(len(audio)) / float64(s.config.SampleRate)
	s.totalSpeechSeconds += durationS

	result, err := s.transcribe(ctx, audio, s.config)
	if err != nil {
		return fmt.Errorf("transcribe utterance: %w", err)
	}

	seg := s.assembler.AddUtterance(result, durationS)

	words := make([]wordInfo, len(seg.Words))
	for i, w := range seg.Words {
		words[i] = wordInfo{Word: w.Word, Start: w.Start, End: w.End, Confidence: w.Confidence}
	}
	s.send(transcriptFinalMessage{
		Type:       "transcript.final",
		Text:       seg.Text,
		Start:      seg.Start,
		End:        seg.End,
		Confidence: seg.Confidence,
		Words:      words,
	})
	return nil
}

// handleControl processes a text control frame (spec §6: config_update,
// flush, end). It reports done=true when the session should terminate.
func (s *Session) handleControl(ctx context.Context, data []byte) (bool, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false, fmt.Errorf("malformed control message: %w", err)
	}

	switch msg.Type {
	case clientMsgConfigUpdate:
		if msg.Language != "" {
			s.config.Language = msg.Language
		}
		return false, nil

	case clientMsgFlush:
		result := s.vadProc.Flush()
		if result.Event == vad.EventSpeechEnd && len(result.Audio) > 0 {
			s.send(vadEventMessage{Type: "vad.speech_end", Timestamp: s.assembler.CurrentTime()})
			return false, s.transcribeAndEmit(ctx, result.Audio)
		}
		return false, nil

	case clientMsgEnd:
		if rem := s.buffer.Flush(); len(rem) > 0 {
			_ = s.processChunk(ctx, rem)
		}
		result := s.vadProc.Flush()
		if result.Event == vad.EventSpeechEnd && len(result.Audio) > 0 {
			s.send(vadEventMessage{Type: "vad.speech_end", Timestamp: s.assembler.CurrentTime()})
			if err := s.transcribeAndEmit(ctx, result.Audio); err != nil {
				return true, err
			}
		}
		return true, nil

	default:
		return false, fmt.Errorf("unrecognized message type %q", msg.Type)
	}
}

func (s *Session) sendBegin() error {
	return s.send(sessionBeginMessage{
		Type:      "session.begin",
		SessionID: s.id,
		Config: sessionConfigInfo{
			SampleRate: s.config.SampleRate,
			Encoding:   string(s.config.Encoding),
			Channels:   s.config.Channels,
			Language:   s.config.Language,
			Model:      s.config.Model,
		},
	})
}

func (s *Session) sendEnd() error {
	segs := s.assembler.Segments()
	out := make([]segmentInfo, len(segs))
	for i, seg := range segs {
		out[i] = segmentInfo{Start: seg.Start, End: seg.End, Text: seg.Text}
	}
	return s.send(sessionEndMessage{
		Type:                "session.end",
		SessionID:           s.id,
		TotalDuration:       time.Since(s.startedAt).Seconds(),
		TotalSpeechDuration: s.totalSpeechSeconds,
		Transcript:          s.assembler.FullTranscript(),
		Segments:            out,
	})
}

func (s *Session) sendError(code ErrorCode, message string, recoverable bool) {
	_ = s.send(errorMessage{Type: "error", Code: string(code), Message: message, Recoverable: recoverable})
}

func (s *Session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return s.conn.WriteMessage(wsTextMessage, data)
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Transcript returns the assembled transcript so far.
func (s *Session) Transcript() string { return s.assembler.FullTranscript() }
