package realtimeworker

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ssarunic/dalston/internal/model"
)

// parseSessionConfig parses session parameters from the WebSocket handshake
// query string (spec §6). sample_rate and encoding are required; everything
// else defaults sensibly for a minimal client.
func parseSessionConfig(req *http.Request) (model.SessionConfig, error) {
	q := req.URL.Query()

	encoding := model.AudioEncoding(q.Get("encoding"))
	switch encoding {
	case model.EncodingPCMS16LE, model.EncodingPCMF32LE, model.EncodingMulaw, model.EncodingAlaw:
	default:
		return model.SessionConfig{}, fmt.Errorf("missing or unsupported encoding %q", encoding)
	}

	sampleRate, err := strconv.Atoi(q.Get("sample_rate"))
	if err != nil || sampleRate <= 0 {
		return model.SessionConfig{}, fmt.Errorf("missing or invalid sample_rate")
	}

	channels := 1
	if v := q.Get("channels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			channels = n
		}
	}

	cfg := model.SessionConfig{
		SessionID:      q.Get("session_id"),
		Language:       q.Get("language"),
		Model:          q.Get("model"),
		Encoding:       encoding,
		SampleRate:     sampleRate,
		Channels:       channels,
		EnableVAD:      q.Get("enable_vad") != "false",
		InterimResults: q.Get("interim_results") == "true",
		WordTimestamps: q.Get("word_timestamps") == "true",
	}
	if v := q.Get("vad_threshold"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.VADThreshold = f
		}
	}
	return cfg, nil
}
