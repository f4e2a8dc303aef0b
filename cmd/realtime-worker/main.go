// Command realtime-worker terminates WebSocket speech sessions for one
// real-time engine instance (spec §4.14): it registers with the engine
// registry, advertising a dialable endpoint the session router proxies to,
// and runs each accepted connection through the VAD/ASR pipeline until the
// client ends the session. The ASR model behind TranscribeFunc and the
// speech-probability model behind vad.Detector are both the ML-inference
// black box spec §1 excludes from scope; this binary wires in deliberately
// simple stand-ins (an RMS-energy VAD and an echo transcriber) so the
// session lifecycle is exercisable end to end without a real model.
//
// # Configuration
//
// Environment variables:
//
//	ENGINE_ID            - logical engine id this instance serves (required)
//	INSTANCE_ID          - unique instance id (default: random uuid)
//	REALTIME_ADDR        - HTTP/WebSocket listen address (default: ":8081")
//	REALTIME_ENDPOINT    - dialable host:port advertised to the router (default: REALTIME_ADDR)
//	REALTIME_WS_PATH     - path the router dials for sessions (default: "/v1/realtime")
//	MAX_CONCURRENT_SESSIONS - capacity ceiling advertised to the registry (default: 50)
//	REDIS_URL            - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD       - Redis password (optional)
//	SUPPORTED_LANGUAGES  - comma-separated language codes, empty means "any"
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/realtimeworker"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/telemetry"
	"github.com/ssarunic/dalston/internal/transcript"
	"github.com/ssarunic/dalston/internal/vad"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineID := os.Getenv("ENGINE_ID")
	if engineID == "" {
		return fmt.Errorf("ENGINE_ID is required")
	}
	instanceID := envOr("INSTANCE_ID", uuid.NewString())
	addr := envOr("REALTIME_ADDR", ":8081")
	endpoint := envOr("REALTIME_ENDPOINT", addr)
	wsPath := envOr("REALTIME_WS_PATH", "/v1/realtime")
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")

	logger := telemetry.NewClueLogger()

	rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: redisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	caps := model.EngineCapabilities{
		EngineID:              engineID,
		Stages:                []string{"realtime"},
		Languages:             splitNonEmpty(os.Getenv("SUPPORTED_LANGUAGES")),
		MaxConcurrentSessions: envIntOr("MAX_CONCURRENT_SESSIONS", 50),
	}

	metadata := metadatastore.New(rdb)
	reg := registry.New(metadata, registry.WithLogger(logger))

	runner := realtimeworker.New(instanceID, engineID, caps, endpoint, reg,
		func() vad.Detector { return energyDetector{} },
		echoTranscribe,
		realtimeworker.WithLogger(logger),
	)

	if err := runner.Register(ctx); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	go runner.RunHeartbeat(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc(wsPath, runner.HandleUpgrade)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = runner.Unregister(context.Background())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "realtime worker listening", "addr", addr, "engine_id", engineID, "instance_id", instanceID)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// energyDetector is a deliberately simple stand-in for the speech
// probability model spec §1 excludes from scope: RMS amplitude scaled into
// [0, 1], which is cheap enough to run unconditionally but nowhere near as
// accurate as a trained model. It is good enough to exercise the VAD state
// machine's endpointing logic end to end.
type energyDetector struct{}

func (energyDetector) SpeechProbability(chunk []float32) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range chunk {
		sumSq += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSq / float64(len(chunk)))
	prob := rms * 8 // empirically scaled for typical PCM float32 levels
	if prob > 1 {
		prob = 1
	}
	return prob
}

// echoTranscribe stands in for the out-of-scope ASR model: it returns an
// empty utterance tagged with the session language and zero confidence, so
// the transcript-assembly and session-end wiring can be exercised without a
// real recognizer.
func echoTranscribe(ctx context.Context, audio []float32, cfg model.SessionConfig) (transcript.UtteranceResult, error) {
	return transcript.UtteranceResult{
		Text:       "",
		Language:   cfg.Language,
		Confidence: 0,
	}, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
