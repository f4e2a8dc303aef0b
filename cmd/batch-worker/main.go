// Command batch-worker runs one batch engine instance: it registers with
// the engine registry, claims dispatch messages from its engine's queue,
// and invokes an Engine implementation to process each task (spec §4.12).
// The ML inference behind Engine.Process is out of scope for this module
// (spec §1); this binary wires in a deliberately trivial identity engine so
// the orchestration path is exercisable end to end without a real model.
// Production deployments replace stubEngine with a real implementation
// compiled into their own binary against the same batchworker.Engine
// interface.
//
// # Configuration
//
// Environment variables:
//
//	ENGINE_ID            - logical engine id this instance serves (required)
//	ENGINE_STAGE         - pipeline stage (prepare|transcribe|align|diarize|pii_detect|audio_redact|merge) (required)
//	INSTANCE_ID          - unique instance id (default: random uuid)
//	REDIS_URL            - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD       - Redis password (optional)
//	OBJECT_STORE_BACKEND - "s3" or "memory" (default: "memory")
//	S3_BUCKET            - bucket name when OBJECT_STORE_BACKEND=s3
//	S3_REGION            - AWS region for the S3 client
//	S3_ENDPOINT_URL      - S3-compatible endpoint override (optional)
//	SUPPORTS_WORD_TIMESTAMPS - "true"/"false" (default: false)
//	SUPPORTED_LANGUAGES  - comma-separated language codes, empty means "any"
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ssarunic/dalston/internal/batchworker"
	"github.com/ssarunic/dalston/internal/eventlog"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/objectstore"
	"github.com/ssarunic/dalston/internal/pulseclient"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/taskqueue"
	"github.com/ssarunic/dalston/internal/telemetry"
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
	stage := os.Getenv("ENGINE_STAGE")
	if engineID == "" || stage == "" {
		return fmt.Errorf("ENGINE_ID and ENGINE_STAGE are required")
	}
	instanceID := envOr("INSTANCE_ID", uuid.NewString())
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")

	logger := telemetry.NewClueLogger()

	rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: redisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	pulse, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}

	objects, err := newObjectStore(ctx)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}

	caps := model.EngineCapabilities{
		EngineID:               engineID,
		Stages:                 []string{stage},
		Languages:              splitNonEmpty(os.Getenv("SUPPORTED_LANGUAGES")),
		SupportsWordTimestamps: os.Getenv("SUPPORTS_WORD_TIMESTAMPS") == "true",
	}

	log := eventlog.New(pulse, rdb, logger, telemetry.NewClueTracer())
	queue := taskqueue.New(pulse, rdb, logger)
	metadata := metadatastore.New(rdb)
	reg := registry.New(metadata, registry.WithLogger(logger))

	worker := batchworker.New(instanceID, engineID, stage, caps, reg, queue, metadata, objects, log, stubEngine{stage: model.Stage(stage)}, batchworker.WithLogger(logger))

	logger.Info(ctx, "batch worker starting", "engine_id", engineID, "instance_id", instanceID, "stage", stage)
	return worker.Run(ctx)
}

// stubEngine stands in for the out-of-scope ML inference boundary: it
// produces a minimally valid StageOutputEnv for its stage so the
// orchestration path can be driven end to end in integration tests.
type stubEngine struct {
	stage model.Stage
}

func (e stubEngine) Process(ctx context.Context, scratch string, input model.TaskInput) (batchworker.ProcessResult, error) {
	switch e.stage {
	case model.StagePrepare:
		uri := input.AudioURI
		if input.Media != nil {
			uri = input.Media.URI
		}
		return batchworker.ProcessResult{Output: model.StageOutputEnv{
			Kind:    model.KindPrepare,
			Prepare: &model.PrepareOutput{MonoWAVURI: uri, DurationS: 0, SampleRate: 16000, Channels: 1},
		}}, nil
	case model.StageTranscribe:
		return batchworker.ProcessResult{Output: model.StageOutputEnv{
			Kind:       model.KindTranscribe,
			Transcribe: &model.TranscribeOutput{FullText: ""},
		}}, nil
	case model.StageAlign:
		return batchworker.ProcessResult{Output: model.StageOutputEnv{
			Kind:  model.KindAlign,
			Align: &model.AlignOutput{},
		}}, nil
	case model.StageDiarize:
		return batchworker.ProcessResult{Output: model.StageOutputEnv{
			Kind:    model.KindDiarize,
			Diarize: &model.DiarizeOutput{},
		}}, nil
	case model.StagePIIDetect:
		return batchworker.ProcessResult{Output: model.StageOutputEnv{
			Kind:      model.KindPIIDetect,
			PIIDetect: &model.PIIDetectOutput{},
		}}, nil
	case model.StageAudioRedact:
		return batchworker.ProcessResult{Output: model.StageOutputEnv{
			Kind:        model.KindAudioRedact,
			AudioRedact: &model.AudioRedactOutput{RedactedAudioURI: input.AudioURI},
		}}, nil
	case model.StageMerge:
		return batchworker.ProcessResult{Output: model.StageOutputEnv{
			Kind:  model.KindMerge,
			Merge: &model.MergeOutput{},
		}}, nil
	default:
		return batchworker.ProcessResult{}, fmt.Errorf("stubEngine: unknown stage %q", e.stage)
	}
}

func newObjectStore(ctx context.Context) (objectstore.Store, error) {
	switch envOr("OBJECT_STORE_BACKEND", "memory") {
	case "s3":
		bucket := os.Getenv("S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required when OBJECT_STORE_BACKEND=s3")
		}
		client, err := objectstore.NewS3Client(ctx, os.Getenv("S3_REGION"), os.Getenv("S3_ENDPOINT_URL"))
		if err != nil {
			return nil, err
		}
		return objectstore.NewS3Store(client, bucket), nil
	default:
		return objectstore.NewMemoryStore(), nil
	}
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
