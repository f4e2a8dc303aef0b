// Command orchestrator runs the Dalston orchestration substrate: the event
// loop/reconciler and the sweeper, plus a minimal HTTP surface for
// submitting jobs and reading their status. The full REST/HTTP API (auth,
// webhooks, rate limiting) is out of scope for this module (spec §1); the
// endpoints here exist only so the rest of the system is exercisable
// end to end.
//
// # Configuration
//
// Environment variables:
//
//	ORCHESTRATOR_ADDR       - HTTP listen address (default: ":8080")
//	REDIS_URL               - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD          - Redis password (optional)
//	CATALOG_PATH            - engine catalog YAML path (default: "catalog.yaml")
//	OBJECT_STORE_BACKEND    - "s3" or "memory" (default: "memory")
//	S3_BUCKET               - bucket name when OBJECT_STORE_BACKEND=s3
//	S3_REGION               - AWS region for the S3 client
//	S3_ENDPOINT_URL         - S3-compatible endpoint override (optional)
//	ENGINE_UNAVAILABLE_BEHAVIOR - "fail_fast" or "wait" (default: "fail_fast")
//	ENGINE_WAIT_TIMEOUT_SECONDS - wait-policy deadline (default: 600)
//	SWEEP_INTERVAL_SECONDS  - sweeper scan interval (default: 30)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssarunic/dalston/internal/catalog"
	"github.com/ssarunic/dalston/internal/eventlog"
	"github.com/ssarunic/dalston/internal/eventloop"
	"github.com/ssarunic/dalston/internal/jobstore"
	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/model"
	"github.com/ssarunic/dalston/internal/objectstore"
	"github.com/ssarunic/dalston/internal/orchestrator"
	"github.com/ssarunic/dalston/internal/pulseclient"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/scheduler"
	"github.com/ssarunic/dalston/internal/selector"
	"github.com/ssarunic/dalston/internal/sweeper"
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

	addr := envOr("ORCHESTRATOR_ADDR", ":8080")
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	catalogPath := envOr("CATALOG_PATH", "catalog.yaml")
	behavior := scheduler.UnavailableBehavior(envOr("ENGINE_UNAVAILABLE_BEHAVIOR", string(scheduler.FailFast)))
	waitTimeout := time.Duration(envIntOr("ENGINE_WAIT_TIMEOUT_SECONDS", 600)) * time.Second
	sweepInterval := time.Duration(envIntOr("SWEEP_INTERVAL_SECONDS", 30)) * time.Second

	logger := telemetry.NewClueLogger()

	rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: redisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	pulse, err := pulseclient.New(pulseclient.Options{Redis: rdb, StreamMaxLen: 100000, OperationTimeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}

	objects, err := newObjectStore(ctx)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}

	cat, err := catalog.Load(catalogPath)
	if err != nil {
		return fmt.Errorf("load catalog %q: %w", catalogPath, err)
	}
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			if err := cat.Reload(catalogPath); err != nil {
				logger.Error(ctx, "catalog reload failed", "err", err)
			} else {
				logger.Info(ctx, "catalog reloaded", "path", catalogPath)
			}
		}
	}()

	log := eventlog.New(pulse, rdb, logger, telemetry.NewClueTracer())
	queue := taskqueue.New(pulse, rdb, logger)
	metadata := metadatastore.New(rdb)
	jobs := jobstore.New(rdb)
	reg := registry.New(metadata, registry.WithLogger(logger))
	sel := selector.New(reg, cat, logger)
	sched := scheduler.New(metadata, objects, queue, cat, reg,
		scheduler.WithUnavailableBehavior(behavior),
		scheduler.WithWaitDeadline(waitTimeout),
		scheduler.WithLogger(logger),
	)
	reconciler := eventloop.New(log, jobs, metadata, objects, queue, sched, logger)
	sw := sweeper.New(jobs, objects, reg, reconciler,
		sweeper.WithInterval(sweepInterval),
		sweeper.WithLogger(logger),
	)
	submitter := orchestrator.New(jobs, sel, sched, logger)

	go reconciler.Run(ctx)
	go sw.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: newMux(submitter, jobs, reconciler)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "orchestrator listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
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

func newMux(submitter *orchestrator.Submitter, jobs *jobstore.Store, reconciler *eventloop.Reconciler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Parameters     model.JobParameters `json:"parameters"`
			AudioDurationS float64             `json:"audio_duration_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		job, err := submitter.Submit(r.Context(), req.Parameters, req.AudioDurationS)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(job)
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := jobs.GetJob(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(job)
	})
	mux.HandleFunc("POST /jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := reconciler.RequestCancellation(r.Context(), r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
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
