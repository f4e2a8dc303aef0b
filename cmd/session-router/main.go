// Command session-router accepts client WebSocket handshakes for real-time
// speech sessions, selects a ready worker instance with capacity, and
// proxies the session end to end (spec §4.13).
//
// # Configuration
//
// Environment variables:
//
//	ROUTER_ADDR               - HTTP/WebSocket listen address (default: ":8082")
//	ROUTER_WS_PATH            - client-facing session path (default: "/v1/realtime")
//	REDIS_URL                 - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD            - Redis password (optional)
//	ADMISSION_SESSIONS_PER_SEC - per-instance placement rate (default: 5)
//	ADMISSION_BURST           - per-instance placement burst (default: 5)
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ssarunic/dalston/internal/metadatastore"
	"github.com/ssarunic/dalston/internal/registry"
	"github.com/ssarunic/dalston/internal/router"
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

	addr := envOr("ROUTER_ADDR", ":8082")
	wsPath := envOr("ROUTER_WS_PATH", "/v1/realtime")
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	admissionRate := envFloatOr("ADMISSION_SESSIONS_PER_SEC", 5)
	admissionBurst := envIntOr("ADMISSION_BURST", 5)

	logger := telemetry.NewClueLogger()

	rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: redisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	metadata := metadatastore.New(rdb)
	reg := registry.New(metadata, registry.WithLogger(logger))
	r := router.New(reg,
		router.WithLogger(logger),
		router.WithAdmissionShaping(admissionRate, admissionBurst),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc(wsPath, r.HandleUpgrade)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "session router listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
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

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
