// Package dalstontest provides a shared Redis test fixture for package tests
// that need a real Redis instance (Pulse streams, rmap, and the metadata
// store all depend on Redis semantics that a fake client won't reproduce
// faithfully). One container is started per test binary process and reused
// across that package's tests, mirroring
// registry/health_tracker_integration_test.go's TestMain pattern.
package dalstontest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once      sync.Once
	client    *redis.Client
	container testcontainers.Container
	startErr  error
)

func start() {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			startErr = fmt.Errorf("docker not available: %v", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		startErr = fmt.Errorf("start redis container: %w", err)
		return
	}
	container = c

	host, err := c.Host(ctx)
	if err != nil {
		startErr = fmt.Errorf("container host: %w", err)
		return
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		startErr = fmt.Errorf("container port: %w", err)
		return
	}
	cl := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	if err := cl.Ping(ctx).Err(); err != nil {
		startErr = fmt.Errorf("ping redis: %w", err)
		return
	}
	client = cl
}

// GetRedis returns the shared Redis client, starting the container lazily on
// first use within this test binary. It flushes the database first so each
// test gets an isolated keyspace. Skips the test if Docker is unavailable.
func GetRedis(t *testing.T) *redis.Client {
	t.Helper()
	once.Do(start)
	if startErr != nil {
		t.Skipf("redis test container unavailable, skipping: %v", startErr)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return client
}
