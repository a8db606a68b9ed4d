//go:build integration

// Package containers starts throwaway PostgreSQL and Redis containers for
// integration tests. Files using it must carry the integration build tag.
//
//	pg, err := containers.StartPostgres(ctx)
//	if err != nil { ... }
//	defer pg.Container.Terminate(ctx)
//	client, err := postgres.NewClient(ctx, postgres.Config{URI: pg.ConnString})
package containers

import (
	"context"
	"fmt"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const (
	DefaultPostgresImage    = "docker.io/postgres:16-alpine"
	DefaultPostgresDatabase = "identity_test"
	DefaultPostgresUser     = "testuser"
	DefaultPostgresPassword = "testpassword"

	DefaultRedisImage = "docker.io/redis:7-alpine"
)

// PostgresResult is a started PostgreSQL container. ConnString disables
// TLS and can be passed to postgres.Config.URI.
type PostgresResult struct {
	Container  *tcpostgres.PostgresContainer
	ConnString string
}

// StartPostgres starts a PostgreSQL 16 container and waits until it
// accepts connections. The caller terminates the container.
func StartPostgres(ctx context.Context) (*PostgresResult, error) {
	container, err := tcpostgres.Run(ctx,
		DefaultPostgresImage,
		tcpostgres.WithDatabase(DefaultPostgresDatabase),
		tcpostgres.WithUsername(DefaultPostgresUser),
		tcpostgres.WithPassword(DefaultPostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get connection string: %w", err)
	}

	return &PostgresResult{Container: container, ConnString: connStr}, nil
}

// RedisResult is a started Redis container. ConnString is a redis:// URI.
type RedisResult struct {
	Container  *tcredis.RedisContainer
	ConnString string
}

// StartRedis starts an unauthenticated Redis 7 container. The caller
// terminates the container.
func StartRedis(ctx context.Context) (*RedisResult, error) {
	container, err := tcredis.Run(ctx, DefaultRedisImage)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get connection string: %w", err)
	}

	return &RedisResult{Container: container, ConnString: connStr}, nil
}
