package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/healthmon/pkg/types"
)

// DatabaseExecutor checks that a database answers a trivial query.
// The check's Target is the connection URL.
type DatabaseExecutor struct{}

// NewDatabaseExecutor creates a database executor.
func NewDatabaseExecutor() *DatabaseExecutor {
	return &DatabaseExecutor{}
}

// DatabaseParams are executor-specific parameters for database checks.
type DatabaseParams struct {
	Driver string `json:"driver"`          // postgres, redis
	Query  string `json:"query,omitempty"` // postgres only (default: SELECT 1)
}

// Kind returns the check kind.
func (e *DatabaseExecutor) Kind() types.CheckKind {
	return types.CheckKindDatabase
}

// Capabilities returns what this executor needs.
func (e *DatabaseExecutor) Capabilities() Capabilities {
	return Capabilities{}
}

// Execute connects, runs the probe query and disconnects.
func (e *DatabaseExecutor) Execute(ctx context.Context, check *types.HealthCheck) *Outcome {
	params, err := DecodeParams[DatabaseParams](check.Config.Params)
	if err != nil {
		return Failed(0, fmt.Errorf("invalid params: %w", err), nil)
	}
	if params.Driver == "" {
		params.Driver = "postgres"
	}
	metadata := map[string]any{"driver": params.Driver}

	start := time.Now()
	switch params.Driver {
	case "postgres", "postgresql":
		err = probePostgres(ctx, check.Target, params.Query)
	case "redis":
		err = probeRedis(ctx, check.Target)
	default:
		return Failed(0, fmt.Errorf("unsupported driver %q", params.Driver), metadata)
	}
	elapsed := time.Since(start)

	if err != nil {
		return Failed(elapsed, err, metadata)
	}
	return &Outcome{
		Success:      true,
		ResponseTime: elapsed,
		Message:      fmt.Sprintf("%s responded in %dms", params.Driver, elapsed.Milliseconds()),
		Metadata:     metadata,
	}
}

func probePostgres(ctx context.Context, dsn, query string) error {
	if query == "" {
		query = "SELECT 1"
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	rows.Close()
	return rows.Err()
}

func probeRedis(ctx context.Context, url string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
