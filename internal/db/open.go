package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverDynamoDB = "dynamodb"
	DriverRedis    = "redis"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver         string
	SQLitePath     string
	DatabaseURL    string
	RedisURL       string
	RedisKeyPrefix string
	DynamoTable    string
}

// Open connects the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		return NewSQLiteStore(opts.SQLitePath)
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.DatabaseURL)
	case DriverRedis:
		return NewRedisStore(ctx, opts.RedisURL, opts.RedisKeyPrefix)
	case DriverDynamoDB:
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("db: load AWS config: %w", err)
		}
		return NewDynamoStore(dynamodb.NewFromConfig(cfg), opts.DynamoTable)
	default:
		return nil, fmt.Errorf("db: unknown store driver %q", opts.Driver)
	}
}
