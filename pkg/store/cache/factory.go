package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend represents the type of cache storage backend.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Options selects and configures a backend.
//
//   - memory: no options.
//   - sqlite: DSN is the database path (default: $DATA_DIR/certwatch.db).
//   - postgres: DSN is a lib/pq connection string (required).
//   - redis: RedisAddr (required), RedisPassword, RedisDB.
type Options struct {
	Backend       Backend
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open creates the configured Store. An empty backend selects sqlite.
func Open(ctx context.Context, opts Options) (Store, error) {
	backend := opts.Backend
	if backend == "" {
		backend = BackendSQLite
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		path := opts.DSN
		if path == "" {
			path = defaultSQLitePath()
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return nil, fmt.Errorf("create cache dir: %w", err)
			}
		}
		return OpenSQLite(path)
	case BackendPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("CERTWATCH_CACHE_DSN is required for postgres cache")
		}
		return OpenPostgres(ctx, opts.DSN)
	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required for redis cache")
		}
		s := NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect redis %s: %w", opts.RedisAddr, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", backend)
	}
}

func defaultSQLitePath() string {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return filepath.Join(dataDir, "certwatch.db")
}
