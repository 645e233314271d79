package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/platform/dbpool"
	"github.com/schedge/backend/internal/platform/env"
	"github.com/schedge/backend/internal/platform/mongoutil"
)

// OpenConfig selects and locates the backing store of a process.
type OpenConfig struct {
	Driver      string
	DatabaseURL string
	MongoURI    string
	MongoDB     string

	// AllowMemory is false for processes that must share state with others,
	// since the in-memory store lives and dies with one process.
	AllowMemory  bool
	ReadyTimeout time.Duration
}

// OpenConfigFromEnv reads STORE_DRIVER, DATABASE_URL, MONGO_URI and DB_NAME.
func OpenConfigFromEnv(allowMemory bool) OpenConfig {
	return OpenConfig{
		Driver:       env.String("STORE_DRIVER", env.DefaultStoreDriver),
		DatabaseURL:  env.String("DATABASE_URL", env.DefaultDatabaseURL),
		MongoURI:     env.String("MONGO_URI", env.DefaultMongoURI),
		MongoDB:      env.String("DB_NAME", env.DefaultMongoDB),
		AllowMemory:  allowMemory,
		ReadyTimeout: env.Duration("STORE_READY_TIMEOUT", 30*time.Second),
	}
}

// Open connects the configured store, waits until it is usable and prepares
// its schema or indexes. The returned func releases the connection.
func Open(ctx context.Context, cfg OpenConfig, log zerolog.Logger) (Store, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	log.Info().Str("driver", driver).Msg("opening store")

	switch driver {
	case "postgres":
		pool, err := dbpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := NewPostgresStore(pool)
		if err := dbpool.WaitReady(ctx, pool, pg.EnsureSchema, cfg.ReadyTimeout, log); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil
	case "mongo":
		client, err := mongoutil.ConnectWithRetry(ctx, cfg.MongoURI, cfg.MongoDB, cfg.ReadyTimeout, log)
		if err != nil {
			return nil, nil, err
		}
		ms := NewMongoStore(client.DB)
		if err := ms.EnsureIndexes(ctx); err != nil {
			client.Close(context.Background())
			return nil, nil, err
		}
		return ms, func() { client.Close(context.Background()) }, nil
	case "memory":
		if !cfg.AllowMemory {
			return nil, nil, fmt.Errorf("store driver %q is per process and cannot be shared", driver)
		}
		return NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
}
