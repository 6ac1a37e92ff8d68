// Package storage builds the configured run store.
package storage

import (
	"fmt"

	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/pkg/config"
	"github.com/graphide/graphide/internal/storage/memory"
	"github.com/graphide/graphide/internal/storage/redis"
	"github.com/graphide/graphide/internal/storage/sqldb"
)

// New returns the run store selected by cfg.Type. "none" returns nil: runs
// then live only in memory until pruned.
func New(cfg config.StorageConfig) (ports.RunStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		path := cfg.SQLite.Path
		if cfg.Database.DSN != "" {
			path = cfg.Database.DSN
		}
		return sqldb.NewSQLite(path)
	case "postgres":
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("storage.database.dsn is required for postgres")
		}
		return sqldb.New(sqldb.Config{Driver: "postgres", DSN: cfg.Database.DSN})
	case "redis":
		return redis.New(redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
