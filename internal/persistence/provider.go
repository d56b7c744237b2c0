// Package persistence wires the configured database into the rest of the
// service.
package persistence

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/config"
	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/db"
)

// Provide opens the turtle state database per storage config and returns
// the pool with its cleanup func.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite":
		pool, err := db.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", "sqlite"),
				zap.String("db_path", cfg.Storage.Path))
		}
		cleanup := func() error {
			// PRAGMA optimize refreshes query planner statistics; the
			// SQLite docs recommend running it on every close.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		pool, err := db.OpenPostgres(cfg.Storage.DSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", "postgres"),
				zap.Int("max_conns", cfg.Storage.MaxConns))
		}
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Storage.Driver)
	}
}
