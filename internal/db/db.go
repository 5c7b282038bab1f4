// Package db provides the shared database layer for the state store,
// the queue, and the idempotency set. SQLite is the embedded default;
// PostgreSQL is selected with database.driver=pgx.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/db/dialect"
)

// Open creates the connection pool for the configured driver and returns
// a cleanup function that closes it.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Driver {
	case dialect.SQLite3:
		writerConn, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		readerConn, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writerConn.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}

		pool := NewPool(
			sqlx.NewDb(writerConn, dialect.SQLite3),
			sqlx.NewDb(readerConn, dialect.SQLite3),
		)
		log.Info("Database initialized",
			zap.String("db_driver", cfg.Driver),
			zap.String("db_path", cfg.Path))

		cleanup := func() error {
			// Run PRAGMA optimize before closing to update query planner
			// statistics. Lightweight and safe to call on every close.
			_, _ = writerConn.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case dialect.PGX:
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}

		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		pool := NewPool(sqlxDB, sqlxDB)
		log.Info("Database initialized",
			zap.String("db_driver", cfg.Driver),
			zap.String("db_host", cfg.Host),
			zap.String("db_name", cfg.DBName))

		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
