// Package db opens the storage backend and provides reader/writer pools.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/db/dialect"
)

// Open builds a Pool for the configured backend.
//
// SQLite gets a single-connection writer plus a concurrent read-only pool
// (WAL mode); Postgres uses one pgx-backed pool for both roles.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Type {
	case "postgres":
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, 0)
		if err != nil {
			return nil, err
		}
		pool := sqlx.NewDb(raw, dialect.PGX)
		return NewPool(pool, pool), nil
	case "sqlite", "":
		writerRaw, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		readerRaw, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writerRaw.Close()
			return nil, err
		}
		writer := sqlx.NewDb(writerRaw, dialect.SQLite3)
		reader := sqlx.NewDb(readerRaw, dialect.SQLite3)
		return NewPool(writer, reader), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}
