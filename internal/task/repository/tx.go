package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/botmesh/botmesh/internal/db/dialect"
)

// sqlxTx pairs a transaction with the driver-aware rebind helper.
type sqlxTx struct {
	tx     *sqlx.Tx
	driver string
}

func (t *sqlxTx) rebind(query string) string {
	if dialect.IsPostgres(t.driver) {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

// withTx runs fn inside a writer transaction, rolling back on error.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sqlxTx) error) error {
	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&sqlxTx{tx: tx, driver: r.driver}); err != nil {
		return err
	}
	return tx.Commit()
}
