package dbwrite

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Querier is the slice of pgx that the write framework needs. Both pgx.Tx
// and *pgxpool.Pool satisfy it, so lookups can load through the pool and
// write through the flush transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}
