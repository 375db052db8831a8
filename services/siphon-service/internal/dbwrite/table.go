package dbwrite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Table is one destination table in the dependency-ordered write protocol.
// The shared driver runs, per batch: lookup refresh, cascade to tables this
// one points to (so foreign keys resolve), row construction, conflict-skip
// insert, and finally cascade to tables that point back at this one, passing
// the freshly assigned identity keys. That ordering is what keeps the
// foreign-key graph consistent without deferred constraints.
type Table interface {
	Name() string
	InsertColumns() []string
	// ConflictColumns is the conflict target for the skip clause; nil means
	// a plain insert that can never conflict.
	ConflictColumns() []string
	// IdentityColumn names the store-assigned key column, or "" when rows
	// carry their own (content-addressed) key.
	IdentityColumn() string

	PrepareLookups(ctx context.Context, q Querier, b *FlushBatch) error
	CascadeTargets(ctx context.Context, q Querier, b *FlushBatch) error
	// BuildRows returns caller keys and insert rows in parallel order. A
	// FormatError here aborts the whole batch: it is a systematic defect in
	// the incoming data, not a transient fault.
	BuildRows(b *FlushBatch) (keys []string, rows [][]any, err error)
	CascadeSources(ctx context.Context, q Querier, b *FlushBatch, ids map[string]int64) error
}

// baseTable supplies the optional hooks as no-ops.
type baseTable struct{}

func (baseTable) PrepareLookups(context.Context, Querier, *FlushBatch) error { return nil }

func (baseTable) CascadeTargets(context.Context, Querier, *FlushBatch) error { return nil }

func (baseTable) CascadeSources(context.Context, Querier, *FlushBatch, map[string]int64) error {
	return nil
}

// writeTable drives one table (and, through the cascades, its dependency
// graph) for a flush batch.
func writeTable(ctx context.Context, q Querier, t Table, b *FlushBatch) error {
	if err := t.PrepareLookups(ctx, q, b); err != nil {
		return err
	}
	if err := t.CascadeTargets(ctx, q, b); err != nil {
		return err
	}
	keys, rows, err := t.BuildRows(b)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	sql := insertSQL(t.Name(), t.InsertColumns(), t.ConflictColumns(), t.IdentityColumn())
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(sql, row...)
	}
	br := q.SendBatch(ctx, batch)

	var ids map[string]int64
	if t.IdentityColumn() != "" {
		ids = make(map[string]int64, len(rows))
		for i := range rows {
			var id int64
			if err := br.QueryRow().Scan(&id); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert into %s: %w", t.Name(), err)
			}
			ids[keys[i]] = id
		}
	} else {
		for range rows {
			// Rows skipped by the conflict clause are pre-existing content
			// with the same digest; that is success, not an error.
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert into %s: %w", t.Name(), err)
			}
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert into %s: %w", t.Name(), err)
	}

	if t.IdentityColumn() == "" {
		return nil
	}
	return t.CascadeSources(ctx, q, b, ids)
}

func insertSQL(table string, columns, conflict []string, identity string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if len(conflict) > 0 {
		fmt.Fprintf(&sb, " ON CONFLICT (%s) DO NOTHING", strings.Join(conflict, ", "))
	}
	if identity != "" {
		fmt.Fprintf(&sb, " RETURNING %s", identity)
	}
	return sb.String()
}
