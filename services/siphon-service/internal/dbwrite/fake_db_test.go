package dbwrite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeLookupDB emulates one reference table behind the Querier interface:
// full loads, conflict-skip inserts (with RETURNING for assigned keys) and
// the lost-race requery.
type fakeLookupDB struct {
	rows    map[lookupKey]any
	nextID  int64
	inserts int
}

func newFakeLookupDB() *fakeLookupDB {
	return &fakeLookupDB{rows: make(map[lookupKey]any)}
}

func (db *fakeLookupDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return &fakeRow{err: fmt.Errorf("unexpected QueryRow")}
}

func (db *fakeLookupDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if strings.Contains(sql, "month_idx = $1") {
		// Lost-race requery: (period, values) → (value, key) rows.
		period := args[0].(int)
		var data [][]any
		for _, v := range args[1].([]string) {
			if key, ok := db.rows[lookupKey{v, period}]; ok {
				data = append(data, []any{v, key})
			}
		}
		return &fakeRows{data: data}, nil
	}
	// Full cache load: (value, key, month_idx) rows.
	var data [][]any
	for lk, key := range db.rows {
		data = append(data, []any{lk.value, key, lk.period})
	}
	return &fakeRows{data: data}, nil
}

func (db *fakeLookupDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	res := &fakeBatchResults{}
	for _, qq := range b.QueuedQueries {
		if strings.Contains(qq.SQL, "RETURNING") {
			// Store-assigned key insert.
			value := qq.Arguments[0].(string)
			period := qq.Arguments[1].(int)
			lk := lookupKey{value, period}
			if _, ok := db.rows[lk]; ok {
				// Conflict: skip clause suppressed the returned row.
				res.rows = append(res.rows, &fakeRow{err: pgx.ErrNoRows})
				continue
			}
			db.nextID++
			db.inserts++
			db.rows[lk] = db.nextID
			res.rows = append(res.rows, &fakeRow{vals: []any{db.nextID}})
			continue
		}
		// Derived-key insert: (key, value, period).
		key := qq.Arguments[0]
		value := qq.Arguments[1].(string)
		period := qq.Arguments[2].(int)
		lk := lookupKey{value, period}
		if _, ok := db.rows[lk]; !ok {
			db.inserts++
			db.rows[lk] = key
		}
		res.rows = append(res.rows, &fakeRow{})
	}
	return res
}

type fakeBatchResults struct {
	rows []*fakeRow
	idx  int
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	row := r.rows[r.idx]
	r.idx++
	return pgconn.CommandTag{}, row.err
}

func (r *fakeBatchResults) Query() (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected Query on batch results")
}

func (r *fakeBatchResults) QueryRow() pgx.Row {
	row := r.rows[r.idx]
	r.idx++
	return row
}

func (r *fakeBatchResults) Close() error { return nil }

type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if err := assignVal(d, r.vals[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRows struct {
	data [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	return r.idx < len(r.data)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.idx], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx]
	r.idx++
	for i, d := range dest {
		if err := assignVal(d, row[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignVal(dest, val any) error {
	switch d := dest.(type) {
	case *string:
		*d = val.(string)
	case *int64:
		*d = val.(int64)
	case *int:
		*d = val.(int)
	default:
		return fmt.Errorf("unsupported scan destination %T", dest)
	}
	return nil
}
