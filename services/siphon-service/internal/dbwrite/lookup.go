package dbwrite

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type lookupKey struct {
	value  string
	period int
}

// Lookup caches one reference table's (value, period) → key mapping in
// memory. Keys are either assigned by the store (serial columns, recovered
// by re-query when an insert loses a race) or derived from the value itself
// (digest columns, naturally idempotent).
//
// After any transaction rollback the cache may hold keys for rows that were
// never committed; Reread marks it stale so the next access reloads fully.
type Lookup[K comparable] struct {
	table    string
	valueCol string
	keyCol   string
	derive   func(value string) K // nil for store-assigned keys

	cache map[lookupKey]K
	stale bool
}

// NewLookup builds a lookup over a table whose key column is assigned by
// the database.
func NewLookup[K comparable](table, valueCol, keyCol string) *Lookup[K] {
	return &Lookup[K]{table: table, valueCol: valueCol, keyCol: keyCol}
}

// NewDerivedLookup builds a lookup whose key is computed from the value
// (e.g. a content digest), so lost insert races need no re-query.
func NewDerivedLookup[K comparable](table, valueCol, keyCol string, derive func(string) K) *Lookup[K] {
	return &Lookup[K]{table: table, valueCol: valueCol, keyCol: keyCol, derive: derive}
}

// Reread marks the cache stale; the next access reloads from storage.
func (l *Lookup[K]) Reread() { l.stale = true }

// KeyFor returns the cached key for (value, period). Callers must have run
// UpdateDB for the value first; a miss here is a programming error.
func (l *Lookup[K]) KeyFor(value string, period int) (K, error) {
	var zero K
	if l.cache == nil || l.stale {
		return zero, fmt.Errorf("lookup %s not loaded, call UpdateDB first", l.table)
	}
	k, ok := l.cache[lookupKey{value, period}]
	if !ok {
		return zero, fmt.Errorf("lookup %s has no key for %q period %d", l.table, value, period)
	}
	return k, nil
}

// UpdateDB ensures every (value, period) pair has a committed row and a
// cached key. Inserts use conflict-skip semantics; for store-assigned keys,
// values whose insert returned no row are re-queried so keys of rows that
// pre-existed or lost a race to a concurrent writer are still recovered.
func (l *Lookup[K]) UpdateDB(ctx context.Context, q Querier, values []string, period int) error {
	if err := l.ensureLoaded(ctx, q); err != nil {
		return err
	}

	var missing []string
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		if _, ok := l.cache[lookupKey{v, period}]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if l.derive != nil {
		return l.insertDerived(ctx, q, missing, period)
	}
	return l.insertAssigned(ctx, q, missing, period)
}

func (l *Lookup[K]) insertDerived(ctx context.Context, q Querier, values []string, period int) error {
	sql := fmt.Sprintf(
		`INSERT INTO %s (%s, %s, month_idx) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		l.table, l.keyCol, l.valueCol)
	batch := &pgx.Batch{}
	for _, v := range values {
		batch.Queue(sql, l.derive(v), v, period)
	}
	br := q.SendBatch(ctx, batch)
	for range values {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert into lookup %s: %w", l.table, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert into lookup %s: %w", l.table, err)
	}
	for _, v := range values {
		l.cache[lookupKey{v, period}] = l.derive(v)
	}
	return nil
}

func (l *Lookup[K]) insertAssigned(ctx context.Context, q Querier, values []string, period int) error {
	sql := fmt.Sprintf(
		`INSERT INTO %s (%s, month_idx) VALUES ($1, $2) ON CONFLICT (%s, month_idx) DO NOTHING RETURNING %s`,
		l.table, l.valueCol, l.valueCol, l.keyCol)
	batch := &pgx.Batch{}
	for _, v := range values {
		batch.Queue(sql, v, period)
	}
	br := q.SendBatch(ctx, batch)
	var lost []string
	for _, v := range values {
		var key K
		err := br.QueryRow().Scan(&key)
		switch {
		case err == nil:
			l.cache[lookupKey{v, period}] = key
		case errors.Is(err, pgx.ErrNoRows):
			// Conflict: the row exists but was inserted elsewhere.
			lost = append(lost, v)
		default:
			_ = br.Close()
			return fmt.Errorf("insert into lookup %s: %w", l.table, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert into lookup %s: %w", l.table, err)
	}
	if len(lost) == 0 {
		return nil
	}

	rows, err := q.Query(ctx, fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE month_idx = $1 AND %s = ANY($2)`,
		l.valueCol, l.keyCol, l.table, l.valueCol), period, lost)
	if err != nil {
		return fmt.Errorf("requery lookup %s: %w", l.table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var value string
		var key K
		if err := rows.Scan(&value, &key); err != nil {
			return fmt.Errorf("requery lookup %s: %w", l.table, err)
		}
		l.cache[lookupKey{value, period}] = key
	}
	if rows.Err() != nil {
		return fmt.Errorf("requery lookup %s: %w", l.table, rows.Err())
	}
	return nil
}

func (l *Lookup[K]) ensureLoaded(ctx context.Context, q Querier) error {
	if l.cache != nil && !l.stale {
		return nil
	}
	rows, err := q.Query(ctx, fmt.Sprintf(
		`SELECT %s, %s, month_idx FROM %s`, l.valueCol, l.keyCol, l.table))
	if err != nil {
		return fmt.Errorf("load lookup %s: %w", l.table, err)
	}
	defer rows.Close()

	cache := make(map[lookupKey]K)
	for rows.Next() {
		var value string
		var key K
		var period int
		if err := rows.Scan(&value, &key, &period); err != nil {
			return fmt.Errorf("load lookup %s: %w", l.table, err)
		}
		cache[lookupKey{value, period}] = key
	}
	if rows.Err() != nil {
		return fmt.Errorf("load lookup %s: %w", l.table, rows.Err())
	}
	l.cache = cache
	l.stale = false
	return nil
}
