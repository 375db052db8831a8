package dbwrite

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/open-afc-project/als-siphon/libs/db"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/bundle"
)

type rereader interface {
	Reread()
}

// Flusher owns the destination pool, the lookup caches and the table
// cascade graph. One call to FlushBundles is one transaction: all-or-nothing
// commit of a batch of bundles, so partial writes never leave the schema's
// foreign-key graph inconsistent.
type Flusher struct {
	pool   *db.Pool
	logger *slog.Logger
	now    func() time.Time

	messages *messageTable
	lookups  []rereader
}

func NewFlusher(pool *db.Pool, logger *slog.Logger) *Flusher {
	server := NewLookup[int64]("afc_server", "afc_server_name", "afc_server_id")
	customer := NewLookup[int64]("customer", "customer_name", "customer_id")
	uls := NewLookup[int64]("uls_data_version", "uls_data_version", "uls_data_version_id")
	geo := NewLookup[int64]("geo_data_version", "geo_data_version", "geo_data_version_id")
	afcConfig := NewDerivedLookup("afc_config", "afc_config_text", "afc_config_text_digest", textDigest)

	rr := &requestResponseTable{
		customer:  customer,
		uls:       uls,
		geo:       geo,
		afcConfig: afcConfig,
	}
	messages := &messageTable{
		server:      server,
		rxEnvelope:  &envelopeTable{name: "rx_envelope", digestCol: "rx_envelope_digest", rx: true},
		txEnvelope:  &envelopeTable{name: "tx_envelope", digestCol: "tx_envelope_digest"},
		rrInMessage: &rrInMessageTable{requestResponse: rr},
	}
	return &Flusher{
		pool:     pool,
		logger:   logger,
		now:      time.Now,
		messages: messages,
		lookups:  []rereader{server, customer, uls, geo, afcConfig},
	}
}

// FlushBundles normalizes a batch of decomposed bundles into the ALS tables
// inside one transaction. On any failure the transaction is rolled back and
// every lookup cache is marked stale, because cached keys may now point at
// rows that were never committed.
func (f *Flusher) FlushBundles(ctx context.Context, parts []*bundle.Parts) error {
	if len(parts) == 0 {
		return nil
	}
	ctx, span := otel.Tracer("dbwrite").Start(ctx, "als.flush",
		trace.WithAttributes(attribute.Int("als.bundles", len(parts))))
	defer span.End()

	batch, err := newFlushBatch(parts, MonthIdx(f.now()))
	if err != nil {
		span.RecordError(err)
		return err
	}

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := writeTable(ctx, tx, f.messages, batch); err != nil {
		f.RereadAll()
		span.RecordError(err)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		f.RereadAll()
		span.RecordError(err)
		return err
	}
	return nil
}

// RereadAll marks every lookup cache stale. Called after any rollback.
func (f *Flusher) RereadAll() {
	for _, l := range f.lookups {
		l.Reread()
	}
}

// WriteDecodeError records a malformed or dropped record to the diagnostic
// table. Written outside any flush transaction, best effort: a failure here
// must never block offset advancement.
func (f *Flusher) WriteDecodeError(ctx context.Context, msg string, line int, data string) error {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO decode_error (time, msg, code_line, data, month_idx)
		VALUES ($1, $2, $3, $4, $5)
	`, f.now().UTC(), msg, line, data, MonthIdx(f.now()))
	return err
}

// WriteLogRecords appends free-form JSON log rows in one transaction.
func (f *Flusher) WriteLogRecords(ctx context.Context, recs []LogRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, r := range recs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO als_json_log (source, time, topic, log_row)
			VALUES ($1, $2, $3, $4)
		`, r.Source, r.Time.UTC(), r.Topic, []byte(r.JSON)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
