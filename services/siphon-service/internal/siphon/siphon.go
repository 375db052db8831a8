// Package siphon runs the single control loop tying the stream, the bundle
// store and the write framework together: poll, route, flush, evict, commit.
package siphon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/bundle"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/dbwrite"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/envelope"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/metrics"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/offsets"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/stream"
)

// Consumer is the stream client the loop polls and commits against.
type Consumer interface {
	Poll(ctx context.Context, timeout time.Duration, max int) ([]stream.Record, error)
	Commit(ctx context.Context, offsets map[string]map[int]int64) error
	RefreshTopics(ctx context.Context) (bool, error)
}

// Sink is the storage backend. A nil Sink runs the loop in stream-only
// mode: records are consumed and dropped, offsets still advance.
type Sink interface {
	FlushBundles(ctx context.Context, parts []*bundle.Parts) error
	WriteDecodeError(ctx context.Context, msg string, line int, data string) error
	WriteLogRecords(ctx context.Context, recs []dbwrite.LogRecord) error
}

type Config struct {
	AlsTopic         string
	MaxPollRecords   int
	IdleTimeout      time.Duration
	MaxBundleAge     time.Duration
	MaxFlushBundles  int
	MaxFlushRequests int
	RefreshEvery     time.Duration
}

type Siphon struct {
	consumer Consumer
	sink     Sink
	store    *bundle.Store
	tracker  *offsets.Tracker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	busy        bool
	lastRefresh time.Time
}

func New(consumer Consumer, sink Sink, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Siphon {
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	if cfg.MaxBundleAge <= 0 {
		cfg.MaxBundleAge = 10 * time.Minute
	}
	if cfg.MaxFlushBundles <= 0 {
		cfg.MaxFlushBundles = 100
	}
	if cfg.MaxFlushRequests <= 0 {
		cfg.MaxFlushRequests = 5000
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = 5 * time.Minute
	}
	return &Siphon{
		consumer: consumer,
		sink:     sink,
		store:    bundle.NewStore(nil),
		tracker:  offsets.NewTracker(),
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run drives the loop until ctx is done. Everything the loop touches is
// owned by this one goroutine; there is no locking anywhere downstream.
func (s *Siphon) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.busy = s.iterate(ctx)
	}
}

// iterate runs one scheduling pass and reports whether it did useful work,
// which decides whether the next poll waits or returns immediately.
func (s *Siphon) iterate(ctx context.Context) bool {
	timeout := s.cfg.IdleTimeout
	if s.busy {
		timeout = 0
	}
	s.metrics.PollsTotal.Inc()
	recs, err := s.consumer.Poll(ctx, timeout, s.cfg.MaxPollRecords)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Error("stream poll failed", "err", err)
		time.Sleep(time.Second)
		return false
	}

	busy := len(recs) > 0
	var logRecs []dbwrite.LogRecord
	var logPositions []stream.Position
	for _, rec := range recs {
		s.tracker.Add(rec.Position)
		s.metrics.RecordsFetched.WithLabelValues(rec.Position.Topic).Inc()
		s.metrics.FetchedOffset.
			WithLabelValues(rec.Position.Topic, metrics.Partition(rec.Position.Partition)).
			Set(float64(rec.Position.Offset))

		if rec.Position.Topic == s.cfg.AlsTopic {
			s.handleAlsRecord(ctx, rec)
			continue
		}
		lr, ok := s.decodeLogRecord(ctx, rec)
		if !ok {
			continue
		}
		logRecs = append(logRecs, lr)
		logPositions = append(logPositions, rec.Position)
	}

	if s.writeLogRecords(ctx, logRecs, logPositions) {
		busy = true
	}
	if s.sink != nil && s.flushBundles(ctx) {
		busy = true
	}
	if s.evictStale(ctx) {
		busy = true
	}
	s.commitOffsets(ctx)
	s.refreshTopics(ctx)
	s.metrics.BundlesInFlight.Set(float64(s.store.Len()))
	return busy
}

func (s *Siphon) handleAlsRecord(ctx context.Context, rec stream.Record) {
	env, err := envelope.Decode(rec.Value)
	if err != nil {
		s.recordBadData(ctx, err, "decode")
		s.tracker.MarkProcessed(rec.Position)
		return
	}
	isNew, err := s.store.AddMessage(rec.Key, env, rec.Position)
	if err != nil {
		s.recordBadData(ctx, err, "format")
		s.tracker.MarkProcessed(rec.Position)
		return
	}
	if isNew {
		s.metrics.BundlesOpened.Inc()
	}
}

// decodeLogRecord treats any non-ALS topic as a free-form JSON log stream.
// Source and time are lifted from the record when present.
func (s *Siphon) decodeLogRecord(ctx context.Context, rec stream.Record) (dbwrite.LogRecord, bool) {
	if !gjson.ValidBytes(rec.Value) {
		s.recordBadData(ctx, envelope.Protocolf(rec.Value, "log record is not valid JSON"), "log_decode")
		s.tracker.MarkProcessed(rec.Position)
		return dbwrite.LogRecord{}, false
	}
	lr := dbwrite.LogRecord{
		Source: "unknown",
		Time:   s.now().UTC(),
		Topic:  rec.Position.Topic,
		JSON:   json.RawMessage(rec.Value),
	}
	if v := gjson.GetBytes(rec.Value, "source"); v.Type == gjson.String {
		lr.Source = v.String()
	}
	if v := gjson.GetBytes(rec.Value, "time"); v.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			lr.Time = t.UTC()
		}
	}
	return lr, true
}

func (s *Siphon) writeLogRecords(ctx context.Context, recs []dbwrite.LogRecord, positions []stream.Position) bool {
	if len(recs) == 0 {
		return false
	}
	if s.sink != nil {
		if err := s.sink.WriteLogRecords(ctx, recs); err != nil {
			// Offsets stay unprocessed; the records are redelivered.
			s.logger.Error("log batch insert failed", "count", len(recs), "err", err)
			return false
		}
		s.metrics.LogRowsWritten.Add(float64(len(recs)))
	}
	for _, p := range positions {
		s.tracker.MarkProcessed(p)
	}
	return true
}

// flushBundles writes one bounded batch of assembled bundles through the
// table framework in a single transaction.
func (s *Siphon) flushBundles(ctx context.Context) bool {
	batch := s.store.FetchAssembled(s.cfg.MaxFlushBundles, s.cfg.MaxFlushRequests)
	if len(batch) == 0 {
		return false
	}

	var parts []*bundle.Parts
	var flushed []*bundle.Bundle
	for _, b := range batch {
		p, err := b.TakeApart()
		if err != nil {
			s.recordBadData(ctx, err, "take_apart")
			s.markBundleProcessed(b)
			continue
		}
		parts = append(parts, p)
		flushed = append(flushed, b)
	}
	if len(parts) == 0 {
		return true
	}

	start := s.now()
	err := s.sink.FlushBundles(ctx, parts)
	s.metrics.FlushDuration.Observe(s.now().Sub(start).Seconds())
	if err != nil {
		var formatErr *envelope.FormatError
		if errors.As(err, &formatErr) {
			// Systematic defect in the data: report and drop the batch,
			// retrying can never succeed.
			s.recordBadData(ctx, err, "flush_format")
			for _, b := range flushed {
				s.markBundleProcessed(b)
			}
			return true
		}
		// Transient storage failure: the Flusher already rolled back and
		// marked its lookup caches stale; the same bundles retry next pass.
		s.logger.Error("bundle flush failed", "bundles", len(parts), "err", err)
		s.metrics.FlushFailures.Inc()
		s.store.Restore(flushed)
		return true
	}

	for i, b := range flushed {
		s.markBundleProcessed(b)
		s.metrics.BundlesFlushed.Inc()
		s.metrics.RequestsWritten.Add(float64(len(parts[i].RequestIDs)))
	}
	return true
}

// evictStale drops bundles untouched for longer than the max age, dumping
// their state to the diagnostic table so operators can inspect the loss.
func (s *Siphon) evictStale(ctx context.Context) bool {
	cutoff := s.now().Add(-s.cfg.MaxBundleAge)
	evicted := false
	for {
		b := s.store.Oldest()
		if b == nil || b.LastUpdate().After(cutoff) {
			break
		}
		s.store.RemoveOldest()
		s.logger.Warn("evicting stale bundle",
			"key", b.Key(), "age", s.now().Sub(b.LastUpdate()).String(), "assembled", b.Assembled())
		if s.sink != nil {
			if err := s.sink.WriteDecodeError(ctx, "bundle evicted before flush", 0, b.DebugString()); err != nil {
				s.logger.Error("eviction diagnostic write failed", "err", err)
			}
		}
		s.markBundleProcessed(b)
		s.metrics.BundlesEvicted.Inc()
		evicted = true
	}
	return evicted
}

func (s *Siphon) commitOffsets(ctx context.Context) {
	watermarks := s.tracker.Watermarks()
	if len(watermarks) == 0 {
		return
	}
	if err := s.consumer.Commit(ctx, watermarks); err != nil {
		// The watermarks are popped; a failed commit only widens the
		// redelivery window after a restart, at-least-once still holds.
		s.logger.Error("offset commit failed", "err", err)
		return
	}
	for topic, parts := range watermarks {
		for partition, offset := range parts {
			s.metrics.CommittedOffset.
				WithLabelValues(topic, metrics.Partition(partition)).
				Set(float64(offset))
		}
	}
}

func (s *Siphon) refreshTopics(ctx context.Context) {
	if s.now().Sub(s.lastRefresh) < s.cfg.RefreshEvery {
		return
	}
	s.lastRefresh = s.now()
	if _, err := s.consumer.RefreshTopics(ctx); err != nil {
		s.logger.Error("topic refresh failed", "err", err)
	}
}

// markBundleProcessed marks every position that contributed to a bundle.
// This is the invariant tying reassembly to delivery safety: an offset is
// only committed once its bundle has left the system, successfully or not.
func (s *Siphon) markBundleProcessed(b *bundle.Bundle) {
	for _, p := range b.Positions() {
		s.tracker.MarkProcessed(p)
	}
}

// recordBadData logs a protocol or format failure and writes it to the
// diagnostic table when a sink is configured.
func (s *Siphon) recordBadData(ctx context.Context, err error, reason string) {
	s.metrics.MalformedTotal.WithLabelValues(reason).Inc()

	msg, line, data := err.Error(), 0, ""
	var protoErr *envelope.ProtocolError
	var formatErr *envelope.FormatError
	switch {
	case errors.As(err, &protoErr):
		msg, line, data = protoErr.Msg, protoErr.Line, protoErr.Data
	case errors.As(err, &formatErr):
		msg, line, data = formatErr.Msg, formatErr.Line, formatErr.Data
	}
	s.logger.Error("bad stream data", "reason", reason, "line", line, "err", msg)
	if s.sink == nil {
		return
	}
	if werr := s.sink.WriteDecodeError(ctx, msg, line, data); werr != nil {
		s.logger.Error("decode error write failed", "err", werr)
	}
}
