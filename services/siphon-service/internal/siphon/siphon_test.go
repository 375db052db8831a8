package siphon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/bundle"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/dbwrite"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/envelope"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/metrics"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/stream"
)

type fakeConsumer struct {
	batches   [][]stream.Record
	commits   []map[string]map[int]int64
	refreshes int
}

func (c *fakeConsumer) Poll(_ context.Context, _ time.Duration, _ int) ([]stream.Record, error) {
	if len(c.batches) == 0 {
		return nil, nil
	}
	recs := c.batches[0]
	c.batches = c.batches[1:]
	return recs, nil
}

func (c *fakeConsumer) Commit(_ context.Context, offsets map[string]map[int]int64) error {
	c.commits = append(c.commits, offsets)
	return nil
}

func (c *fakeConsumer) RefreshTopics(context.Context) (bool, error) {
	c.refreshes++
	return false, nil
}

type fakeSink struct {
	flushed    [][]*bundle.Parts
	flushErr   error
	decodeMsgs []string
	logBatches [][]dbwrite.LogRecord
	logErr     error
}

func (s *fakeSink) FlushBundles(_ context.Context, parts []*bundle.Parts) error {
	if s.flushErr != nil {
		return s.flushErr
	}
	s.flushed = append(s.flushed, parts)
	return nil
}

func (s *fakeSink) WriteDecodeError(_ context.Context, msg string, _ int, _ string) error {
	s.decodeMsgs = append(s.decodeMsgs, msg)
	return nil
}

func (s *fakeSink) WriteLogRecords(_ context.Context, recs []dbwrite.LogRecord) error {
	if s.logErr != nil {
		return s.logErr
	}
	s.logBatches = append(s.logBatches, recs)
	return nil
}

func newTestSiphon(consumer Consumer, sink Sink) *Siphon {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(consumer, sink, metrics.New("test"), logger, Config{AlsTopic: "ALS"})
}

func alsRecord(t *testing.T, off int64, key, dataType, payload string, extra map[string]any) stream.Record {
	t.Helper()
	rec := map[string]any{
		"version":  "1.0",
		"source":   "afc-1",
		"time":     "2026-03-01T12:00:00Z",
		"dataType": dataType,
		"jsonData": payload,
	}
	for k, v := range extra {
		rec[k] = v
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal wire record: %v", err)
	}
	return stream.Record{
		Position: stream.Position{Topic: "ALS", Partition: 0, Offset: off},
		Key:      []byte(key),
		Value:    raw,
	}
}

func tripleRecords(t *testing.T, key string) []stream.Record {
	t.Helper()
	return []stream.Record{
		alsRecord(t, 0, key, "AFC_REQUEST",
			`{"availableSpectrumInquiryRequests":[{"requestId":"r1"}]}`, nil),
		alsRecord(t, 1, key, "AFC_CONFIG", `{}`, map[string]any{
			"customer":       "acme",
			"geoDataVersion": "geo-1",
			"ulsId":          "uls-1",
		}),
		alsRecord(t, 2, key, "AFC_RESPONSE",
			`{"availableSpectrumInquiryResponses":[{"requestId":"r1","response":{"responseCode":0}}]}`, nil),
	}
}

func lastCommit(t *testing.T, c *fakeConsumer, topic string, partition int) int64 {
	t.Helper()
	for i := len(c.commits) - 1; i >= 0; i-- {
		if off, ok := c.commits[i][topic][partition]; ok {
			return off
		}
	}
	t.Fatalf("no commit recorded for %s[%d] in %v", topic, partition, c.commits)
	return 0
}

func TestTripleFlushesAndCommits(t *testing.T) {
	consumer := &fakeConsumer{batches: [][]stream.Record{tripleRecords(t, "k1")}}
	sink := &fakeSink{}
	s := newTestSiphon(consumer, sink)

	if !s.iterate(context.Background()) {
		t.Fatal("pass with records must report busy")
	}
	if len(sink.flushed) != 1 || len(sink.flushed[0]) != 1 {
		t.Fatalf("flushed = %v, want one batch with one bundle", sink.flushed)
	}
	parts := sink.flushed[0][0]
	if parts.Key != "k1" || len(parts.RequestIDs) != 1 {
		t.Fatalf("flushed parts = %+v", parts)
	}
	if got := lastCommit(t, consumer, "ALS", 0); got != 2 {
		t.Fatalf("committed offset = %d, want 2", got)
	}
	if s.store.Len() != 0 {
		t.Fatalf("store still holds %d bundles", s.store.Len())
	}
}

func TestIncompleteBundleHoldsOffsets(t *testing.T) {
	recs := tripleRecords(t, "k1")[:2] // no response yet
	consumer := &fakeConsumer{batches: [][]stream.Record{recs}}
	sink := &fakeSink{}
	s := newTestSiphon(consumer, sink)

	s.iterate(context.Background())
	if len(consumer.commits) != 0 {
		t.Fatalf("offsets committed before assembly: %v", consumer.commits)
	}
	if len(sink.flushed) != 0 {
		t.Fatal("incomplete bundle must not flush")
	}
}

func TestMalformedRecordIsReportedAndCommitted(t *testing.T) {
	recs := []stream.Record{{
		Position: stream.Position{Topic: "ALS", Partition: 0, Offset: 5},
		Key:      []byte("k1"),
		Value:    []byte("not json"),
	}}
	consumer := &fakeConsumer{batches: [][]stream.Record{recs}}
	sink := &fakeSink{}
	s := newTestSiphon(consumer, sink)

	s.iterate(context.Background())
	if len(sink.decodeMsgs) != 1 {
		t.Fatalf("decode errors = %v, want 1", sink.decodeMsgs)
	}
	if got := lastCommit(t, consumer, "ALS", 0); got != 5 {
		t.Fatalf("committed offset = %d, want 5", got)
	}
}

func TestTransientFlushFailureRetries(t *testing.T) {
	consumer := &fakeConsumer{batches: [][]stream.Record{tripleRecords(t, "k1")}}
	sink := &fakeSink{flushErr: errors.New("connection refused")}
	s := newTestSiphon(consumer, sink)

	s.iterate(context.Background())
	if len(consumer.commits) != 0 {
		t.Fatalf("failed flush must not commit, got %v", consumer.commits)
	}
	if s.store.Len() != 1 {
		t.Fatalf("bundle not restored after failed flush, store = %d", s.store.Len())
	}

	// Storage recovers; the next pass flushes the same bundle.
	sink.flushErr = nil
	s.iterate(context.Background())
	if len(sink.flushed) != 1 {
		t.Fatalf("retry did not flush, flushed = %v", sink.flushed)
	}
	if got := lastCommit(t, consumer, "ALS", 0); got != 2 {
		t.Fatalf("committed offset = %d, want 2", got)
	}
}

func TestFormatFlushFailureDropsBatch(t *testing.T) {
	consumer := &fakeConsumer{batches: [][]stream.Record{tripleRecords(t, "k1")}}
	sink := &fakeSink{flushErr: envelope.Formatf(nil, "unwritable content")}
	s := newTestSiphon(consumer, sink)

	s.iterate(context.Background())
	if s.store.Len() != 0 {
		t.Fatal("format failure must drop the batch, not restore it")
	}
	if len(sink.decodeMsgs) != 1 {
		t.Fatalf("decode errors = %v, want the format failure", sink.decodeMsgs)
	}
	// Retrying can never succeed, so the offsets still commit.
	if got := lastCommit(t, consumer, "ALS", 0); got != 2 {
		t.Fatalf("committed offset = %d, want 2", got)
	}
}

func TestStaleBundleEvictedAndCommitted(t *testing.T) {
	recs := tripleRecords(t, "k1")[:1] // request only, never completes
	consumer := &fakeConsumer{batches: [][]stream.Record{recs}}
	sink := &fakeSink{}
	s := newTestSiphon(consumer, sink)
	// Run the loop's clock an hour ahead so the bundle is past max age.
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	s.iterate(context.Background())
	if s.store.Len() != 0 {
		t.Fatalf("stale bundle not evicted, store = %d", s.store.Len())
	}
	if len(sink.decodeMsgs) != 1 || sink.decodeMsgs[0] != "bundle evicted before flush" {
		t.Fatalf("decode errors = %v", sink.decodeMsgs)
	}
	if got := lastCommit(t, consumer, "ALS", 0); got != 0 {
		t.Fatalf("committed offset = %d, want 0", got)
	}
}

func TestLogTopicRecordsWritten(t *testing.T) {
	recs := []stream.Record{{
		Position: stream.Position{Topic: "afc-logs", Partition: 0, Offset: 9},
		Value:    []byte(`{"source":"afc-2","time":"2026-03-01T10:00:00Z","event":"startup"}`),
	}}
	consumer := &fakeConsumer{batches: [][]stream.Record{recs}}
	sink := &fakeSink{}
	s := newTestSiphon(consumer, sink)

	s.iterate(context.Background())
	if len(sink.logBatches) != 1 || len(sink.logBatches[0]) != 1 {
		t.Fatalf("log batches = %v", sink.logBatches)
	}
	lr := sink.logBatches[0][0]
	if lr.Source != "afc-2" || lr.Topic != "afc-logs" {
		t.Fatalf("log record = %+v", lr)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !lr.Time.Equal(want) {
		t.Fatalf("log time = %v, want %v", lr.Time, want)
	}
	if got := lastCommit(t, consumer, "afc-logs", 0); got != 9 {
		t.Fatalf("committed offset = %d, want 9", got)
	}
}

func TestLogWriteFailureHoldsOffsets(t *testing.T) {
	recs := []stream.Record{{
		Position: stream.Position{Topic: "afc-logs", Partition: 0, Offset: 9},
		Value:    []byte(`{"event":"x"}`),
	}}
	consumer := &fakeConsumer{batches: [][]stream.Record{recs}}
	sink := &fakeSink{logErr: errors.New("insert failed")}
	s := newTestSiphon(consumer, sink)

	s.iterate(context.Background())
	if len(consumer.commits) != 0 {
		t.Fatalf("failed log write must not commit, got %v", consumer.commits)
	}
}

func TestInvalidLogRecordCommitted(t *testing.T) {
	recs := []stream.Record{{
		Position: stream.Position{Topic: "afc-logs", Partition: 1, Offset: 3},
		Value:    []byte("plain text line"),
	}}
	consumer := &fakeConsumer{batches: [][]stream.Record{recs}}
	sink := &fakeSink{}
	s := newTestSiphon(consumer, sink)

	s.iterate(context.Background())
	if len(sink.logBatches) != 0 {
		t.Fatal("invalid log record must not be written")
	}
	if len(sink.decodeMsgs) != 1 {
		t.Fatalf("decode errors = %v, want 1", sink.decodeMsgs)
	}
	if got := lastCommit(t, consumer, "afc-logs", 1); got != 3 {
		t.Fatalf("committed offset = %d, want 3", got)
	}
}

func TestStreamOnlyModeAdvancesLogOffsets(t *testing.T) {
	recs := []stream.Record{{
		Position: stream.Position{Topic: "afc-logs", Partition: 0, Offset: 4},
		Value:    []byte(`{"event":"x"}`),
	}}
	consumer := &fakeConsumer{batches: [][]stream.Record{recs}}
	s := newTestSiphon(consumer, nil)

	s.iterate(context.Background())
	if got := lastCommit(t, consumer, "afc-logs", 0); got != 4 {
		t.Fatalf("committed offset = %d, want 4", got)
	}
}

func TestTopicRefreshIsRateLimited(t *testing.T) {
	consumer := &fakeConsumer{}
	s := newTestSiphon(consumer, &fakeSink{})

	s.iterate(context.Background())
	s.iterate(context.Background())
	if consumer.refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1 (first pass only)", consumer.refreshes)
	}
}
