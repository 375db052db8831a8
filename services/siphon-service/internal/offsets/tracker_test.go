package offsets

import (
	"testing"

	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/stream"
)

func pos(topic string, part int, off int64) stream.Position {
	return stream.Position{Topic: topic, Partition: part, Offset: off}
}

func TestWatermarkContiguousPrefix(t *testing.T) {
	tr := NewTracker()
	for _, o := range []int64{10, 11, 12, 13} {
		tr.Add(pos("ALS", 0, o))
	}
	tr.MarkProcessed(pos("ALS", 0, 10))
	tr.MarkProcessed(pos("ALS", 0, 11))
	tr.MarkProcessed(pos("ALS", 0, 13)) // gap at 12

	wm := tr.Watermarks()
	if got := wm["ALS"][0]; got != 11 {
		t.Fatalf("watermark = %d, want 11", got)
	}
	if tr.Pending() != 2 {
		t.Fatalf("pending = %d, want 2 (offsets 12 and 13)", tr.Pending())
	}

	// Closing the gap releases the rest.
	tr.MarkProcessed(pos("ALS", 0, 12))
	wm = tr.Watermarks()
	if got := wm["ALS"][0]; got != 13 {
		t.Fatalf("watermark after gap fill = %d, want 13", got)
	}
	if tr.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", tr.Pending())
	}
}

func TestWatermarkOutOfOrderAdds(t *testing.T) {
	tr := NewTracker()
	for _, o := range []int64{5, 2, 4, 3} {
		tr.Add(pos("ALS", 1, o))
	}
	for _, o := range []int64{2, 3, 4, 5} {
		tr.MarkProcessed(pos("ALS", 1, o))
	}
	wm := tr.Watermarks()
	if got := wm["ALS"][1]; got != 5 {
		t.Fatalf("watermark = %d, want 5", got)
	}
}

func TestDuplicateAddKeepsProcessedFlag(t *testing.T) {
	tr := NewTracker()
	tr.Add(pos("ALS", 0, 7))
	tr.Add(pos("ALS", 0, 8))
	tr.MarkProcessed(pos("ALS", 0, 7))
	// Redelivery of a processed-but-uncommitted offset must not reset it.
	tr.Add(pos("ALS", 0, 7))

	wm := tr.Watermarks()
	if got := wm["ALS"][0]; got != 7 {
		t.Fatalf("watermark = %d, want 7", got)
	}
}

func TestUnprocessedHeadBlocksPartition(t *testing.T) {
	tr := NewTracker()
	tr.Add(pos("ALS", 0, 0))
	tr.Add(pos("ALS", 0, 1))
	tr.MarkProcessed(pos("ALS", 0, 1))

	wm := tr.Watermarks()
	if _, ok := wm["ALS"]; ok {
		t.Fatalf("partition with unprocessed head must be absent, got %v", wm)
	}
}

func TestPartitionsTrackedIndependently(t *testing.T) {
	tr := NewTracker()
	tr.Add(pos("ALS", 0, 100))
	tr.Add(pos("ALS", 1, 200))
	tr.Add(pos("logs", 0, 5))
	tr.MarkProcessed(pos("ALS", 0, 100))
	tr.MarkProcessed(pos("logs", 0, 5))

	wm := tr.Watermarks()
	if got := wm["ALS"][0]; got != 100 {
		t.Fatalf("ALS[0] watermark = %d, want 100", got)
	}
	if got := wm["logs"][0]; got != 5 {
		t.Fatalf("logs[0] watermark = %d, want 5", got)
	}
	if _, ok := wm["ALS"][1]; ok {
		t.Fatal("ALS[1] has no processed offsets, must be absent")
	}
}

func TestMarkAllProcessed(t *testing.T) {
	tr := NewTracker()
	for _, o := range []int64{1, 2, 3} {
		tr.Add(pos("ALS", 3, o))
	}
	tr.MarkAllProcessed("ALS", 3)
	wm := tr.Watermarks()
	if got := wm["ALS"][3]; got != 3 {
		t.Fatalf("watermark = %d, want 3", got)
	}
}

func TestMarkUnknownOffsetIgnored(t *testing.T) {
	tr := NewTracker()
	tr.MarkProcessed(pos("ALS", 0, 42))
	if wm := tr.Watermarks(); len(wm) != 0 {
		t.Fatalf("expected no watermarks, got %v", wm)
	}
}

func TestWatermarkPrunesCommittedOffsets(t *testing.T) {
	tr := NewTracker()
	tr.Add(pos("ALS", 0, 1))
	tr.MarkProcessed(pos("ALS", 0, 1))
	if wm := tr.Watermarks(); wm["ALS"][0] != 1 {
		t.Fatalf("first watermark = %v", wm)
	}
	// Popped offsets are gone; a second call reports nothing.
	if wm := tr.Watermarks(); len(wm) != 0 {
		t.Fatalf("second call must be empty, got %v", wm)
	}
}
