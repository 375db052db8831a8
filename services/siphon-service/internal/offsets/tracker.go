// Package offsets tracks which stream offsets have been durably handled and
// computes, per partition, the highest offset that is safe to commit back to
// the broker.
package offsets

import (
	"container/heap"

	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/stream"
)

type partitionKey struct {
	topic     string
	partition int
}

type entry struct {
	offset    int64
	processed bool
}

// partition holds every offset seen but not yet committed, as a min-heap
// plus an index for O(1) duplicate detection and processed flips.
type partition struct {
	heap    offsetHeap
	entries map[int64]*entry
}

type offsetHeap []*entry

func (h offsetHeap) Len() int { return len(h) }

func (h offsetHeap) Less(i, j int) bool { return h[i].offset < h[j].offset }

func (h offsetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *offsetHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *offsetHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type Tracker struct {
	partitions map[partitionKey]*partition
}

func NewTracker() *Tracker {
	return &Tracker{partitions: make(map[partitionKey]*partition)}
}

// Add registers an offset as seen but not yet processed. Re-adding a known
// offset is a no-op, so duplicate delivery cannot reset a processed flag.
func (t *Tracker) Add(pos stream.Position) {
	p := t.partition(pos)
	if _, ok := p.entries[pos.Offset]; ok {
		return
	}
	e := &entry{offset: pos.Offset}
	p.entries[pos.Offset] = e
	heap.Push(&p.heap, e)
}

// MarkProcessed flips the processed flag for an offset. Unknown offsets are
// ignored (they were already committed and pruned).
func (t *Tracker) MarkProcessed(pos stream.Position) {
	p, ok := t.partitions[partitionKey{pos.Topic, pos.Partition}]
	if !ok {
		return
	}
	if e, ok := p.entries[pos.Offset]; ok {
		e.processed = true
	}
}

// MarkAllProcessed flips every known offset of a partition.
func (t *Tracker) MarkAllProcessed(topic string, part int) {
	p, ok := t.partitions[partitionKey{topic, part}]
	if !ok {
		return
	}
	for _, e := range p.entries {
		e.processed = true
	}
}

// Watermarks pops the contiguous processed prefix of every partition and
// returns the highest popped offset per (topic, partition). Partitions whose
// head is unprocessed are absent from the result. Popped entries are removed
// entirely; this is what bounds memory on long-lived partitions.
func (t *Tracker) Watermarks() map[string]map[int]int64 {
	result := make(map[string]map[int]int64)
	for key, p := range t.partitions {
		var wm int64
		found := false
		for p.heap.Len() > 0 && p.heap[0].processed {
			e := heap.Pop(&p.heap).(*entry)
			delete(p.entries, e.offset)
			wm = e.offset
			found = true
		}
		if !found {
			continue
		}
		if result[key.topic] == nil {
			result[key.topic] = make(map[int]int64)
		}
		result[key.topic][key.partition] = wm
		if p.heap.Len() == 0 {
			delete(t.partitions, key)
		}
	}
	return result
}

// Pending reports how many offsets are tracked but not yet committable.
func (t *Tracker) Pending() int {
	n := 0
	for _, p := range t.partitions {
		n += len(p.entries)
	}
	return n
}

func (t *Tracker) partition(pos stream.Position) *partition {
	key := partitionKey{pos.Topic, pos.Partition}
	p, ok := t.partitions[key]
	if !ok {
		p = &partition{entries: make(map[int64]*entry)}
		t.partitions[key] = p
	}
	return p
}
