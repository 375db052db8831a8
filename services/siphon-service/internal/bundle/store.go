package bundle

import (
	"container/heap"
	"sort"
	"time"

	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/envelope"
	"github.com/open-afc-project/als-siphon/services/siphon-service/internal/stream"
)

// Store is the indexed priority collection of in-flight bundles, ordered by
// last-touched time. It owns no offset bookkeeping: the orchestrator marks a
// bundle's contributing positions processed at the point the bundle leaves,
// whether by flush or by eviction.
type Store struct {
	byKey map[string]*Bundle
	heap  bundleHeap
	now   func() time.Time
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		byKey: make(map[string]*Bundle),
		now:   now,
	}
}

func (s *Store) Len() int { return len(s.byKey) }

// AddMessage routes one decoded envelope to its bundle, creating the bundle
// on first sight of the key. The bool reports whether a new bundle was
// created. A returned error means the envelope was rejected; the bundle (if
// any) is left as it was.
func (s *Store) AddMessage(key []byte, env *envelope.Envelope, pos stream.Position) (bool, error) {
	k := string(key)
	b, ok := s.byKey[k]
	isNew := !ok
	if isNew {
		b = newBundle(k, s.now())
	}
	if _, err := b.Update(env, pos, s.now()); err != nil {
		return false, err
	}
	if isNew {
		s.byKey[k] = b
		heap.Push(&s.heap, b)
	} else {
		heap.Fix(&s.heap, b.heapIndex)
	}
	return isNew, nil
}

// FetchAssembled removes and returns assembled bundles in ascending
// last-update order. It stops before exceeding either cap, except that the
// first selected bundle is always taken so an oversized bundle cannot wedge
// the flush. Non-positive caps mean unlimited.
func (s *Store) FetchAssembled(maxBundles, maxRequests int) []*Bundle {
	var candidates []*Bundle
	for _, b := range s.byKey {
		if b.assembled {
			candidates = append(candidates, b)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUpdate.Before(candidates[j].lastUpdate)
	})

	var picked []*Bundle
	requests := 0
	for _, b := range candidates {
		if maxBundles > 0 && len(picked) >= maxBundles {
			break
		}
		if maxRequests > 0 && len(picked) > 0 && requests+b.RequestCount() > maxRequests {
			break
		}
		picked = append(picked, b)
		requests += b.RequestCount()
	}
	for _, b := range picked {
		s.remove(b)
	}
	return picked
}

// Restore re-inserts bundles fetched for a flush that failed, preserving
// their original last-update time so eviction age and fetch order survive
// the retry.
func (s *Store) Restore(bundles []*Bundle) {
	for _, b := range bundles {
		if _, ok := s.byKey[b.key]; ok {
			continue
		}
		s.byKey[b.key] = b
		heap.Push(&s.heap, b)
	}
}

// Oldest returns the least recently touched bundle regardless of assembly
// state, or nil when the store is empty.
func (s *Store) Oldest() *Bundle {
	if s.heap.Len() == 0 {
		return nil
	}
	return s.heap[0]
}

// RemoveOldest removes and returns the least recently touched bundle.
func (s *Store) RemoveOldest() *Bundle {
	b := s.Oldest()
	if b != nil {
		s.remove(b)
	}
	return b
}

func (s *Store) remove(b *Bundle) {
	delete(s.byKey, b.key)
	if b.heapIndex >= 0 {
		heap.Remove(&s.heap, b.heapIndex)
		b.heapIndex = -1
	}
}

type bundleHeap []*Bundle

func (h bundleHeap) Len() int { return len(h) }

func (h bundleHeap) Less(i, j int) bool { return h[i].lastUpdate.Before(h[j].lastUpdate) }

func (h bundleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *bundleHeap) Push(x any) {
	b := x.(*Bundle)
	b.heapIndex = len(*h)
	*h = append(*h, b)
}

func (h *bundleHeap) Pop() any {
	old := *h
	n := len(old)
	b := old[n-1]
	old[n-1] = nil
	b.heapIndex = -1
	*h = old[:n-1]
	return b
}
