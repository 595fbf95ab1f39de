package store

import (
	"strconv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// PlayedStore remembers the track identifiers that already came up during
// the current party. Membership is checked on every scan, so a Bloom
// filter screens the common miss path before the map lookup; an LRU keeps
// insertion order for eviction once the capacity is reached.
//
// The filter is shared across parties: Clear bumps the party counter and
// identifiers are filter-keyed per party, so a new party starts empty
// without rebuilding the filter. It is rebuilt lazily once the stale
// entries from earlier parties would push the false positive rate past
// its estimate.
type PlayedStore struct {
	mu       sync.RWMutex
	party    uint64
	ids      map[string]struct{}
	order    *lru.Cache[string, struct{}]
	filter   *bloom.BloomFilter
	inserted int
	capacity int
	fpRate   float64
}

// NewPlayedStore creates a store holding at most capacity identifiers
// with the given Bloom false positive rate.
func NewPlayedStore(capacity int, falsePositiveRate float64) *PlayedStore {
	if capacity <= 0 {
		capacity = 1
	}
	order, _ := lru.New[string, struct{}](capacity)

	return &PlayedStore{
		ids:      make(map[string]struct{}),
		order:    order,
		filter:   bloom.NewWithEstimates(uint(capacity), falsePositiveRate),
		capacity: capacity,
		fpRate:   falsePositiveRate,
	}
}

// Has reports whether a track identifier was already played this party.
func (ps *PlayedStore) Has(trackID string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if !ps.filter.TestString(ps.partyKey(trackID)) {
		return false
	}

	_, exists := ps.ids[trackID]
	return exists
}

// Add records a track identifier as played.
func (ps *PlayedStore) Add(trackID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.ids[trackID]; exists {
		return
	}

	ps.ids[trackID] = struct{}{}
	ps.filter.AddString(ps.partyKey(trackID))
	ps.inserted++
	ps.order.Add(trackID, struct{}{})

	if len(ps.ids) > ps.capacity {
		if oldest, _, ok := ps.order.GetOldest(); ok {
			delete(ps.ids, oldest)
			ps.order.Remove(oldest)
		}
	}
}

// Size returns the number of identifiers currently stored.
func (ps *PlayedStore) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.ids)
}

// Clear starts a new party. The map and eviction order are dropped; the
// filter only when its accumulated entries exceed what it was sized for.
func (ps *PlayedStore) Clear() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.party++
	ps.ids = make(map[string]struct{})
	ps.order.Purge()

	if ps.inserted >= ps.capacity {
		ps.filter = bloom.NewWithEstimates(uint(ps.capacity), ps.fpRate)
		ps.inserted = 0
	}
}

func (ps *PlayedStore) partyKey(trackID string) string {
	return strconv.FormatUint(ps.party, 10) + ":" + trackID
}
