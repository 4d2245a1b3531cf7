package binning

import (
	"container/list"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/observability"
)

// TierTwoChecker is the cold-path duplicate lookup, backed by Postgres.
type TierTwoChecker interface {
	Seen(ctx context.Context, action, key string) (bool, error)
}

// Dedup implements two-tier duplicate detection ahead of bin assembly:
// an in-memory LRU for the hot path and a Postgres lookup for the cold path.
// Not goroutine-safe; it is only touched from the single ingestion loop.
type Dedup struct {
	lru     *lruSet
	db      TierTwoChecker
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewDedup(capacity int, db TierTwoChecker, log zerolog.Logger, metrics *observability.Metrics) *Dedup {
	return &Dedup{
		lru:     newLRUSet(capacity),
		db:      db,
		log:     log.With().Str("component", "dedup").Logger(),
		metrics: metrics,
	}
}

// IsDuplicate reports whether the (action, key) pair was already processed.
// A tier-2 lookup failure is treated as not-duplicate so a database wobble
// cannot stall ingestion; the store's unique index catches the rare repeat.
func (d *Dedup) IsDuplicate(ctx context.Context, action event.Action, key string) bool {
	composite := compositeKey(action, key)

	if d.lru.contains(composite) {
		d.recordDuplicate(action, "lru")
		return true
	}

	if d.db == nil {
		return false
	}

	start := time.Now()
	seen, err := d.db.Seen(ctx, string(action), key)
	if d.metrics != nil {
		d.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("tier-2 dedup lookup failed, assuming new")
		return false
	}
	if seen {
		d.recordDuplicate(action, "postgres")
		d.lru.add(composite)
		return true
	}
	return false
}

// MarkProcessed records a key in the LRU after its bin item was handed off.
func (d *Dedup) MarkProcessed(action event.Action, key string) {
	d.add(compositeKey(action, key))
}

// Warm preloads composite keys, typically the most recent rows from the
// processed-messages table, so a restart does not pay a cold-path lookup for
// every in-flight retry.
func (d *Dedup) Warm(actions []event.Action, keys []string) {
	for i, key := range keys {
		if i < len(actions) {
			d.add(compositeKey(actions[i], key))
		}
	}
}

// Size returns the current LRU occupancy.
func (d *Dedup) Size() int {
	return d.lru.size()
}

func (d *Dedup) add(composite string) {
	if d.lru.add(composite) && d.metrics != nil {
		d.metrics.DedupLRUEvictions.Inc()
	}
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.size()))
	}
}

func (d *Dedup) recordDuplicate(action event.Action, tier string) {
	if d.metrics != nil {
		d.metrics.IdempotencyDuplicates.WithLabelValues(string(action), tier).Inc()
	}
}

func compositeKey(action event.Action, key string) string {
	return fmt.Sprintf("%s:%s", action, key)
}

// --- LRU set ---

type lruSet struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

type lruEntry struct {
	key string
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (s *lruSet) contains(key string) bool {
	elem, ok := s.cache[key]
	if ok {
		s.order.MoveToFront(elem)
	}
	return ok
}

// add inserts or promotes a key; it reports whether an eviction happened.
func (s *lruSet) add(key string) bool {
	if elem, ok := s.cache[key]; ok {
		s.order.MoveToFront(elem)
		return false
	}
	s.cache[key] = s.order.PushFront(&lruEntry{key: key})
	if s.order.Len() > s.capacity {
		s.evictOldest()
		return true
	}
	return false
}

func (s *lruSet) evictOldest() {
	elem := s.order.Back()
	if elem == nil {
		return
	}
	s.order.Remove(elem)
	delete(s.cache, elem.Value.(*lruEntry).key)
}

func (s *lruSet) size() int {
	return s.order.Len()
}
