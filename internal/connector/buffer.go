package connector

import (
	"sort"
	"time"

	"fundingflow/internal/models"
)

// Buffer holds the latest merged state per symbol for one connector. It is
// owned by that connector and guarded by the connector's flush mutex.
type Buffer struct {
	latest map[string]*bufferEntry
}

type bufferEntry struct {
	update    models.MarketUpdate
	dirty     bool
	touchedAt time.Time
}

func NewBuffer() *Buffer {
	return &Buffer{latest: make(map[string]*bufferEntry)}
}

// Apply merges updates into the per-symbol state.
func (b *Buffer) Apply(now time.Time, updates []models.MarketUpdate) {
	for _, u := range updates {
		if u.Symbol == "" {
			continue
		}
		e, ok := b.latest[u.Symbol]
		if !ok {
			e = &bufferEntry{}
			b.latest[u.Symbol] = e
		}
		e.update.Merge(u)
		e.dirty = true
		e.touchedAt = now
	}
}

// Drain returns the symbols updated since the last drain that carry a
// funding rate, sorted by symbol, and marks them clean. Entries untouched
// for longer than evictAfter are dropped.
func (b *Buffer) Drain(now time.Time, evictAfter time.Duration) []models.MarketUpdate {
	out := make([]models.MarketUpdate, 0, len(b.latest))
	for sym, e := range b.latest {
		if evictAfter > 0 && now.Sub(e.touchedAt) > evictAfter {
			delete(b.latest, sym)
			continue
		}
		if !e.dirty || !e.update.Has(models.FieldFundingRate) {
			continue
		}
		out = append(out, e.update)
		e.dirty = false
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// MarkDirty re-queues symbols whose flush failed.
func (b *Buffer) MarkDirty(symbols []string) {
	for _, sym := range symbols {
		if e, ok := b.latest[sym]; ok {
			e.dirty = true
		}
	}
}

func (b *Buffer) Len() int { return len(b.latest) }
