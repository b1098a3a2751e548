package sequencer

import (
	"time"

	"github.com/pelorus-io/chantry/types"
)

// seenKey identifies a delivery within the duplicate-guard window. Edits
// are keyed by their edit timestamp as well as the ordinal, matching the
// superseding-record anchor scheme: redelivery of the same edit is a
// duplicate, a later distinct edit of the same message is not.
type seenKey struct {
	kind    types.EventKind
	ordinal int64
	editTs  int64
}

func keyFor(ev *types.RawEvent) seenKey {
	key := seenKey{kind: ev.Kind, ordinal: ev.Ordinal}
	if ev.Kind == types.EventEdit {
		key.editTs = ev.Timestamp.Unix()
	}
	return key
}

type seenEntry struct {
	key seenKey
	at  time.Time
}

// SeenSet is the bounded, time-windowed recently-accepted guard. It
// protects against duplicate delivery within one process lifetime, such
// as overlapping live and backfill windows. Eviction is FIFO by insertion
// plus an age window; it is never allowed to grow without bound.
type SeenSet struct {
	limit  int
	window time.Duration
	order  []seenEntry
	idx    map[seenKey]time.Time
}

// NewSeenSet creates a guard holding at most limit entries no older than
// window.
func NewSeenSet(limit int, window time.Duration) *SeenSet {
	return &SeenSet{
		limit:  limit,
		window: window,
		idx:    make(map[seenKey]time.Time, limit),
	}
}

// Contains reports whether the delivery is inside the guard window.
func (s *SeenSet) Contains(ev *types.RawEvent, now time.Time) bool {
	at, ok := s.idx[keyFor(ev)]
	if !ok {
		return false
	}
	return now.Sub(at) <= s.window
}

// Remember records a delivery, evicting expired and overflow entries.
func (s *SeenSet) Remember(ev *types.RawEvent, now time.Time) {
	s.evict(now)

	key := keyFor(ev)
	if _, ok := s.idx[key]; ok {
		return
	}
	s.order = append(s.order, seenEntry{key: key, at: now})
	s.idx[key] = now
}

// Len returns the current entry count.
func (s *SeenSet) Len() int {
	return len(s.idx)
}

func (s *SeenSet) evict(now time.Time) {
	// Age-based eviction from the front, then size-based.
	for len(s.order) > 0 && now.Sub(s.order[0].at) > s.window {
		delete(s.idx, s.order[0].key)
		s.order = s.order[1:]
	}
	for len(s.order) >= s.limit && s.limit > 0 {
		delete(s.idx, s.order[0].key)
		s.order = s.order[1:]
	}
}
