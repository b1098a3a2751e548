// Package metrics accumulates pipeline counters for the status surface.
//
// The Collector is a leaf package with no internal dependencies. All
// increment methods are nil-receiver safe so callers never need to guard
// for an absent collector.
package metrics

import "sync"

// ChannelSnapshot is a point-in-time view of one channel's counters.
type ChannelSnapshot struct {
	EventsSeen       int64 `json:"events_seen"`
	EventsAccepted   int64 `json:"events_accepted"`
	EventsStale      int64 `json:"events_stale"`
	EventsDuplicate  int64 `json:"events_duplicate"`
	RecordsCommitted int64 `json:"records_committed"`
	GapsDetected     int64 `json:"gaps_detected"`
	MediaFetched     int64 `json:"media_fetched"`
	MediaSkipped     int64 `json:"media_skipped"`
	MediaFailed      int64 `json:"media_failed"`
	Reconnects       int64 `json:"reconnects"`
}

// Snapshot is an immutable view of all counters. Safe to read
// concurrently after creation.
type Snapshot struct {
	Channels    map[int64]ChannelSnapshot `json:"channels"`
	IndexErrors int64                     `json:"index_errors"`
	Totals      ChannelSnapshot           `json:"totals"`
}

// Collector accumulates per-channel counters. Thread-safe.
type Collector struct {
	mu          sync.Mutex
	channels    map[int64]*ChannelSnapshot
	indexErrors int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{channels: make(map[int64]*ChannelSnapshot)}
}

func (c *Collector) channel(id int64) *ChannelSnapshot {
	ch, ok := c.channels[id]
	if !ok {
		ch = &ChannelSnapshot{}
		c.channels[id] = ch
	}
	return ch
}

func (c *Collector) inc(id int64, f func(*ChannelSnapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	f(c.channel(id))
	c.mu.Unlock()
}

// IncEventSeen records one event offered to the gate.
func (c *Collector) IncEventSeen(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.EventsSeen++ })
}

// IncEventAccepted records an event admitted as new work.
func (c *Collector) IncEventAccepted(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.EventsAccepted++ })
}

// IncEventStale records a rejection at or below the watermark.
func (c *Collector) IncEventStale(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.EventsStale++ })
}

// IncEventDuplicate records a rejected redelivery.
func (c *Collector) IncEventDuplicate(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.EventsDuplicate++ })
}

// IncRecordCommitted records a durable archive commit.
func (c *Collector) IncRecordCommitted(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.RecordsCommitted++ })
}

// IncGapDetected records a record released past a missing predecessor.
func (c *Collector) IncGapDetected(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.GapsDetected++ })
}

// IncMediaFetched records a completed media download.
func (c *Collector) IncMediaFetched(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.MediaFetched++ })
}

// IncMediaSkipped records a size-policy skip.
func (c *Collector) IncMediaSkipped(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.MediaSkipped++ })
}

// IncMediaFailed records a media fetch failure (permanent or exhausted).
func (c *Collector) IncMediaFailed(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.MediaFailed++ })
}

// IncReconnect records a live-stream reconnect.
func (c *Collector) IncReconnect(channel int64) {
	c.inc(channel, func(s *ChannelSnapshot) { s.Reconnects++ })
}

// IncIndexError records a search-index write failure.
func (c *Collector) IncIndexError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.indexErrors++
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{Channels: map[int64]ChannelSnapshot{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Channels:    make(map[int64]ChannelSnapshot, len(c.channels)),
		IndexErrors: c.indexErrors,
	}
	for id, ch := range c.channels {
		snap.Channels[id] = *ch
		snap.Totals.EventsSeen += ch.EventsSeen
		snap.Totals.EventsAccepted += ch.EventsAccepted
		snap.Totals.EventsStale += ch.EventsStale
		snap.Totals.EventsDuplicate += ch.EventsDuplicate
		snap.Totals.RecordsCommitted += ch.RecordsCommitted
		snap.Totals.GapsDetected += ch.GapsDetected
		snap.Totals.MediaFetched += ch.MediaFetched
		snap.Totals.MediaSkipped += ch.MediaSkipped
		snap.Totals.MediaFailed += ch.MediaFailed
		snap.Totals.Reconnects += ch.Reconnects
	}
	return snap
}
