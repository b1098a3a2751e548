package metrics

import (
	"sync"
	"testing"
)

func TestCollector_PerChannelCounters(t *testing.T) {
	c := NewCollector()

	c.IncEventSeen(1)
	c.IncEventSeen(1)
	c.IncEventAccepted(1)
	c.IncEventDuplicate(1)
	c.IncEventSeen(2)
	c.IncRecordCommitted(2)
	c.IncIndexError()

	snap := c.Snapshot()
	if got := snap.Channels[1].EventsSeen; got != 2 {
		t.Errorf("channel 1 events seen = %d, want 2", got)
	}
	if got := snap.Channels[2].RecordsCommitted; got != 1 {
		t.Errorf("channel 2 records committed = %d, want 1", got)
	}
	if snap.Totals.EventsSeen != 3 {
		t.Errorf("total events seen = %d, want 3", snap.Totals.EventsSeen)
	}
	if snap.IndexErrors != 1 {
		t.Errorf("index errors = %d, want 1", snap.IndexErrors)
	}
}

func TestCollector_NilReceiverSafe(t *testing.T) {
	var c *Collector

	c.IncEventSeen(1)
	c.IncRecordCommitted(1)
	c.IncIndexError()

	snap := c.Snapshot()
	if len(snap.Channels) != 0 {
		t.Errorf("nil collector snapshot has %d channels", len(snap.Channels))
	}
}

func TestCollector_SnapshotIsolation(t *testing.T) {
	c := NewCollector()
	c.IncEventSeen(1)

	snap := c.Snapshot()
	c.IncEventSeen(1)

	if snap.Channels[1].EventsSeen != 1 {
		t.Error("snapshot mutated by later increments")
	}
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.IncEventSeen(1)
			}
		}()
	}
	wg.Wait()

	if got := c.Snapshot().Channels[1].EventsSeen; got != 800 {
		t.Errorf("events seen = %d, want 800", got)
	}
}
