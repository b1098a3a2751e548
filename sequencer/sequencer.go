// Package sequencer is the gate between the transport adapter and the
// archive: it decides whether an incoming event is new work, and releases
// accepted events in ascending ordinal order per channel.
//
// The decision core is deterministic: the same (watermark, seen set,
// event) always yields the same verdict, so replaying a window of events
// after a crash converges on the same accept/reject outcomes. Time enters
// only through the explicit clock arguments, never an ambient clock.
package sequencer

import (
	"sort"
	"time"

	"github.com/pelorus-io/chantry/types"
)

// Verdict is the gate's decision for one raw event.
type Verdict int

const (
	// VerdictAccept admits the event as new work.
	VerdictAccept Verdict = iota
	// VerdictArchived rejects an event at or below the watermark.
	VerdictArchived
	// VerdictDuplicate rejects a redelivery inside the seen window.
	VerdictDuplicate
)

// String returns the verdict name for logs.
func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictArchived:
		return "archived"
	case VerdictDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Decide is the pure accept/reject core. It inspects but never mutates
// the seen set.
//
// Rules:
//   - ordinal ≤ watermark and not an edit: already archived, reject.
//   - edit events are accepted regardless of the watermark; an edit of an
//     archived message becomes a new superseding record.
//   - inside the recently-seen window: duplicate delivery, reject. Edits
//     are keyed by edit timestamp too, so only redelivery of the same
//     edit is a duplicate; a later distinct edit is accepted.
func Decide(watermark int64, seen *SeenSet, ev *types.RawEvent, now time.Time) Verdict {
	if ev.Ordinal <= watermark && ev.Kind != types.EventEdit {
		return VerdictArchived
	}
	if seen.Contains(ev, now) {
		return VerdictDuplicate
	}
	return VerdictAccept
}

// Config bounds the sequencer's buffering behavior.
type Config struct {
	// ReorderDepth is the maximum events held waiting for a predecessor.
	// When the buffer is full the oldest event is released immediately.
	ReorderDepth int
	// ReorderTimeout is how long an out-of-order event may wait before it
	// is released with GapDetected set.
	ReorderTimeout time.Duration
	// SeenLimit bounds the recently-seen set size.
	SeenLimit int
	// SeenWindow bounds the recently-seen set age.
	SeenWindow time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		ReorderDepth:   64,
		ReorderTimeout: 3 * time.Second,
		SeenLimit:      4096,
		SeenWindow:     10 * time.Minute,
	}
}

type pendingEvent struct {
	ev     *types.RawEvent
	heldAt time.Time
}

// Sequencer gates one channel's event stream. Not safe for concurrent
// use; each channel worker owns exactly one.
type Sequencer struct {
	config    Config
	channel   types.ChannelID
	watermark int64
	seen      *SeenSet

	// nextExpected is the lowest ordinal that may be released without
	// waiting. Starts at watermark+1 and advances as records release.
	nextExpected int64
	nextSeq      int64
	pending      []pendingEvent // sorted ascending by ordinal
}

// New creates a sequencer for a channel resuming from the given watermark.
func New(config Config, channel types.ChannelID, watermark types.Watermark) *Sequencer {
	return &Sequencer{
		config:       config,
		channel:      channel,
		watermark:    watermark.Ordinal,
		seen:         NewSeenSet(config.SeenLimit, config.SeenWindow),
		nextExpected: watermark.Ordinal + 1,
	}
}

// AdvanceWatermark raises the staleness floor after a durable commit,
// or past a deliberate cutoff such as a lookback-capped first backfill.
// The release cursor follows so the next ordinal above the floor is not
// treated as sitting past a gap. Lower values are ignored; the watermark
// never regresses here (the corruption-recovery path constructs a fresh
// sequencer instead).
func (s *Sequencer) AdvanceWatermark(ordinal int64) {
	if ordinal > s.watermark {
		s.watermark = ordinal
	}
	if ordinal+1 > s.nextExpected {
		s.nextExpected = ordinal + 1
	}
}

// Offer runs one event through the gate. The returned records are the
// events released by this offer: possibly none (held for reordering),
// possibly several (the offer filled a gap). The verdict describes the
// offered event itself.
func (s *Sequencer) Offer(ev *types.RawEvent, now time.Time) ([]*types.MessageRecord, Verdict) {
	verdict := Decide(s.watermark, s.seen, ev, now)
	if verdict != VerdictAccept {
		return nil, verdict
	}
	s.seen.Remember(ev, now)

	// Edits bypass the reorder buffer: they are corrections appended as
	// superseding records, not part of the ascending-ordinal discipline.
	if ev.Kind == types.EventEdit {
		return []*types.MessageRecord{s.build(ev, true, false)}, VerdictAccept
	}

	s.insertPending(ev, now)
	released := s.releaseReady()

	// A full buffer must not stall the pipeline: force the head out.
	if len(s.pending) >= s.config.ReorderDepth && s.config.ReorderDepth > 0 {
		released = append(released, s.forceHead()...)
	}
	return released, VerdictAccept
}

// Flush releases buffered events whose wait exceeded the reorder timeout,
// marking them gap-detected. Call periodically from the channel worker.
func (s *Sequencer) Flush(now time.Time) []*types.MessageRecord {
	var released []*types.MessageRecord
	for len(s.pending) > 0 && now.Sub(s.pending[0].heldAt) >= s.config.ReorderTimeout {
		released = append(released, s.forceHead()...)
	}
	return released
}

// Drain releases everything still buffered, in ordinal order, gap flags
// set where predecessors are missing. Used at shutdown and at the
// backfill→tail transition.
func (s *Sequencer) Drain() []*types.MessageRecord {
	var released []*types.MessageRecord
	for len(s.pending) > 0 {
		released = append(released, s.forceHead()...)
	}
	return released
}

// PendingLen returns the reorder-buffer occupancy.
func (s *Sequencer) PendingLen() int {
	return len(s.pending)
}

func (s *Sequencer) insertPending(ev *types.RawEvent, now time.Time) {
	i := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].ev.Ordinal >= ev.Ordinal
	})
	s.pending = append(s.pending, pendingEvent{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = pendingEvent{ev: ev, heldAt: now}
}

// releaseReady pops the contiguous run starting at nextExpected.
func (s *Sequencer) releaseReady() []*types.MessageRecord {
	var released []*types.MessageRecord
	for len(s.pending) > 0 && s.pending[0].ev.Ordinal == s.nextExpected {
		released = append(released, s.pop(false))
	}
	return released
}

// forceHead releases the buffer head past a gap, then any contiguous run
// it unblocks.
func (s *Sequencer) forceHead() []*types.MessageRecord {
	gap := s.pending[0].ev.Ordinal != s.nextExpected
	released := []*types.MessageRecord{s.pop(gap)}
	return append(released, s.releaseReady()...)
}

func (s *Sequencer) pop(gapDetected bool) *types.MessageRecord {
	head := s.pending[0]
	s.pending = s.pending[1:]
	s.nextExpected = head.ev.Ordinal + 1
	return s.build(head.ev, false, gapDetected)
}

func (s *Sequencer) build(ev *types.RawEvent, supersede, gapDetected bool) *types.MessageRecord {
	s.nextSeq++
	rec := &types.MessageRecord{
		Channel:     s.channel,
		Ordinal:     ev.Ordinal,
		Seq:         s.nextSeq,
		Timestamp:   ev.Timestamp,
		Sender:      ev.Sender,
		Body:        ev.Body,
		Spans:       ev.Spans,
		ReplyTo:     ev.ReplyTo,
		ForwardFrom: ev.ForwardFrom,
		GapDetected: gapDetected,
	}
	if supersede {
		ord := ev.Ordinal
		rec.Supersedes = &ord
	}
	for _, att := range ev.Attachments {
		rec.Media = append(rec.Media, types.MediaReference{
			Channel:    s.channel,
			Ordinal:    ev.Ordinal,
			Attachment: att,
			LocalPath:  att.LocalName(),
			Status:     types.MediaPending,
		})
	}
	return rec
}
