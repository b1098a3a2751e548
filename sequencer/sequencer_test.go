package sequencer

import (
	"testing"
	"time"

	"github.com/pelorus-io/chantry/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(ordinal int64) *types.RawEvent {
	return &types.RawEvent{
		Kind:      types.EventMessage,
		Channel:   7,
		Ordinal:   ordinal,
		Timestamp: t0,
		Sender:    "alice",
		Body:      "body",
	}
}

func edit(ordinal int64) *types.RawEvent {
	ev := msg(ordinal)
	ev.Kind = types.EventEdit
	return ev
}

func newSequencer(watermark int64) *Sequencer {
	return New(DefaultConfig(), 7, types.Watermark{Ordinal: watermark})
}

func TestDecide_Deterministic(t *testing.T) {
	seen := NewSeenSet(16, time.Minute)
	ev := msg(5)

	for i := 0; i < 3; i++ {
		if v := Decide(2, seen, ev, t0); v != VerdictAccept {
			t.Fatalf("call %d: verdict = %s, want accept", i, v)
		}
	}

	seen.Remember(ev, t0)
	for i := 0; i < 3; i++ {
		if v := Decide(2, seen, ev, t0); v != VerdictDuplicate {
			t.Fatalf("call %d: verdict = %s, want duplicate", i, v)
		}
	}
}

func TestOffer_RejectsAtOrBelowWatermark(t *testing.T) {
	s := newSequencer(10)

	if _, v := s.Offer(msg(10), t0); v != VerdictArchived {
		t.Errorf("ordinal == watermark: verdict = %s, want archived", v)
	}
	if _, v := s.Offer(msg(3), t0); v != VerdictArchived {
		t.Errorf("ordinal < watermark: verdict = %s, want archived", v)
	}
	if _, v := s.Offer(msg(11), t0); v != VerdictAccept {
		t.Errorf("ordinal > watermark: verdict = %s, want accept", v)
	}
}

func TestOffer_IdempotentRedelivery(t *testing.T) {
	s := newSequencer(0)

	released, v := s.Offer(msg(1), t0)
	if v != VerdictAccept || len(released) != 1 {
		t.Fatalf("first delivery: verdict=%s released=%d", v, len(released))
	}

	// Same raw event again, simulating upstream redelivery.
	released, v = s.Offer(msg(1), t0.Add(time.Second))
	if v != VerdictDuplicate {
		t.Errorf("redelivery verdict = %s, want duplicate", v)
	}
	if len(released) != 0 {
		t.Errorf("redelivery released %d records, want 0", len(released))
	}
}

func TestOffer_ReordersWithinChannel(t *testing.T) {
	s := newSequencer(2)

	var committed []int64
	for _, ord := range []int64{5, 3, 4, 6} {
		released, v := s.Offer(msg(ord), t0)
		if v != VerdictAccept {
			t.Fatalf("ordinal %d: verdict = %s", ord, v)
		}
		for _, rec := range released {
			committed = append(committed, rec.Ordinal)
		}
	}

	want := []int64{3, 4, 5, 6}
	if len(committed) != len(want) {
		t.Fatalf("committed %v, want %v", committed, want)
	}
	for i := range want {
		if committed[i] != want[i] {
			t.Errorf("position %d: ordinal %d, want %d", i, committed[i], want[i])
		}
	}

	// Local sequence numbers strictly increase in release order.
	s2 := newSequencer(2)
	var seqs []int64
	for _, ord := range []int64{5, 3, 4, 6} {
		released, _ := s2.Offer(msg(ord), t0)
		for _, rec := range released {
			seqs = append(seqs, rec.Seq)
		}
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("seq not strictly increasing: %v", seqs)
		}
	}
}

func TestFlush_ReleasesGapDetectedAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReorderTimeout = 2 * time.Second
	s := New(cfg, 7, types.Watermark{Ordinal: 2})

	// Ordinal 5 waits for 3 and 4.
	released, _ := s.Offer(msg(5), t0)
	if len(released) != 0 {
		t.Fatalf("out-of-order event released immediately")
	}

	// Before the timeout nothing moves.
	if got := s.Flush(t0.Add(time.Second)); len(got) != 0 {
		t.Fatalf("flushed %d records before timeout", len(got))
	}

	got := s.Flush(t0.Add(3 * time.Second))
	if len(got) != 1 {
		t.Fatalf("flushed %d records after timeout, want 1", len(got))
	}
	if !got[0].GapDetected {
		t.Error("record released past timeout should carry GapDetected")
	}
	if got[0].Ordinal != 5 {
		t.Errorf("released ordinal %d, want 5", got[0].Ordinal)
	}

	// The gap is skipped: 3 and 4 are now below the release floor, and a
	// late 6 flows straight through.
	released, _ = s.Offer(msg(6), t0.Add(4*time.Second))
	if len(released) != 1 || released[0].Ordinal != 6 {
		t.Errorf("post-gap release = %+v, want ordinal 6", released)
	}
}

func TestOffer_FullBufferForcesHead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReorderDepth = 3
	s := New(cfg, 7, types.Watermark{Ordinal: 0})

	// Ordinals 10, 11, 12 all wait for 1. The third fill forces the head.
	var released []*types.MessageRecord
	for _, ord := range []int64{10, 11, 12} {
		recs, _ := s.Offer(msg(ord), t0)
		released = append(released, recs...)
	}

	if len(released) != 3 {
		t.Fatalf("released %d records, want 3 (forced drain)", len(released))
	}
	if !released[0].GapDetected {
		t.Error("forced head should carry GapDetected")
	}
	// 11 and 12 are contiguous with the forced 10, so no gap flag.
	if released[1].GapDetected || released[2].GapDetected {
		t.Error("contiguous followers should not carry GapDetected")
	}
}

func TestOffer_EditBelowWatermarkSupersedes(t *testing.T) {
	s := newSequencer(10)

	released, v := s.Offer(edit(4), t0)
	if v != VerdictAccept {
		t.Fatalf("edit below watermark: verdict = %s, want accept", v)
	}
	if len(released) != 1 {
		t.Fatalf("released %d records, want 1", len(released))
	}
	rec := released[0]
	if rec.Supersedes == nil || *rec.Supersedes != 4 {
		t.Errorf("Supersedes = %v, want 4", rec.Supersedes)
	}
	if rec.Anchor() == types.Anchor(7, 4) {
		t.Error("superseding record must not reuse the original anchor")
	}
}

func TestAdvanceWatermark_MovesReleaseCursor(t *testing.T) {
	s := newSequencer(0)
	s.AdvanceWatermark(7)

	// Below the floor: stale.
	if _, v := s.Offer(msg(7), t0); v != VerdictArchived {
		t.Errorf("ordinal at floor: verdict = %s, want archived", v)
	}

	// The next ordinal releases immediately and is not a gap.
	released, v := s.Offer(msg(8), t0)
	if v != VerdictAccept || len(released) != 1 {
		t.Fatalf("ordinal past floor: verdict=%s released=%d", v, len(released))
	}
	if released[0].GapDetected {
		t.Error("floor advance must not look like a delivery gap")
	}
}

func TestOffer_SuccessiveEditsAreDistinct(t *testing.T) {
	s := newSequencer(10)

	first := edit(4)
	first.Body = "first correction"
	released, v := s.Offer(first, t0)
	if v != VerdictAccept || len(released) != 1 {
		t.Fatalf("first edit: verdict=%s released=%d", v, len(released))
	}
	firstAnchor := released[0].Anchor()

	// Redelivery of the same edit is a duplicate.
	if _, v := s.Offer(first, t0.Add(time.Second)); v != VerdictDuplicate {
		t.Errorf("same edit redelivered: verdict = %s, want duplicate", v)
	}

	// A later edit of the same message carries a new timestamp and new
	// content; it must be accepted as another superseding record.
	second := edit(4)
	second.Timestamp = t0.Add(time.Minute)
	second.Body = "second correction"
	released, v = s.Offer(second, t0.Add(time.Minute))
	if v != VerdictAccept {
		t.Fatalf("distinct later edit: verdict = %s, want accept", v)
	}
	if len(released) != 1 || released[0].Body != "second correction" {
		t.Fatalf("distinct later edit released %d records", len(released))
	}
	if released[0].Anchor() == types.Anchor(7, 4) {
		t.Error("superseding record must not reuse the original anchor")
	}
	if released[0].Anchor() == firstAnchor {
		t.Error("successive edits must carry distinct anchors")
	}
}

func TestDrain_ReleasesEverything(t *testing.T) {
	s := newSequencer(0)

	s.Offer(msg(3), t0)
	s.Offer(msg(5), t0)

	released := s.Drain()
	if len(released) != 2 {
		t.Fatalf("drained %d records, want 2", len(released))
	}
	if released[0].Ordinal != 3 || released[1].Ordinal != 5 {
		t.Errorf("drain order = [%d %d], want [3 5]", released[0].Ordinal, released[1].Ordinal)
	}
	if s.PendingLen() != 0 {
		t.Errorf("pending = %d after drain", s.PendingLen())
	}
}

func TestOffer_AttachmentsBecomePendingMedia(t *testing.T) {
	s := newSequencer(0)

	ev := msg(1)
	ev.Attachments = []types.Attachment{
		{ID: "att-1", DeclaredSize: 2048, Kind: "image/jpeg"},
	}

	released, _ := s.Offer(ev, t0)
	if len(released) != 1 {
		t.Fatalf("released %d records", len(released))
	}
	media := released[0].Media
	if len(media) != 1 {
		t.Fatalf("media refs = %d, want 1", len(media))
	}
	if media[0].Status != types.MediaPending {
		t.Errorf("status = %s, want pending", media[0].Status)
	}
	if media[0].LocalPath != "media/att-1.jpg" {
		t.Errorf("LocalPath = %q", media[0].LocalPath)
	}
}

func TestSeenSet_Bounds(t *testing.T) {
	s := NewSeenSet(3, time.Minute)

	for ord := int64(1); ord <= 5; ord++ {
		s.Remember(msg(ord), t0)
	}
	if s.Len() > 3 {
		t.Errorf("seen set grew to %d, limit 3", s.Len())
	}
	// Oldest entries evicted by size.
	if s.Contains(msg(1), t0) {
		t.Error("ordinal 1 should be evicted")
	}
	if !s.Contains(msg(5), t0) {
		t.Error("ordinal 5 should remain")
	}

	// Age eviction.
	if s.Contains(msg(5), t0.Add(2*time.Minute)) {
		t.Error("entries beyond the window should not match")
	}
}
