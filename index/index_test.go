package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pelorus-io/chantry/iox"
	"github.com/pelorus-io/chantry/types"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.bleve"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(iox.CloseFunc(idx))
	return idx
}

func rec(channel types.ChannelID, ordinal int64, sender, body string) *types.MessageRecord {
	return &types.MessageRecord{
		Channel:   channel,
		Ordinal:   ordinal,
		Seq:       ordinal,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Sender:    sender,
		Body:      body,
	}
}

func TestIndex_RoundTrip(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.IndexDocument(FromRecord(rec(7, 1, "alice", "hello world"), "@news")); err != nil {
		t.Fatalf("IndexDocument failed: %v", err)
	}

	hits, err := idx.Search("World", "", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	hit := hits[0]
	if hit.ID != "7:1" {
		t.Errorf("hit id = %q, want 7:1", hit.ID)
	}
	if hit.Anchor != "msg-7-1" {
		t.Errorf("hit anchor = %q, want msg-7-1", hit.Anchor)
	}
	if hit.Sender != "alice" {
		t.Errorf("hit sender = %q", hit.Sender)
	}
	if len(hit.Fragments["Body"]) == 0 {
		t.Error("expected highlighted body fragments")
	}
}

func TestIndex_ChannelFilter(t *testing.T) {
	idx := openTestIndex(t)

	docs := []Document{
		FromRecord(rec(7, 1, "alice", "release announcement"), "@news"),
		FromRecord(rec(9, 1, "bob", "release retrospective"), "@eng"),
	}
	if err := idx.IndexBatch(docs); err != nil {
		t.Fatalf("IndexBatch failed: %v", err)
	}

	all, err := idx.Search("release", "", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered hits = %d, want 2", len(all))
	}

	filtered, err := idx.Search("release", "@eng", 10)
	if err != nil {
		t.Fatalf("filtered Search failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("filtered hits = %d, want 1", len(filtered))
	}
	if filtered[0].Channel != "@eng" {
		t.Errorf("filtered hit channel = %q", filtered[0].Channel)
	}
}

func TestIndex_SupersedingRecordReplacesOriginal(t *testing.T) {
	idx := openTestIndex(t)

	if err := idx.IndexDocument(FromRecord(rec(7, 5, "alice", "original wording"), "@news")); err != nil {
		t.Fatalf("IndexDocument failed: %v", err)
	}

	edited := rec(7, 5, "alice", "corrected wording")
	sup := int64(5)
	edited.Supersedes = &sup
	if err := idx.IndexDocument(FromRecord(edited, "@news")); err != nil {
		t.Fatalf("re-IndexDocument failed: %v", err)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (same doc id)", count)
	}

	if hits, _ := idx.Search("original", "", 10); len(hits) != 0 {
		t.Errorf("stale content still searchable: %d hits", len(hits))
	}
	hits, err := idx.Search("corrected", "", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	// The superseding record's anchor points at the edit entry.
	if hits[0].Anchor == "msg-7-5" {
		t.Error("superseding hit should carry the edit anchor")
	}
}
