package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelorus-io/chantry/archive"
	"github.com/pelorus-io/chantry/index"
	"github.com/pelorus-io/chantry/iox"
	"github.com/pelorus-io/chantry/media"
	"github.com/pelorus-io/chantry/transport"
	"github.com/pelorus-io/chantry/types"
	"github.com/pelorus-io/chantry/watermark"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newsFeed() *transport.StubFeed {
	feed := transport.NewStubFeed()
	feed.AddChannel(&transport.ChannelInfo{ID: 7, Identifier: "@news", DisplayName: "Daily News"})
	return feed
}

func ev(ordinal int64, body string) *types.RawEvent {
	return &types.RawEvent{
		Kind:      types.EventMessage,
		Channel:   7,
		Ordinal:   ordinal,
		Timestamp: t0.Add(time.Duration(ordinal) * time.Minute),
		Sender:    "alice",
		Body:      body,
	}
}

func testOptions(t *testing.T, feed transport.Feed, root string) Options {
	t.Helper()
	store, err := watermark.Open(filepath.Join(root, "chantry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(iox.CloseFunc(store))

	return Options{
		Feed:        feed,
		Store:       store,
		ArchiveRoot: root,
		Worker:      DefaultWorkerConfig(),
		StopGrace:   5 * time.Second,
	}
}

func newOrchestrator(t *testing.T, opts Options, identifiers ...string) *Orchestrator {
	t.Helper()
	o, err := New(t.Context(), opts, identifiers)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(iox.CloseFunc(o))
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOrchestrator_OneShotBackfill(t *testing.T) {
	feed := newsFeed()
	// Arrival order is scrambled; the archive must come out ascending.
	feed.AddHistory(7, ev(2, "second"), ev(1, "first"), ev(3, "third"))

	root := t.TempDir()
	o := newOrchestrator(t, testOptions(t, feed, root), "@news")

	if err := o.Run(t.Context(), false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	statuses := o.Status()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	st := statuses[0]
	if st.State != types.StateIdle {
		t.Errorf("state = %s after one-shot, want idle", st.State)
	}
	if st.Watermark != 3 {
		t.Errorf("watermark = %d, want 3", st.Watermark)
	}
	if st.RecordsCommitted != 3 {
		t.Errorf("committed = %d, want 3", st.RecordsCommitted)
	}

	data, err := os.ReadFile(filepath.Join(root, "news", archive.TranscriptName))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	text := string(data)
	if !orderedIn(text, "## Message 1", "## Message 2", "## Message 3") {
		t.Error("transcript entries not in ascending ordinal order")
	}
}

func TestOrchestrator_LookbackArchivesNewestMessages(t *testing.T) {
	feed := transport.NewStubFeed()
	feed.AddChannel(&transport.ChannelInfo{
		ID: 7, Identifier: "@news", DisplayName: "Daily News", HeadOrdinal: 10,
	})
	for ord := int64(1); ord <= 10; ord++ {
		feed.AddHistory(7, ev(ord, "body"))
	}

	root := t.TempDir()
	opts := testOptions(t, feed, root)
	opts.Worker.LookbackCount = 3
	o := newOrchestrator(t, opts, "@news")

	if err := o.Run(t.Context(), false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	st := o.Status()[0]
	if st.RecordsCommitted != 3 {
		t.Errorf("committed = %d, want the most recent 3", st.RecordsCommitted)
	}
	if st.Watermark != 10 {
		t.Errorf("watermark = %d, want 10", st.Watermark)
	}

	data, err := os.ReadFile(filepath.Join(root, "news", archive.TranscriptName))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	text := string(data)
	if !orderedIn(text, "## Message 8", "## Message 9", "## Message 10") {
		t.Error("transcript should hold the newest three messages in order")
	}
	if strings.Contains(text, "## Message 1\n") || strings.Contains(text, "## Message 7\n") {
		t.Error("messages below the lookback cutoff must not be archived")
	}

	// The cutoff is deliberate, not a delivery gap.
	sc, err := archive.LoadSidecar(filepath.Join(root, "news", archive.SidecarName))
	if err != nil {
		t.Fatalf("load sidecar: %v", err)
	}
	for _, e := range sc.Entries {
		if e.GapDetected {
			t.Errorf("ordinal %d marked gap-detected by the lookback cutoff", e.Ordinal)
		}
	}
}

func orderedIn(text string, parts ...string) bool {
	pos := 0
	for _, p := range parts {
		i := strings.Index(text[pos:], p)
		if i < 0 {
			return false
		}
		pos += i + len(p)
	}
	return true
}

func TestOrchestrator_ResumeSkipsArchived(t *testing.T) {
	root := t.TempDir()

	feed := newsFeed()
	feed.AddHistory(7, ev(1, "first"), ev(2, "second"))
	opts := testOptions(t, feed, root)
	o, err := New(t.Context(), opts, []string{"@news"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := o.Run(t.Context(), false); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Same backlog plus one new message; only the new one commits.
	feed2 := newsFeed()
	feed2.AddHistory(7, ev(1, "first"), ev(2, "second"), ev(3, "third"))
	opts2 := opts
	opts2.Feed = feed2
	o2 := newOrchestrator(t, opts2, "@news")
	if err := o2.Run(t.Context(), false); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	st := o2.Status()[0]
	if st.Watermark != 3 {
		t.Errorf("watermark = %d, want 3", st.Watermark)
	}
	if st.RecordsCommitted != 1 {
		t.Errorf("committed = %d on resume, want 1", st.RecordsCommitted)
	}

	data, _ := os.ReadFile(filepath.Join(root, "news", archive.TranscriptName))
	if n := strings.Count(string(data), "## Message 1\n"); n != 1 {
		t.Errorf("message 1 archived %d times, want 1", n)
	}
}

func TestOrchestrator_TailCommitsLiveEvents(t *testing.T) {
	feed := newsFeed()
	feed.AddHistory(7, ev(1, "backlog"))

	root := t.TempDir()
	o := newOrchestrator(t, testOptions(t, feed, root), "@news")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, true) }()

	waitFor(t, "tailing state", func() bool {
		return o.Status()[0].State == types.StateTailing
	})

	feed.Push(7, ev(2, "live one"))
	feed.Push(7, ev(3, "live two"))
	waitFor(t, "live commits", func() bool {
		return o.Status()[0].RecordsCommitted == 3
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}
	st := o.Status()[0]
	if st.State != types.StateIdle {
		t.Errorf("state = %s after stop, want idle", st.State)
	}
	if st.Watermark != 3 {
		t.Errorf("watermark = %d, want 3", st.Watermark)
	}
}

func TestOrchestrator_SearchDelegatesToIndex(t *testing.T) {
	feed := newsFeed()
	feed.AddHistory(7, ev(1, "the quarterly report is out"))

	root := t.TempDir()
	opts := testOptions(t, feed, root)

	idx, err := index.Open(filepath.Join(root, "index.bleve"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(iox.CloseFunc(idx))
	opts.Index = idx

	o := newOrchestrator(t, opts, "@news")
	if err := o.Run(t.Context(), false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	hits, err := o.Search("Quarterly", "", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Anchor != "msg-7-1" {
		t.Fatalf("hits = %+v, want one hit anchored at msg-7-1", hits)
	}

	// Without an index, Search reports it plainly.
	opts.Index = nil
	plain := newOrchestrator(t, opts, "@news")
	if _, err := plain.Search("x", "", 1); err != ErrNoIndex {
		t.Errorf("Search without index = %v, want ErrNoIndex", err)
	}
}

func TestOrchestrator_UnresolvableChannelIsSkipped(t *testing.T) {
	feed := newsFeed()
	feed.AddHistory(7, ev(1, "hello"))

	opts := testOptions(t, feed, t.TempDir())
	o := newOrchestrator(t, opts, "@news", "@no_such")

	if got := len(o.Status()); got != 1 {
		t.Errorf("workers = %d, want 1 (bad channel skipped)", got)
	}

	// All channels unusable is a hard error.
	if _, err := New(t.Context(), testOptions(t, feed, t.TempDir()), []string{"@no_such"}); err == nil {
		t.Error("New with zero usable channels should fail")
	}
}

func TestOrchestrator_MediaFetchedAndRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("image bytes"))
	}))
	defer srv.Close()

	feed := newsFeed()
	withMedia := ev(1, "picture attached")
	withMedia.Attachments = []types.Attachment{{ID: "att-1", DeclaredSize: 11, Kind: "image/jpeg"}}
	feed.AddHistory(7, withMedia)

	root := t.TempDir()
	opts := testOptions(t, feed, root)
	opts.Media = media.Config{BaseURL: srv.URL, Concurrency: 2}

	o := newOrchestrator(t, opts, "@news")
	if err := o.Run(t.Context(), false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "news", "media", "att-1.jpg")); err != nil {
		t.Errorf("media file not placed: %v", err)
	}

	waitFor(t, "sidecar settle", func() bool {
		sc, err := archive.LoadSidecar(filepath.Join(root, "news", archive.SidecarName))
		if err != nil || len(sc.Entries) != 1 || len(sc.Entries[0].Media) != 1 {
			return false
		}
		return sc.Entries[0].Media[0].Status == types.MediaFetched
	})

	if got := o.Status()[0].MediaFetched; got != 1 {
		t.Errorf("media fetched counter = %d, want 1", got)
	}
}
