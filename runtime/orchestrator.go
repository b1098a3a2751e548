// Package runtime orchestrates the ingestion pipeline: one worker per
// enabled channel, a shared media pool, the watermark store, the archive
// writers and the search index, wired together with crash recovery at
// startup and a bounded drain at shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pelorus-io/chantry/archive"
	"github.com/pelorus-io/chantry/index"
	"github.com/pelorus-io/chantry/log"
	"github.com/pelorus-io/chantry/media"
	"github.com/pelorus-io/chantry/metrics"
	"github.com/pelorus-io/chantry/transport"
	"github.com/pelorus-io/chantry/types"
	"github.com/pelorus-io/chantry/watermark"
)

// JournalName is the media journal filename under the archive root.
const JournalName = "media.journal"

// ErrNoIndex is returned by Search when the orchestrator runs without an
// index.
var ErrNoIndex = errors.New("runtime: search index not configured")

// Options wires the orchestrator's collaborators.
type Options struct {
	// Feed is the upstream transport adapter.
	Feed transport.Feed
	// Store is the watermark store.
	Store *watermark.Store
	// Index is the search index. Optional; Search fails without it.
	Index *index.Index
	// ArchiveRoot is the directory channel archives live under.
	ArchiveRoot string
	// Worker bounds each channel worker.
	Worker WorkerConfig
	// Media configures the shared fetch pool. Journal and OnDone are
	// owned by the orchestrator and must be left unset.
	Media media.Config
	// StopGrace bounds the media drain at shutdown. Defaults to 30s.
	StopGrace time.Duration
	// Logger is the root logger. Optional.
	Logger *log.Logger
	// Collector receives pipeline counters. Optional.
	Collector *metrics.Collector
}

// Orchestrator owns the pipeline for a set of channels.
type Orchestrator struct {
	opts      Options
	logger    *log.Logger
	collector *metrics.Collector
	fetcher   *media.Fetcher
	journal   *media.Journal

	mu      sync.RWMutex
	workers map[types.ChannelID]*worker
	writers map[types.ChannelID]*archive.Writer
}

// New resolves the given channel identifiers, opens their archives
// (running crash recovery), reconciles watermarks, replays the media
// journal and resubmits unfinished fetches. Channels that fail to
// resolve are skipped with an error log; a pipeline with zero usable
// channels is an error.
func New(ctx context.Context, opts Options, identifiers []string) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger("runtime")
	}
	collector := opts.Collector
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 30 * time.Second
	}

	o := &Orchestrator{
		opts:      opts,
		logger:    logger,
		collector: collector,
		workers:   make(map[types.ChannelID]*worker),
		writers:   make(map[types.ChannelID]*archive.Writer),
	}

	journalPath := filepath.Join(opts.ArchiveRoot, JournalName)
	replayed, err := media.Replay(journalPath)
	if err != nil {
		return nil, fmt.Errorf("replay media journal: %w", err)
	}
	journal, err := media.OpenJournal(journalPath)
	if err != nil {
		return nil, err
	}
	o.journal = journal

	mediaCfg := opts.Media
	mediaCfg.Journal = journal
	mediaCfg.Logger = logger
	mediaCfg.OnDone = o.onMediaSettled
	o.fetcher = media.NewFetcher(mediaCfg)

	for _, identifier := range identifiers {
		if err := o.addChannel(ctx, identifier, replayed); err != nil {
			logger.Error("channel skipped", map[string]any{
				"identifier": identifier,
				"error":      err.Error(),
			})
		}
	}
	if len(o.workers) == 0 {
		_ = o.Close()
		return nil, errors.New("runtime: no usable channels")
	}
	return o, nil
}

func (o *Orchestrator) addChannel(ctx context.Context, identifier string, replayed map[media.ReplayKey]media.JournalEntry) error {
	info, err := o.opts.Feed.Resolve(ctx, identifier)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	ch := &types.Channel{
		ID:          info.ID,
		Identifier:  info.Identifier,
		DisplayName: info.DisplayName,
		Enabled:     true,
	}
	if err := o.opts.Store.Upsert(ch); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	stored, err := o.opts.Store.Get(ch.ID)
	if err != nil {
		return err
	}
	ch.Watermark = stored.Watermark

	writer, err := archive.OpenWriter(o.opts.ArchiveRoot, ch, o.logger)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	w, err := newWorker(o.opts.Worker, ch, o.opts.Feed, o.opts.Store, writer,
		o.fetcher, o.opts.Index, o.collector, o.logger)
	if err != nil {
		_ = writer.Close()
		return err
	}

	o.mu.Lock()
	o.workers[ch.ID] = w
	o.writers[ch.ID] = writer
	o.mu.Unlock()

	o.resumeMedia(writer, replayed)
	return nil
}

// resumeMedia settles pending references the journal already resolved
// and resubmits the rest.
func (o *Orchestrator) resumeMedia(writer *archive.Writer, replayed map[media.ReplayKey]media.JournalEntry) {
	for _, ref := range writer.PendingMedia() {
		key := media.ReplayKey{
			Channel:      ref.Channel,
			Ordinal:      ref.Ordinal,
			AttachmentID: ref.Attachment.ID,
		}
		if entry, ok := replayed[key]; ok && entry.Status.IsTerminal() {
			ref.Status = entry.Status
			ref.Error = entry.Error
			if entry.LocalPath != "" {
				ref.LocalPath = entry.LocalPath
			}
			if err := writer.UpdateMedia(ref); err != nil {
				o.logger.Warn("journal settle failed", map[string]any{
					"attachment": ref.Attachment.ID,
					"error":      err.Error(),
				})
			}
			continue
		}
		if err := o.fetcher.Submit(ref, writer.Dir()); err != nil {
			o.logger.Warn("media resume failed", map[string]any{
				"attachment": ref.Attachment.ID,
				"error":      err.Error(),
			})
		}
	}
}

// onMediaSettled routes a settled fetch back to its channel's sidecar
// and counters. Called from fetcher workers.
func (o *Orchestrator) onMediaSettled(ref types.MediaReference) {
	id := int64(ref.Channel)
	switch ref.Status {
	case types.MediaFetched:
		o.collector.IncMediaFetched(id)
	case types.MediaSkippedTooLarge:
		o.collector.IncMediaSkipped(id)
	case types.MediaFailedPermanent, types.MediaFailedRetryable:
		o.collector.IncMediaFailed(id)
	}

	o.mu.RLock()
	writer := o.writers[ref.Channel]
	o.mu.RUnlock()
	if writer == nil {
		return
	}
	if err := writer.UpdateMedia(ref); err != nil {
		o.logger.Warn("media status update failed", map[string]any{
			"attachment": ref.Attachment.ID,
			"error":      err.Error(),
		})
	}
}

// Run drives all channels until ctx is canceled (tail mode) or every
// backfill completes (one-shot mode), then drains media within the stop
// grace period. Returns the first fatal channel error, if any.
func (o *Orchestrator) Run(ctx context.Context, tail bool) error {
	o.mu.RLock()
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			if err := w.run(ctx, tail); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), o.opts.StopGrace)
	defer cancel()
	if err := o.fetcher.Drain(drainCtx); err != nil {
		o.logger.Warn("media drain timed out", map[string]any{
			"grace": o.opts.StopGrace.String(),
		})
	}
	return firstErr
}

// Status returns the per-channel snapshots, sorted by identifier.
func (o *Orchestrator) Status() []types.ChannelStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	statuses := make([]types.ChannelStatus, 0, len(o.workers))
	for _, w := range o.workers {
		statuses = append(statuses, w.status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Identifier < statuses[j].Identifier
	})
	return statuses
}

// Search delegates to the index, restricted to one channel when channel
// is non-empty.
func (o *Orchestrator) Search(text, channel string, limit int) ([]*index.Result, error) {
	if o.opts.Index == nil {
		return nil, ErrNoIndex
	}
	return o.opts.Index.Search(text, channel, limit)
}

// Close releases the orchestrator's resources: the media pool, the
// journal and the archive writers. The feed, store and index belong to
// the caller.
func (o *Orchestrator) Close() error {
	var firstErr error
	if o.fetcher != nil {
		if err := o.fetcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if o.journal != nil {
		if err := o.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, writer := range o.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(o.writers, id)
	}
	return firstErr
}
