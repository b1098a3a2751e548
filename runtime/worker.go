package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pelorus-io/chantry/archive"
	"github.com/pelorus-io/chantry/index"
	"github.com/pelorus-io/chantry/log"
	"github.com/pelorus-io/chantry/media"
	"github.com/pelorus-io/chantry/metrics"
	"github.com/pelorus-io/chantry/sequencer"
	"github.com/pelorus-io/chantry/transport"
	"github.com/pelorus-io/chantry/types"
	"github.com/pelorus-io/chantry/watermark"
)

// WorkerConfig bounds one channel worker's behavior.
type WorkerConfig struct {
	// Sequencer carries the dedup/reorder bounds.
	Sequencer sequencer.Config
	// LookbackCount caps a first backfill to the most recent N messages
	// when no watermark exists yet. Zero backfills the full history.
	LookbackCount int
	// PauseCooldown is how long the worker pauses on rate limiting or
	// credential failures before resuming, unless the platform said
	// otherwise.
	PauseCooldown time.Duration
	// RetryDelay paces reconnects after transient stream failures.
	RetryDelay time.Duration
	// FlushInterval paces reorder-timeout sweeps while tailing.
	FlushInterval time.Duration
}

// DefaultWorkerConfig returns the production bounds.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Sequencer:     sequencer.DefaultConfig(),
		PauseCooldown: 30 * time.Second,
		RetryDelay:    2 * time.Second,
		FlushInterval: time.Second,
	}
}

// worker drives one channel through its state machine:
// Idle → Backfilling → Tailing ⇄ Paused → Stopping → Idle, with Failed
// as the terminal state for storage errors.
type worker struct {
	cfg       WorkerConfig
	channel   *types.Channel
	feed      transport.Feed
	store     *watermark.Store
	writer    *archive.Writer
	fetcher   *media.Fetcher
	idx       *index.Index
	collector *metrics.Collector
	logger    *log.Logger
	seq       *sequencer.Sequencer

	mu        sync.Mutex
	state     types.ChannelState
	lastErr   string
	watermark int64
}

// newWorker reconciles the durable watermark against the archive sidecar
// and prepares the channel for ingestion. The sidecar wins: it is the
// evidence of what was actually committed.
func newWorker(
	cfg WorkerConfig,
	ch *types.Channel,
	feed transport.Feed,
	store *watermark.Store,
	writer *archive.Writer,
	fetcher *media.Fetcher,
	idx *index.Index,
	collector *metrics.Collector,
	logger *log.Logger,
) (*worker, error) {
	committed := writer.Watermark()
	stored := ch.Watermark.Ordinal

	switch {
	case stored > committed:
		// Watermark store claims more progress than the archive holds.
		if err := store.CorrectDownward(ch.ID, committed, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("correct watermark: %w", err)
		}
		logger.Warn("watermark corrected downward to archive evidence", map[string]any{
			"stored":    stored,
			"committed": committed,
		})
	case committed > stored:
		// Archive is ahead (crash after commit, before advance).
		if err := store.Advance(ch.ID, committed, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("advance watermark: %w", err)
		}
	}

	w := &worker{
		cfg:       cfg,
		channel:   ch,
		feed:      feed,
		store:     store,
		writer:    writer,
		fetcher:   fetcher,
		idx:       idx,
		collector: collector,
		logger:    logger.WithChannel(ch.ID, ch.Identifier),
		seq:       sequencer.New(cfg.Sequencer, ch.ID, types.Watermark{Ordinal: committed}),
		state:     types.StateIdle,
		watermark: committed,
	}
	w.setState(types.StateIdle, "")
	return w, nil
}

func (w *worker) setState(state types.ChannelState, lastErr string) {
	w.mu.Lock()
	w.state = state
	w.lastErr = lastErr
	w.mu.Unlock()
	if err := w.store.SetState(w.channel.ID, state, lastErr); err != nil {
		w.logger.Warn("persist channel state failed", map[string]any{"error": err.Error()})
	}
}

// status snapshots the worker for the orchestrator's Status call.
func (w *worker) status() types.ChannelStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := types.ChannelStatus{
		Channel:    w.channel.ID,
		Identifier: w.channel.Identifier,
		State:      w.state,
		Watermark:  w.watermark,
		LastError:  w.lastErr,
	}
	snap := w.collector.Snapshot().Channels[int64(w.channel.ID)]
	st.EventsSeen = snap.EventsSeen
	st.EventsAccepted = snap.EventsAccepted
	st.EventsDuplicate = snap.EventsDuplicate
	st.RecordsCommitted = snap.RecordsCommitted
	st.MediaFetched = snap.MediaFetched
	st.MediaSkipped = snap.MediaSkipped
	st.MediaFailed = snap.MediaFailed
	return st
}

// run executes the channel until ctx is canceled (tail mode) or the
// backfill completes (one-shot mode). The returned error is the fatal
// reason, nil for a clean stop.
func (w *worker) run(ctx context.Context, tail bool) error {
	for {
		w.setState(types.StateBackfilling, "")
		if err := w.backfill(ctx); err != nil {
			if next := w.handleStreamErr(ctx, err); next != nil {
				return w.fail(next)
			}
			if ctx.Err() != nil {
				return w.stop()
			}
			continue
		}

		if !tail {
			return w.stop()
		}

		w.setState(types.StateTailing, "")
		err := w.tail(ctx)
		if ctx.Err() != nil {
			return w.stop()
		}
		if next := w.handleStreamErr(ctx, err); next != nil {
			return w.fail(next)
		}
		// Paused or reconnecting: loop re-backfills to close any gap
		// the outage opened, then resumes tailing.
	}
}

// handleStreamErr absorbs recoverable stream failures (pausing or
// backing off as appropriate) and returns non-nil for fatal ones.
func (w *worker) handleStreamErr(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return nil
	case transport.IsRateLimited(err) || transport.IsUnauthorized(err):
		cooldown := w.cfg.PauseCooldown
		if te := transport.AsError(err); te != nil && te.RetryAfter > 0 {
			cooldown = te.RetryAfter
		}
		w.pause(ctx, err.Error(), cooldown)
		return nil
	case transport.IsChannelUnavailable(err):
		return err
	case transport.IsTransient(err):
		w.collector.IncReconnect(int64(w.channel.ID))
		w.logger.Warn("stream interrupted, reconnecting", map[string]any{
			"error": err.Error(),
			"delay": w.cfg.RetryDelay.String(),
		})
		w.sleep(ctx, w.cfg.RetryDelay)
		return nil
	default:
		// Storage and unclassified errors are fatal for the channel.
		return err
	}
}

func (w *worker) pause(ctx context.Context, reason string, cooldown time.Duration) {
	w.setState(types.StatePaused, reason)
	w.logger.Warn("channel paused", map[string]any{
		"reason":   reason,
		"cooldown": cooldown.String(),
	})
	w.sleep(ctx, cooldown)
}

func (w *worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// backfill reads the historical range above the watermark to exhaustion.
// A first backfill with a lookback cap anchors on the channel head so the
// most recent N messages are archived, not the oldest.
func (w *worker) backfill(ctx context.Context) error {
	since := w.currentWatermark()
	if since == 0 && w.cfg.LookbackCount > 0 {
		info, err := w.feed.Resolve(ctx, w.channel.Identifier)
		if err != nil {
			return err
		}
		if floor := info.HeadOrdinal - int64(w.cfg.LookbackCount); floor > 0 {
			since = floor
			// The cutoff is deliberate: messages at or below it are
			// out of scope, not a delivery gap.
			w.seq.AdvanceWatermark(floor)
		}
	}

	stream, err := w.feed.Historical(ctx, w.channel.ID, since, 0)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			// Caught up: release whatever reordering still holds.
			return w.commitAll(w.seq.Drain())
		}
		if err != nil {
			return err
		}
		if err := w.process(ev); err != nil {
			return err
		}
	}
}

// tail consumes the live stream, sweeping the reorder buffer on a timer.
func (w *worker) tail(ctx context.Context) error {
	stream, err := w.feed.Live(ctx, w.channel.ID)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	events := make(chan *types.RawEvent)
	errs := make(chan error, 1)
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go func() {
		for {
			ev, err := stream.Next(pumpCtx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- ev:
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case ev := <-events:
			if err := w.process(ev); err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := w.commitAll(w.seq.Flush(now)); err != nil {
				return err
			}
		}
	}
}

func (w *worker) process(ev *types.RawEvent) error {
	id := int64(w.channel.ID)
	w.collector.IncEventSeen(id)

	released, verdict := w.seq.Offer(ev, time.Now())
	switch verdict {
	case sequencer.VerdictAccept:
		w.collector.IncEventAccepted(id)
	case sequencer.VerdictArchived:
		w.collector.IncEventStale(id)
	case sequencer.VerdictDuplicate:
		w.collector.IncEventDuplicate(id)
	}
	return w.commitAll(released)
}

func (w *worker) commitAll(records []*types.MessageRecord) error {
	for _, rec := range records {
		if err := w.commit(rec); err != nil {
			return err
		}
	}
	return nil
}

// commit is the durable pipeline step: archive first, then index, then
// watermark, then media hand-off. Archive failure is fatal; index
// failure is not (the index is derived state).
func (w *worker) commit(rec *types.MessageRecord) error {
	id := int64(w.channel.ID)

	if err := w.writer.Commit(rec); err != nil {
		return fmt.Errorf("commit ordinal %d: %w", rec.Ordinal, err)
	}
	w.collector.IncRecordCommitted(id)
	if rec.GapDetected {
		w.collector.IncGapDetected(id)
		w.logger.Warn("record committed past a gap", map[string]any{
			"ordinal": rec.Ordinal,
		})
	}

	if w.idx != nil {
		if err := w.idx.IndexDocument(index.FromRecord(rec, w.channel.Identifier)); err != nil {
			w.collector.IncIndexError()
			w.logger.Error("index write failed", map[string]any{
				"ordinal": rec.Ordinal,
				"error":   err.Error(),
			})
		}
	}

	// Superseding records do not move the watermark: their ordinal is in
	// the past by definition.
	if rec.Supersedes == nil {
		if err := w.store.Advance(w.channel.ID, rec.Ordinal, rec.Timestamp); err != nil {
			w.logger.Warn("watermark advance failed", map[string]any{
				"ordinal": rec.Ordinal,
				"error":   err.Error(),
			})
		}
		w.seq.AdvanceWatermark(rec.Ordinal)
		w.mu.Lock()
		if rec.Ordinal > w.watermark {
			w.watermark = rec.Ordinal
		}
		w.mu.Unlock()
	}

	if w.fetcher != nil {
		for _, ref := range rec.Media {
			if err := w.fetcher.Submit(ref, w.writer.Dir()); err != nil {
				w.logger.Warn("media submit failed", map[string]any{
					"attachment": ref.Attachment.ID,
					"error":      err.Error(),
				})
			}
		}
	}
	return nil
}

func (w *worker) currentWatermark() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watermark
}

// stop drains the reorder buffer and parks the channel.
func (w *worker) stop() error {
	w.setState(types.StateStopping, "")
	if err := w.commitAll(w.seq.Drain()); err != nil {
		return w.fail(err)
	}
	w.setState(types.StateIdle, "")
	return nil
}

func (w *worker) fail(err error) error {
	w.setState(types.StateFailed, err.Error())
	w.logger.Error("channel failed", map[string]any{"error": err.Error()})
	return err
}
