// Package media downloads message attachments with bounded concurrency.
//
// Fetches are decoupled from the archive commit path: a record commits
// with its media pending, and the fetcher reports transitions through a
// callback as downloads settle. Placement is atomic (temp file, fsync,
// rename), so a crash never leaves a partial file at a final path.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelorus-io/chantry/log"
	"github.com/pelorus-io/chantry/types"
)

// ExceedAction selects what happens when a declared size exceeds the cap.
type ExceedAction string

const (
	// ExceedSkip records the attachment as skipped without any network call.
	ExceedSkip ExceedAction = "skip"
	// ExceedDownload downloads the attachment regardless of the cap.
	ExceedDownload ExceedAction = "download-anyway"
)

// Policy bounds attachment sizes.
type Policy struct {
	// MaxBytes caps attachment size; zero means unlimited.
	MaxBytes int64
	// OnExceed selects the over-cap behavior. Defaults to ExceedSkip.
	OnExceed ExceedAction
}

func (p Policy) exceeds(declared int64) bool {
	return p.MaxBytes > 0 && declared > p.MaxBytes
}

// ErrClosed is returned by Submit after the fetcher has shut down.
var ErrClosed = errors.New("media: fetcher closed")

// Config configures a Fetcher.
type Config struct {
	// BaseURL is the platform API root attachments are fetched from.
	BaseURL string
	// Token is the bearer credential.
	Token string
	// Concurrency is the worker pool size. Defaults to 4.
	Concurrency int
	// MaxAttempts bounds retries of transient failures. Defaults to 5.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff. Defaults to 500ms.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Defaults to 30s.
	MaxDelay time.Duration
	// Policy bounds attachment sizes.
	Policy Policy
	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
	// Logger receives fetch lifecycle logs. Optional.
	Logger *log.Logger
	// Journal receives status transitions. Optional.
	Journal *Journal
	// OnDone is called with the settled reference after every fetch
	// reaches a final status for this run. Optional.
	OnDone func(types.MediaReference)
}

type job struct {
	ref     types.MediaReference
	dest    string
	attempt int
}

// Fetcher is the bounded download pool. Admission is round-robin across
// channels so one media-heavy channel cannot starve the others.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	cond        *sync.Cond
	queues      map[types.ChannelID][]*job
	order       []types.ChannelID
	rr          int
	outstanding int
	closed      bool
}

// NewFetcher starts the worker pool.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Policy.OnExceed == "" {
		cfg.Policy.OnExceed = ExceedSkip
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger("media")
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fetcher{
		cfg:    cfg,
		client: client,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[types.ChannelID][]*job),
	}
	f.cond = sync.NewCond(&f.mu)

	for i := 0; i < cfg.Concurrency; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Submit queues one attachment for download. destDir is the channel's
// archive directory; the file lands at destDir joined with the
// reference's local path. The size policy is applied here: an over-cap
// attachment under the skip action settles immediately with no network
// call.
func (f *Fetcher) Submit(ref types.MediaReference, destDir string) error {
	if ref.Status.IsTerminal() {
		return nil
	}

	if f.cfg.Policy.exceeds(ref.Attachment.DeclaredSize) && f.cfg.Policy.OnExceed == ExceedSkip {
		ref.Status = types.MediaSkippedTooLarge
		ref.Error = fmt.Sprintf("declared size %d exceeds cap %d", ref.Attachment.DeclaredSize, f.cfg.Policy.MaxBytes)
		f.settle(ref)
		return nil
	}

	j := &job{ref: ref, dest: filepath.Join(destDir, ref.LocalPath)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.outstanding++
	f.enqueueLocked(j)
	f.mu.Unlock()
	return nil
}

// Drain blocks until every submitted fetch has settled or ctx expires.
func (f *Fetcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.mu.Lock()
		for f.outstanding > 0 {
			f.cond.Wait()
		}
		f.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the pool. In-flight downloads are cancelled; their
// references settle as retryable failures so a later run resumes them.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.cond.Broadcast()
	f.wg.Wait()
	return nil
}

func (f *Fetcher) enqueueLocked(j *job) {
	ch := j.ref.Channel
	if _, ok := f.queues[ch]; !ok {
		f.order = append(f.order, ch)
	}
	f.queues[ch] = append(f.queues[ch], j)
	f.cond.Signal()
}

// next pops the next job round-robin across channel queues, or nil when
// the fetcher is closed.
func (f *Fetcher) next() *job {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		for i := 0; i < len(f.order); i++ {
			idx := (f.rr + i) % len(f.order)
			ch := f.order[idx]
			q := f.queues[ch]
			if len(q) == 0 {
				continue
			}
			f.queues[ch] = q[1:]
			f.rr = (idx + 1) % len(f.order)
			return q[0]
		}
		if f.closed {
			return nil
		}
		f.cond.Wait()
	}
}

func (f *Fetcher) worker() {
	defer f.wg.Done()
	for {
		j := f.next()
		if j == nil {
			return
		}
		f.run(j)
	}
}

func (f *Fetcher) run(j *job) {
	status, err := f.download(j)
	if err == nil {
		j.ref.Status = status
		j.ref.Error = ""
		f.finish(j.ref)
		return
	}

	j.ref.Error = err.Error()
	if status.IsTerminal() {
		j.ref.Status = status
		f.logger.Warn("media fetch settled with failure", map[string]any{
			"status":     string(status),
			"channel":    int64(j.ref.Channel),
			"ordinal":    j.ref.Ordinal,
			"attachment": j.ref.Attachment.ID,
			"error":      err.Error(),
		})
		f.finish(j.ref)
		return
	}
	// Retryable: back off and requeue, bounded by MaxAttempts.
	j.attempt++
	if j.attempt >= f.cfg.MaxAttempts {
		j.ref.Status = types.MediaFailedRetryable
		f.logger.Warn("media fetch attempts exhausted", map[string]any{
			"channel":    int64(j.ref.Channel),
			"ordinal":    j.ref.Ordinal,
			"attachment": j.ref.Attachment.ID,
			"attempts":   j.attempt,
			"error":      err.Error(),
		})
		f.finish(j.ref)
		return
	}

	delay := f.backoff(j.attempt)
	f.logger.Debug("media fetch retrying", map[string]any{
		"attachment": j.ref.Attachment.ID,
		"attempt":    j.attempt,
		"delay":      delay.String(),
	})
	time.AfterFunc(delay, func() { f.requeue(j) })
}

func (f *Fetcher) requeue(j *job) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		j.ref.Status = types.MediaFailedRetryable
		f.finish(j.ref)
		return
	}
	f.enqueueLocked(j)
	f.mu.Unlock()
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := f.cfg.BaseDelay << uint(attempt-1)
	if delay > f.cfg.MaxDelay || delay <= 0 {
		delay = f.cfg.MaxDelay
	}
	// Full jitter keeps retry bursts from aligning.
	return time.Duration(float64(delay) * (0.5 + rand.Float64()/2))
}

// settle records a transition that never entered the pool.
func (f *Fetcher) settle(ref types.MediaReference) {
	f.record(ref)
	if f.cfg.OnDone != nil {
		f.cfg.OnDone(ref)
	}
}

// finish records a settled pool job and releases its outstanding slot.
func (f *Fetcher) finish(ref types.MediaReference) {
	f.record(ref)
	if f.cfg.OnDone != nil {
		f.cfg.OnDone(ref)
	}
	f.mu.Lock()
	f.outstanding--
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *Fetcher) record(ref types.MediaReference) {
	if f.cfg.Journal == nil {
		return
	}
	err := f.cfg.Journal.Record(JournalEntry{
		Channel:      int64(ref.Channel),
		Ordinal:      ref.Ordinal,
		AttachmentID: ref.Attachment.ID,
		Status:       ref.Status,
		LocalPath:    ref.LocalPath,
		Error:        ref.Error,
		Ts:           time.Now().UTC(),
	})
	if err != nil {
		f.logger.Warn("media journal write failed", map[string]any{"error": err.Error()})
	}
}

// download streams the attachment to a temp file and renames it into
// place. Returns the final status on success, or the failure class and
// error otherwise.
func (f *Fetcher) download(j *job) (types.MediaStatus, error) {
	url := fmt.Sprintf("%s/v1/attachments/%s", f.cfg.BaseURL, j.ref.Attachment.ID)
	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.MediaFailedPermanent, err
	}
	if f.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return types.MediaFailedRetryable, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(j.dest), 0o755); err != nil {
		return types.MediaFailedPermanent, err
	}

	tmp := j.dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return types.MediaFailedPermanent, err
	}

	// The declared size can lie; enforce the cap on the wire too.
	var body io.Reader = resp.Body
	capped := f.cfg.Policy.MaxBytes > 0 && f.cfg.Policy.OnExceed == ExceedSkip
	if capped {
		body = io.LimitReader(resp.Body, f.cfg.Policy.MaxBytes+1)
	}

	n, err := io.Copy(out, body)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return types.MediaFailedRetryable, err
	}
	if capped && n > f.cfg.Policy.MaxBytes {
		_ = out.Close()
		_ = os.Remove(tmp)
		return types.MediaSkippedTooLarge, fmt.Errorf("body exceeds cap %d", f.cfg.Policy.MaxBytes)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return types.MediaFailedRetryable, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return types.MediaFailedRetryable, err
	}
	if err := os.Rename(tmp, j.dest); err != nil {
		_ = os.Remove(tmp)
		return types.MediaFailedRetryable, err
	}
	return types.MediaFetched, nil
}

func classifyStatus(code int) (types.MediaStatus, error) {
	err := fmt.Errorf("unexpected status %d", code)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.MediaFailedPermanent, err
	case code == http.StatusNotFound || code == http.StatusGone:
		return types.MediaFailedPermanent, err
	case code == http.StatusTooManyRequests:
		return types.MediaFailedRetryable, err
	case code >= 500:
		return types.MediaFailedRetryable, err
	default:
		return types.MediaFailedPermanent, err
	}
}
