package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pelorus-io/chantry/cli/config"
	"github.com/pelorus-io/chantry/index"
	"github.com/pelorus-io/chantry/log"
	"github.com/pelorus-io/chantry/media"
	"github.com/pelorus-io/chantry/metrics"
	"github.com/pelorus-io/chantry/runtime"
	"github.com/pelorus-io/chantry/transport"
	"github.com/pelorus-io/chantry/watermark"
)

// pipeline bundles everything a run command owns: the feed, the stores
// and the orchestrator on top of them.
type pipeline struct {
	feed      transport.Feed
	store     *watermark.Store
	idx       *index.Index
	orch      *runtime.Orchestrator
	collector *metrics.Collector
}

// buildPipeline opens the stores and assembles the orchestrator for the
// configured channels. When only is non-empty the pipeline is restricted
// to that single identifier.
func buildPipeline(ctx context.Context, cfg *config.Config, only string, logger *log.Logger) (*pipeline, error) {
	identifiers := cfg.EnabledChannels()
	if only != "" {
		found := false
		for _, id := range identifiers {
			if id == only {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("channel %q is not configured or not enabled", only)
		}
		identifiers = []string{only}
	}

	if err := os.MkdirAll(cfg.ArchiveRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}

	feed, err := transport.NewHTTPFeed(transport.HTTPFeedOptions{
		BaseURL:  cfg.Transport.BaseURL,
		Token:    cfg.Transport.Token,
		PageSize: cfg.Transport.PageSize,
	})
	if err != nil {
		return nil, err
	}

	store, err := watermark.Open(cfg.DatabasePath())
	if err != nil {
		_ = feed.Close()
		return nil, fmt.Errorf("open watermark store: %w", err)
	}

	idx, err := index.Open(cfg.IndexLocation())
	if err != nil {
		_ = store.Close()
		_ = feed.Close()
		return nil, fmt.Errorf("open search index: %w", err)
	}

	collector := metrics.NewCollector()
	orch, err := runtime.New(ctx, runtime.Options{
		Feed:        feed,
		Store:       store,
		Index:       idx,
		ArchiveRoot: cfg.ArchiveRoot,
		Worker:      workerConfig(cfg),
		Media:       mediaConfig(cfg),
		StopGrace:   cfg.Pipeline.StopGrace.Duration,
		Logger:      logger,
		Collector:   collector,
	}, identifiers)
	if err != nil {
		_ = idx.Close()
		_ = store.Close()
		_ = feed.Close()
		return nil, err
	}

	return &pipeline{
		feed:      feed,
		store:     store,
		idx:       idx,
		orch:      orch,
		collector: collector,
	}, nil
}

func workerConfig(cfg *config.Config) runtime.WorkerConfig {
	wc := runtime.DefaultWorkerConfig()
	wc.LookbackCount = cfg.Pipeline.LookbackCount
	if cfg.Pipeline.ReorderDepth > 0 {
		wc.Sequencer.ReorderDepth = cfg.Pipeline.ReorderDepth
	}
	if d := cfg.Pipeline.ReorderTimeout.Duration; d > 0 {
		wc.Sequencer.ReorderTimeout = d
	}
	if d := cfg.Pipeline.PauseCooldown.Duration; d > 0 {
		wc.PauseCooldown = d
	}
	return wc
}

func mediaConfig(cfg *config.Config) media.Config {
	return media.Config{
		BaseURL:     cfg.Transport.BaseURL,
		Token:       cfg.Transport.Token,
		Concurrency: cfg.Media.Concurrency,
		MaxAttempts: cfg.Media.MaxAttempts,
		Policy: media.Policy{
			MaxBytes: cfg.Media.MaxBytes(),
			OnExceed: media.ExceedAction(cfg.Media.OnExceed),
		},
	}
}

// Close releases the pipeline's resources in dependency order.
func (p *pipeline) Close() error {
	var firstErr error
	for _, closer := range []func() error{
		p.orch.Close, p.idx.Close, p.store.Close, p.feed.Close,
	} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
