package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/pelorus-io/chantry/archive"
	"github.com/pelorus-io/chantry/cli/render"
	"github.com/pelorus-io/chantry/index"
)

// RebuildSummary reports what a rebuild indexed.
type RebuildSummary struct {
	Channels  int `json:"channels"`
	Documents int `json:"documents"`
}

// RebuildIndexCommand returns the rebuild-index command. The index is
// derived state: it is dropped and rebuilt from the archive sidecars,
// which are the source of truth.
func RebuildIndexCommand() *cli.Command {
	return &cli.Command{
		Name:   "rebuild-index",
		Usage:  "Drop and rebuild the search index from archive sidecars",
		Flags:  ReadOnlyFlags(),
		Action: rebuildIndexAction,
	}
}

func rebuildIndexAction(c *cli.Context) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for the rebuild-index command", 1)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(cfg.IndexLocation()); err != nil {
		return fmt.Errorf("drop index: %w", err)
	}
	idx, err := index.Open(cfg.IndexLocation())
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	summary, err := rebuildFromArchives(cfg.ArchiveRoot, idx)
	if err != nil {
		return err
	}
	return r.Render(summary)
}

// rebuildFromArchives indexes every sidecar found one level under root.
// Entries are indexed in commit order, so a superseding record
// overwrites its original's document.
func rebuildFromArchives(root string, idx *index.Index) (*RebuildSummary, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	summary := &RebuildSummary{}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		sc, err := archive.LoadSidecar(filepath.Join(root, d.Name(), archive.SidecarName))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("load sidecar for %s: %w", d.Name(), err)
		}

		docs := make([]index.Document, 0, len(sc.Entries))
		for _, e := range sc.Entries {
			docs = append(docs, index.Document{
				ID:        index.DocID(sc.Channel, e.Ordinal),
				Channel:   sc.Identifier,
				ChannelID: fmt.Sprintf("%d", sc.Channel),
				Sender:    e.Sender,
				Body:      e.Body,
				Anchor:    e.Anchor,
				Timestamp: e.Timestamp,
			})
		}
		if err := idx.IndexBatch(docs); err != nil {
			return nil, fmt.Errorf("index %s: %w", sc.Identifier, err)
		}
		summary.Channels++
		summary.Documents += len(docs)
	}
	return summary, nil
}
