package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pelorus-io/chantry/cli/render"
	"github.com/pelorus-io/chantry/index"
)

// defaultSearchLimit bounds hits when --limit is not given.
const defaultSearchLimit = 20

// SearchHit is the flattened view of one search result.
type SearchHit struct {
	Channel string  `json:"channel"`
	Anchor  string  `json:"anchor"`
	Sender  string  `json:"sender,omitempty"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
}

// SearchCommand returns the search command. Search is read-only over
// the index; it never touches the upstream platform.
func SearchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search archived messages",
		ArgsUsage: "<query>",
		Flags: append(ReadOnlyFlags(),
			ChannelFlag,
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of hits",
				Value: defaultSearchLimit,
			},
		),
		Action: searchAction,
	}
}

func searchAction(c *cli.Context) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for the search command", 1)
	}
	if c.NArg() != 1 {
		return cli.Exit("search requires exactly one query argument", 1)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	idx, err := index.Open(cfg.IndexLocation())
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	results, err := idx.Search(c.Args().First(), c.String("channel"), c.Int("limit"))
	if err != nil {
		return err
	}

	return r.Render(toSearchHits(results))
}

func toSearchHits(results []*index.Result) []SearchHit {
	hits := make([]SearchHit, 0, len(results))
	for _, res := range results {
		hit := SearchHit{
			Channel: res.Channel,
			Anchor:  res.Anchor,
			Sender:  res.Sender,
			Score:   res.Score,
		}
		if frags := res.Fragments["Body"]; len(frags) > 0 {
			hit.Snippet = frags[0]
		}
		hits = append(hits, hit)
	}
	return hits
}
