package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pelorus-io/chantry/cli/render"
	"github.com/pelorus-io/chantry/log"
)

// ArchiveCommand returns the archive command: a one-shot backfill of
// every enabled channel up to the current head, then exit.
func ArchiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Backfill enabled channels to head, then exit",
		Flags: append(ReadOnlyFlags(),
			ChannelFlag,
			&cli.IntFlag{
				Name:  "lookback",
				Usage: "Cap a first backfill to the most recent N messages (0 = full history)",
			},
		),
		Action: archiveAction,
	}
}

func archiveAction(c *cli.Context) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for the archive command", 1)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("lookback") {
		cfg.Pipeline.LookbackCount = c.Int("lookback")
	}

	logger := log.NewLogger("chantry")
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	p, err := buildPipeline(ctx, cfg, c.String("channel"), logger)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	runErr := p.orch.Run(ctx, false)

	if err := r.Render(p.orch.Status()); err != nil {
		return err
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return cli.Exit("", 1)
	}
	return nil
}
