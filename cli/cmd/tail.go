package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pelorus-io/chantry/cli/render"
	"github.com/pelorus-io/chantry/log"
)

// TailCommand returns the tail command: backfill to head, then follow
// live events until interrupted.
func TailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Backfill to head, then follow live events until interrupted",
		Flags: append(ReadOnlyFlags(),
			ChannelFlag,
		),
		Action: tailAction,
	}
}

func tailAction(c *cli.Context) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for the tail command", 1)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger := log.NewLogger("chantry")
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	p, err := buildPipeline(ctx, cfg, c.String("channel"), logger)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	if isStderrTTY() {
		fmt.Fprintln(os.Stderr, "Tailing. Press Ctrl+C to stop.")
	}

	runErr := p.orch.Run(ctx, true)

	if err := r.Render(p.orch.Status()); err != nil {
		return err
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return cli.Exit("", 1)
	}
	return nil
}
