package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pelorus-io/chantry/cli/render"
	"github.com/pelorus-io/chantry/types"
	"github.com/pelorus-io/chantry/watermark"
)

// StatusCommand returns the status command. Status reads the persisted
// channel states from the watermark store; the store is WAL-mode
// sqlite, so this is safe while a tail process holds it open.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show per-channel archival status",
		Flags:  ReadOnlyFlags(),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := watermark.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rows, err := store.States()
	if err != nil {
		return err
	}
	statuses := toStatuses(rows)

	if c.Bool("tui") {
		return r.RenderStatusTUI(statuses)
	}
	return r.Render(statuses)
}

func toStatuses(rows []watermark.StateRow) []types.ChannelStatus {
	statuses := make([]types.ChannelStatus, 0, len(rows))
	for _, row := range rows {
		state := row.State
		if state == "" {
			state = types.StateIdle
		}
		statuses = append(statuses, types.ChannelStatus{
			Channel:    row.Channel,
			Identifier: row.Identifier,
			State:      state,
			Watermark:  row.Watermark,
			LastError:  row.LastError,
		})
	}
	return statuses
}
