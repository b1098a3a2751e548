package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/pelorus-io/chantry/archive"
	"github.com/pelorus-io/chantry/cli/config"
	"github.com/pelorus-io/chantry/cli/render"
	"github.com/pelorus-io/chantry/export"
	"github.com/pelorus-io/chantry/log"
)

// ExportResult reports one channel's export.
type ExportResult struct {
	Identifier string `json:"identifier"`
	Files      int    `json:"files"`
	Bytes      int64  `json:"bytes"`
}

// ExportCommand returns the export command: uploads finished channel
// archives to S3-compatible storage.
func ExportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Upload channel archives to S3-compatible storage",
		Flags: append(ReadOnlyFlags(),
			ChannelFlag,
			&cli.StringFlag{
				Name:  "bucket",
				Usage: "S3 bucket (overrides config)",
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Key prefix within the bucket (overrides config)",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region (overrides config)",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "Custom S3 endpoint URL (R2, MinIO, ...)",
			},
			&cli.BoolFlag{
				Name:  "path-style",
				Usage: "Force path-style addressing (most S3-compatible providers)",
			},
		),
		Action: exportAction,
	}
}

func exportAction(c *cli.Context) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for the export command", 1)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s3cfg := exportS3Config(c, cfg)

	ctx := context.Background()
	client, err := export.NewClient(ctx, s3cfg, log.NewLogger("export"))
	if err != nil {
		return err
	}

	results, err := exportArchives(ctx, client, cfg.ArchiveRoot, c.String("channel"))
	if err != nil {
		return err
	}
	return r.Render(results)
}

// exportS3Config merges CLI flag overrides onto the config file's
// export section.
func exportS3Config(c *cli.Context, cfg *config.Config) export.S3Config {
	s3cfg := export.S3Config{
		Bucket: cfg.Export.Bucket,
		Prefix: cfg.Export.Prefix,
		Region: cfg.Export.Region,
	}
	if v := c.String("bucket"); v != "" {
		s3cfg.Bucket = v
	}
	if v := c.String("prefix"); v != "" {
		s3cfg.Prefix = v
	}
	if v := c.String("region"); v != "" {
		s3cfg.Region = v
	}
	s3cfg.Endpoint = c.String("endpoint")
	s3cfg.UsePathStyle = c.Bool("path-style")
	return s3cfg
}

// exportArchives uploads every archive found one level under root,
// optionally restricted to one identifier.
func exportArchives(ctx context.Context, client *export.Client, root, only string) ([]ExportResult, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var results []ExportResult
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(root, d.Name())
		sc, err := archive.LoadSidecar(filepath.Join(dir, archive.SidecarName))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("load sidecar for %s: %w", d.Name(), err)
		}
		if only != "" && sc.Identifier != only {
			continue
		}

		summary, err := client.ExportArchive(ctx, dir, sc.Identifier)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", sc.Identifier, err)
		}
		results = append(results, ExportResult{
			Identifier: sc.Identifier,
			Files:      summary.Files,
			Bytes:      summary.Bytes,
		})
	}
	if only != "" && len(results) == 0 {
		return nil, fmt.Errorf("no archive found for channel %q", only)
	}
	return results, nil
}
