package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config represents a chantry.yaml configuration file.
// CLI flags always override config values.
type Config struct {
	// ArchiveRoot is the directory channel archives live under.
	ArchiveRoot string `yaml:"archive_root"`
	// Database overrides the watermark database path. Defaults to
	// chantry.db under the archive root.
	Database string `yaml:"database,omitempty"`
	// IndexPath overrides the search index path. Defaults to index.bleve
	// under the archive root.
	IndexPath string `yaml:"index_path,omitempty"`

	Transport TransportConfig `yaml:"transport"`
	Channels  []ChannelConfig `yaml:"channels"`
	Media     MediaConfig     `yaml:"media"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Export    ExportConfig    `yaml:"export,omitempty"`
}

// TransportConfig holds the upstream platform connection.
type TransportConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is the bearer credential; usually ${CHANTRY_TOKEN}.
	Token    string `yaml:"token"`
	PageSize int    `yaml:"page_size,omitempty"`
}

// ChannelConfig is one channel under archival.
type ChannelConfig struct {
	Identifier string `yaml:"identifier"`
	// Name is a human label, informational only.
	Name    string `yaml:"name,omitempty"`
	Enabled bool   `yaml:"enabled"`
}

// MediaConfig holds the attachment fetch policy.
type MediaConfig struct {
	// MaxFileSizeMB caps attachment size; zero means unlimited.
	MaxFileSizeMB int64 `yaml:"max_file_size_mb,omitempty"`
	// OnExceed is "skip" (default) or "download-anyway".
	OnExceed    string `yaml:"on_exceed,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
}

// MaxBytes returns the size cap in bytes, zero for unlimited.
func (m MediaConfig) MaxBytes() int64 {
	return m.MaxFileSizeMB * 1024 * 1024
}

// PipelineConfig holds orchestrator bounds.
type PipelineConfig struct {
	// LookbackCount caps a first backfill when a channel has no
	// watermark yet. Zero backfills the full history.
	LookbackCount  int      `yaml:"lookback_count,omitempty"`
	ReorderDepth   int      `yaml:"reorder_depth,omitempty"`
	ReorderTimeout Duration `yaml:"reorder_timeout,omitempty"`
	PauseCooldown  Duration `yaml:"pause_cooldown,omitempty"`
	StopGrace      Duration `yaml:"stop_grace,omitempty"`
}

// ExportConfig holds the optional S3 export target.
type ExportConfig struct {
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks the fields every command needs.
func (c *Config) Validate() error {
	if c.ArchiveRoot == "" {
		return fmt.Errorf("archive_root is required")
	}
	if c.Transport.BaseURL == "" {
		return fmt.Errorf("transport.base_url is required")
	}
	if len(c.EnabledChannels()) == 0 {
		return fmt.Errorf("no enabled channels configured")
	}
	switch c.Media.OnExceed {
	case "", "skip", "download-anyway":
	default:
		return fmt.Errorf("media.on_exceed must be \"skip\" or \"download-anyway\", got %q", c.Media.OnExceed)
	}
	return nil
}

// EnabledChannels returns the identifiers of enabled channels, in
// config order.
func (c *Config) EnabledChannels() []string {
	var ids []string
	for _, ch := range c.Channels {
		if ch.Enabled {
			ids = append(ids, ch.Identifier)
		}
	}
	return ids
}

// DatabasePath returns the watermark database location.
func (c *Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.ArchiveRoot, "chantry.db")
}

// IndexLocation returns the search index location.
func (c *Config) IndexLocation() string {
	if c.IndexPath != "" {
		return c.IndexPath
	}
	return filepath.Join(c.ArchiveRoot, "index.bleve")
}
