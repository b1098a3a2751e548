// Package export uploads finished channel archives to S3-compatible
// object storage. Export is read-only over the archive tree: the
// transcript, the sidecar and fetched media are copied as-is under
// channels/<identifier>/.
package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pelorus-io/chantry/log"
)

// S3Config holds the S3 export target.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(p string) (bucket, prefix string) {
	parts := strings.SplitN(p, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
	}
	return bucket, prefix
}

// objectPutter is the slice of the S3 API the exporter uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client uploads archive trees to one bucket/prefix.
type Client struct {
	api    objectPutter
	bucket string
	prefix string
	logger *log.Logger
}

// Summary reports what one export call uploaded.
type Summary struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// NewClient creates an export client.
// Uses the AWS SDK default credential chain (env vars, shared config,
// IAM role).
func NewClient(ctx context.Context, cfg S3Config, logger *log.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger), nil
}

func newClient(api objectPutter, cfg S3Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.NewLogger("export")
	}
	return &Client{
		api:    api,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}
}

// ExportArchive uploads everything under one channel archive directory
// to channels/<identifier>/<relative path>. Temp files left behind by
// an interrupted writer are skipped.
func (c *Client) ExportArchive(ctx context.Context, dir, identifier string) (*Summary, error) {
	summary := &Summary{}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := c.objectKey(identifier, rel)
		size, err := c.upload(ctx, p, key)
		if err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		summary.Files++
		summary.Bytes += size
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("archive exported", map[string]any{
		"identifier": identifier,
		"bucket":     c.bucket,
		"files":      summary.Files,
		"bytes":      summary.Bytes,
	})
	return summary, nil
}

func (c *Client) objectKey(identifier, rel string) string {
	return path.Join(c.prefix, "channels", identifier, filepath.ToSlash(rel))
}

func (c *Client) upload(ctx context.Context, localPath, key string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &c.bucket,
		Key:           &key,
		Body:          f,
		ContentLength: &size,
		ContentType:   &contentType,
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}
