package export

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakePutter records PutObject calls in-memory.
type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failKey string
}

func newFakePutter() *fakePutter {
	return &fakePutter{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failKey != "" && *in.Key == f.failKey {
		return nil, io.ErrUnexpectedEOF
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func writeArchiveFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"transcript.md":     "# News\n\n---\n",
		"sidecar.json":      `{"format_version":1}`,
		"media/att-1.jpg":   "jpegbytes",
		"transcript.md.tmp": "partial",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestExportArchive_UploadsTree(t *testing.T) {
	dir := writeArchiveFixture(t)
	putter := newFakePutter()
	client := newClient(putter, S3Config{Bucket: "archives", Prefix: "prod"}, nil)

	summary, err := client.ExportArchive(context.Background(), dir, "@news")
	if err != nil {
		t.Fatalf("ExportArchive: %v", err)
	}

	if summary.Files != 3 {
		t.Errorf("Files = %d, want 3 (temp file must be skipped)", summary.Files)
	}

	wantKeys := []string{
		"prod/channels/@news/transcript.md",
		"prod/channels/@news/sidecar.json",
		"prod/channels/@news/media/att-1.jpg",
	}
	for _, key := range wantKeys {
		if _, ok := putter.objects[key]; !ok {
			t.Errorf("missing object %q", key)
		}
	}
	if _, ok := putter.objects["prod/channels/@news/transcript.md.tmp"]; ok {
		t.Error("temp file was uploaded")
	}

	if got := string(putter.objects["prod/channels/@news/media/att-1.jpg"]); got != "jpegbytes" {
		t.Errorf("media content = %q", got)
	}
	if ct := putter.types["prod/channels/@news/media/att-1.jpg"]; ct != "image/jpeg" {
		t.Errorf("media content type = %q, want image/jpeg", ct)
	}
}

func TestExportArchive_NoPrefix(t *testing.T) {
	dir := writeArchiveFixture(t)
	putter := newFakePutter()
	client := newClient(putter, S3Config{Bucket: "archives"}, nil)

	if _, err := client.ExportArchive(context.Background(), dir, "@news"); err != nil {
		t.Fatalf("ExportArchive: %v", err)
	}
	if _, ok := putter.objects["channels/@news/transcript.md"]; !ok {
		t.Error("expected key without leading prefix segment")
	}
}

func TestExportArchive_UploadFailureIsReported(t *testing.T) {
	dir := writeArchiveFixture(t)
	putter := newFakePutter()
	putter.failKey = "channels/@news/sidecar.json"
	client := newClient(putter, S3Config{Bucket: "archives"}, nil)

	if _, err := client.ExportArchive(context.Background(), dir, "@news"); err == nil {
		t.Fatal("expected upload failure to surface")
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		input  string
		bucket string
		prefix string
	}{
		{"archives", "archives", ""},
		{"archives/prod", "archives", "prod"},
		{"archives/prod/deep", "archives", "prod/deep"},
	}
	for _, tt := range tests {
		bucket, prefix := ParseS3Path(tt.input)
		if bucket != tt.bucket || prefix != tt.prefix {
			t.Errorf("ParseS3Path(%q) = (%q, %q), want (%q, %q)",
				tt.input, bucket, prefix, tt.bucket, tt.prefix)
		}
	}
}

func TestS3Config_Validate(t *testing.T) {
	cfg := S3Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty bucket should fail validation")
	}
	cfg.Bucket = "archives"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
