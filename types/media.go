package types

import "strings"

// MediaStatus is the lifecycle state of a media reference.
// Transitions are the only mutation a media reference ever sees.
type MediaStatus string

// Media status constants.
const (
	MediaPending         MediaStatus = "pending"
	MediaFetched         MediaStatus = "fetched"
	MediaSkippedTooLarge MediaStatus = "skipped-too-large"
	MediaFailedPermanent MediaStatus = "failed-permanent"
	MediaFailedRetryable MediaStatus = "failed-retryable"
)

// IsTerminal returns true if the status is final; terminal references are
// never re-submitted to the fetcher.
func (s MediaStatus) IsTerminal() bool {
	return s == MediaFetched || s == MediaSkippedTooLarge || s == MediaFailedPermanent
}

// kindExtensions maps declared MIME types to file extensions for
// attachments that arrive without a filename.
var kindExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// LocalName returns the deterministic on-disk name for the attachment,
// relative to the channel directory. Keyed by platform attachment id so
// re-fetching the same attachment always lands on the same path.
func (a Attachment) LocalName() string {
	ext := ""
	if a.Filename != "" {
		if i := strings.LastIndexByte(a.Filename, '.'); i >= 0 {
			ext = a.Filename[i:]
		}
	}
	if ext == "" {
		if e, ok := kindExtensions[a.Kind]; ok {
			ext = e
		} else {
			ext = ".bin"
		}
	}
	return "media/" + a.ID + ext
}

// MediaReference ties an attachment to the record that owns it and tracks
// its fetch lifecycle. Created alongside its MessageRecord.
type MediaReference struct {
	Channel ChannelID `json:"channel_id"`
	// Ordinal is the owning message ordinal.
	Ordinal    int64      `json:"ordinal"`
	Attachment Attachment `json:"attachment"`
	// LocalPath is the path relative to the channel directory once fetched,
	// e.g. "media/AgADBAAD.jpg". Deterministic by attachment id.
	LocalPath string      `json:"local_path,omitempty"`
	Status    MediaStatus `json:"status"`
	// Error is the recorded failure reason for failed statuses.
	Error string `json:"error,omitempty"`
}
