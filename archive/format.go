package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/pelorus-io/chantry/types"
)

// transcriptTimeLayout is the human-readable timestamp used in transcript
// entries. Always UTC.
const transcriptTimeLayout = "2006-01-02 15:04:05"

// renderHeader renders the one-time transcript preamble for a fresh
// channel archive.
func renderHeader(ch *types.Channel, startedAt time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", ch.DisplayName)
	fmt.Fprintf(&b, "**Channel:** %s\n", ch.Identifier)
	fmt.Fprintf(&b, "**Archive Started:** %s\n\n", startedAt.UTC().Format(transcriptTimeLayout))
	b.WriteString("---\n\n")
	return b.String()
}

// renderRecord renders one committed record as a transcript entry. The
// output is self-contained and append-only: media links point at the
// attachment's deterministic local path, which the fetcher fills in
// later; the sidecar tracks whether the file actually arrived.
func renderRecord(rec *types.MessageRecord) string {
	var b strings.Builder

	// Stable deep-link anchor, used by the indexer and external readers.
	fmt.Fprintf(&b, "<a id=%q></a>\n\n", rec.Anchor())

	if rec.Supersedes != nil {
		fmt.Fprintf(&b, "## Message %d (edited)\n\n", rec.Ordinal)
	} else {
		fmt.Fprintf(&b, "## Message %d\n\n", rec.Ordinal)
	}

	sender := rec.Sender
	if sender == "" {
		sender = "Unknown"
	}
	fmt.Fprintf(&b, "**Sender:** %s\n", sender)
	fmt.Fprintf(&b, "**Date:** %s\n", rec.Timestamp.UTC().Format(transcriptTimeLayout))
	fmt.Fprintf(&b, "**Message ID:** %d\n\n", rec.Ordinal)

	if rec.Supersedes != nil {
		fmt.Fprintf(&b, "**Supersedes:** [Message %d](#%s)\n\n",
			*rec.Supersedes, types.Anchor(rec.Channel, *rec.Supersedes))
	}

	if body := strings.TrimSpace(rec.Body); body != "" {
		fmt.Fprintf(&b, "### Content\n\n%s\n\n", body)
	}

	for _, m := range rec.Media {
		b.WriteString(renderMedia(m))
	}

	if rec.ForwardFrom != "" {
		fmt.Fprintf(&b, "**Forwarded Message** (from %s)\n\n", rec.ForwardFrom)
	}

	if rec.ReplyTo != nil {
		fmt.Fprintf(&b, "**Reply to:** [Message %d](#%s)\n\n",
			*rec.ReplyTo, types.Anchor(rec.Channel, *rec.ReplyTo))
	}

	b.WriteString("---\n\n")
	return b.String()
}

func renderMedia(m types.MediaReference) string {
	name := m.Attachment.Filename
	if name == "" {
		name = m.Attachment.ID
	}
	if strings.HasPrefix(m.Attachment.Kind, "image/") {
		return fmt.Sprintf("**Media:** 📷 Photo (%s)\n\n![%s](%s)\n\n", name, name, m.LocalPath)
	}
	return fmt.Sprintf("**Media:** 📎 Document (%s)\n\n[Download %s](%s)\n\n", name, name, m.LocalPath)
}

// sanitizeDirName maps a channel identifier to a filesystem-safe
// directory name under the archive root.
func sanitizeDirName(identifier string) string {
	var b strings.Builder
	for _, r := range identifier {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "channel"
	}
	return name
}
