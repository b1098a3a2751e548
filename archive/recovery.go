package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelorus-io/chantry/types"
)

const anchorMarker = `<a id="`

// rebuildSidecar reconstructs a sidecar from transcript evidence alone.
// Used when the sidecar is unreadable or missing next to a non-empty
// transcript. Structural fields (anchors, ordinals, offsets, bodies)
// recover exactly; gap flags do not survive, and media statuses are
// re-derived from what is actually on disk.
func rebuildSidecar(transcriptPath string, ch *types.Channel) (*Sidecar, error) {
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		return nil, err
	}
	text := string(data)
	dir := filepath.Dir(transcriptPath)

	sc := &Sidecar{
		FormatVersion: types.SidecarFormatVersion,
		Channel:       ch.ID,
		Identifier:    ch.Identifier,
		DisplayName:   ch.DisplayName,
	}

	starts := entryOffsets(text)
	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		entry, err := parseEntry(text[start:end], dir, ch)
		if err != nil {
			return nil, fmt.Errorf("transcript entry at offset %d: %w", start, err)
		}
		entry.Seq = int64(i + 1)
		entry.Offset = int64(start)
		entry.Length = int64(end - start)
		sc.Entries = append(sc.Entries, entry)
	}
	return sc, nil
}

// entryOffsets returns the byte offset of every anchor marker at the
// start of a line.
func entryOffsets(text string) []int {
	var starts []int
	for pos := 0; ; {
		i := strings.Index(text[pos:], anchorMarker)
		if i < 0 {
			return starts
		}
		abs := pos + i
		if abs == 0 || text[abs-1] == '\n' {
			starts = append(starts, abs)
		}
		pos = abs + len(anchorMarker)
	}
}

func parseEntry(seg, dir string, ch *types.Channel) (SidecarEntry, error) {
	var e SidecarEntry

	anchor, ok := between(seg, anchorMarker, `"`)
	if !ok {
		return e, fmt.Errorf("missing anchor")
	}
	e.Anchor = anchor

	ordLine, ok := between(seg, "## Message ", "\n")
	if !ok {
		return e, fmt.Errorf("missing message heading")
	}
	ordStr, edited := strings.CutSuffix(strings.TrimSpace(ordLine), " (edited)")
	ordinal, err := strconv.ParseInt(ordStr, 10, 64)
	if err != nil {
		return e, fmt.Errorf("bad ordinal %q: %w", ordStr, err)
	}
	e.Ordinal = ordinal
	if edited {
		sup := ordinal
		e.Supersedes = &sup
	}

	if sender, ok := between(seg, "**Sender:** ", "\n"); ok && sender != "Unknown" {
		e.Sender = sender
	}
	if dateStr, ok := between(seg, "**Date:** ", "\n"); ok {
		if ts, err := time.Parse(transcriptTimeLayout, dateStr); err == nil {
			e.Timestamp = ts.UTC()
		}
	}

	if rest := afterFirst(seg, "### Content\n\n"); rest != "" {
		e.Body = bodyUntilSection(rest)
	}

	e.Media = parseMediaLinks(seg, dir, ch.ID, e.Ordinal)
	return e, nil
}

// bodyTerminators are the only markers renderRecord emits after the
// body. Cutting at exactly these keeps user-written bold text intact;
// a body containing a bare "---" paragraph is still truncated there.
var bodyTerminators = []string{
	"\n\n**Media:** ",
	"\n\n**Forwarded Message**",
	"\n\n**Reply to:**",
	"\n\n---\n",
}

// bodyUntilSection cuts the body at the first known trailing section.
func bodyUntilSection(rest string) string {
	end := len(rest)
	for _, term := range bodyTerminators {
		if i := strings.Index(rest, term); i >= 0 && i < end {
			end = i
		}
	}
	return strings.TrimSpace(rest[:end])
}

// parseMediaLinks recovers media references from transcript links. The
// status is re-derived from the filesystem: a file at the local path
// counts as fetched, anything else returns to pending so the fetcher
// picks it up again.
func parseMediaLinks(seg, dir string, channel types.ChannelID, ordinal int64) []types.MediaReference {
	var refs []types.MediaReference
	for _, line := range strings.Split(seg, "\n") {
		var local string
		switch {
		case strings.HasPrefix(line, "!["):
			local, _ = between(line, "](", ")")
		case strings.HasPrefix(line, "[Download "):
			local, _ = between(line, "](", ")")
		}
		if local == "" || !strings.HasPrefix(local, "media/") {
			continue
		}

		base := strings.TrimPrefix(local, "media/")
		ext := filepath.Ext(base)
		status := types.MediaPending
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(local))); err == nil {
			status = types.MediaFetched
		}
		refs = append(refs, types.MediaReference{
			Channel:    channel,
			Ordinal:    ordinal,
			Attachment: types.Attachment{ID: strings.TrimSuffix(base, ext)},
			LocalPath:  local,
			Status:     status,
		})
	}
	return refs
}

// between returns the text between the first occurrence of open and the
// next occurrence of until after it.
func between(s, open, until string) (string, bool) {
	i := strings.Index(s, open)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(open):]
	j := strings.Index(rest, until)
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}

func afterFirst(s, marker string) string {
	if i := strings.Index(s, marker); i >= 0 {
		return s[i+len(marker):]
	}
	return ""
}
