// Package archive owns the on-disk channel archive: an append-only
// markdown transcript for humans and a structured JSON sidecar for the
// machine.
//
// Commit order is the crash-safety contract: the transcript entry is
// appended and fsynced first, then the sidecar is rewritten atomically.
// After a crash the pair is in one of two states, both updated or
// transcript ahead of sidecar, and recovery truncates the uncommitted
// transcript tail. The sidecar, not the watermark store, is the source
// of truth for what was durably archived.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pelorus-io/chantry/log"
	"github.com/pelorus-io/chantry/types"
)

// Writer is a single channel's archive writer. One commit is outstanding
// at a time; callers advance the watermark only after Commit returns.
type Writer struct {
	dir     string
	channel *types.Channel
	logger  *log.Logger

	mu         sync.Mutex
	transcript *os.File
	size       int64
	sidecar    *Sidecar
	byAnchor   map[string]int
	recovery   Recovery
}

// Recovery describes what OpenWriter had to repair.
type Recovery struct {
	// TruncatedBytes is the uncommitted transcript tail removed.
	TruncatedBytes int64
	// DroppedEntries counts sidecar entries whose transcript bytes were
	// missing (transcript shorter than the sidecar claimed).
	DroppedEntries int
	// RebuiltSidecar is set when the sidecar was unreadable and was
	// reconstructed from the transcript.
	RebuiltSidecar bool
}

func (r Recovery) clean() bool {
	return r.TruncatedBytes == 0 && r.DroppedEntries == 0 && !r.RebuiltSidecar
}

// OpenWriter opens (or creates) the channel's archive directory under
// root and reconciles the transcript/sidecar pair before returning. The
// returned writer is ready for commits; Recovery() reports any repair.
func OpenWriter(root string, ch *types.Channel, logger *log.Logger) (*Writer, error) {
	dir := filepath.Join(root, sanitizeDirName(ch.Identifier))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}

	if logger == nil {
		logger = log.NewLogger("archive")
	}
	w := &Writer{
		dir:     dir,
		channel: ch,
		logger:  logger.WithChannel(ch.ID, ch.Identifier),
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	transcriptPath := filepath.Join(w.dir, TranscriptName)
	sidecarPath := filepath.Join(w.dir, SidecarName)

	sc, err := LoadSidecar(sidecarPath)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		sc = nil
		// A transcript without any sidecar still holds archived data;
		// reconstruct rather than discard.
		if info, statErr := os.Stat(transcriptPath); statErr == nil && info.Size() > 0 {
			sc, err = rebuildSidecar(transcriptPath, w.channel)
			if err != nil {
				return fmt.Errorf("rebuild sidecar: %w", err)
			}
			w.recovery.RebuiltSidecar = true
		}
	default:
		// Unreadable sidecar: the transcript is the fallback evidence.
		w.logger.Warn("sidecar unreadable, rebuilding from transcript", map[string]any{
			"error": err.Error(),
		})
		sc, err = rebuildSidecar(transcriptPath, w.channel)
		if err != nil {
			return fmt.Errorf("rebuild sidecar: %w", err)
		}
		w.recovery.RebuiltSidecar = true
	}

	if sc == nil {
		sc = &Sidecar{
			FormatVersion: types.SidecarFormatVersion,
			Channel:       w.channel.ID,
			Identifier:    w.channel.Identifier,
			DisplayName:   w.channel.DisplayName,
		}
	}
	sc.SessionID = uuid.NewString()

	f, err := os.OpenFile(transcriptPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	size := info.Size()

	// Drop sidecar entries whose transcript bytes do not exist.
	committed := int64(0)
	kept := sc.Entries[:0]
	for _, e := range sc.Entries {
		if e.Offset+e.Length > size {
			w.recovery.DroppedEntries++
			continue
		}
		kept = append(kept, e)
		if end := e.Offset + e.Length; end > committed {
			committed = end
		}
	}
	sc.Entries = kept

	if size == 0 {
		header := renderHeader(w.channel, time.Now())
		if _, err := f.WriteString(header); err != nil {
			_ = f.Close()
			return fmt.Errorf("write transcript header: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
		size = int64(len(header))
		committed = size
	} else if len(sc.Entries) == 0 {
		// No committed entries: keep the header, drop any orphan record
		// bytes. A record always starts with its anchor line, so the
		// first anchor marks where uncommitted data begins; without it
		// a later re-commit would append the same record twice.
		committed = size
		data, err := os.ReadFile(transcriptPath)
		if err != nil {
			_ = f.Close()
			return err
		}
		if starts := entryOffsets(string(data)); len(starts) > 0 {
			committed = int64(starts[0])
		}
	}

	// Truncate the uncommitted tail (crash between transcript append and
	// sidecar rename).
	if size > committed && committed > 0 {
		if err := f.Truncate(committed); err != nil {
			_ = f.Close()
			return fmt.Errorf("truncate transcript: %w", err)
		}
		w.recovery.TruncatedBytes = size - committed
		size = committed
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return err
	}

	w.transcript = f
	w.size = size
	w.sidecar = sc
	w.byAnchor = make(map[string]int, len(sc.Entries))
	for i, e := range sc.Entries {
		w.byAnchor[e.Anchor] = i
	}

	if !w.recovery.clean() {
		w.logger.Warn("archive recovered", map[string]any{
			"truncated_bytes": w.recovery.TruncatedBytes,
			"dropped_entries": w.recovery.DroppedEntries,
			"rebuilt_sidecar": w.recovery.RebuiltSidecar,
		})
		if err := saveSidecar(filepath.Join(w.dir, SidecarName), sc); err != nil {
			_ = f.Close()
			return fmt.Errorf("persist recovered sidecar: %w", err)
		}
	}
	return nil
}

// Dir returns the channel's archive directory (media lands under it).
func (w *Writer) Dir() string { return w.dir }

// Recovery reports what opening had to repair.
func (w *Writer) Recovery() Recovery {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recovery
}

// Watermark returns the highest durably committed original ordinal.
func (w *Writer) Watermark() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sidecar.Watermark()
}

// Len returns the number of committed entries.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sidecar.Entries)
}

// Entries returns a copy of the committed sidecar entries.
func (w *Writer) Entries() []SidecarEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]SidecarEntry, len(w.sidecar.Entries))
	copy(out, w.sidecar.Entries)
	return out
}

// Commit durably appends one record: transcript first (append + fsync),
// then sidecar (temp + fsync + rename). Committing a record whose anchor
// already exists is a no-op, which makes replay after a watermark
// correction idempotent.
func (w *Writer) Commit(rec *types.MessageRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	anchor := rec.Anchor()
	if _, ok := w.byAnchor[anchor]; ok {
		return nil
	}

	entry := renderRecord(rec)
	offset := w.size
	if _, err := w.transcript.WriteString(entry); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := w.transcript.Sync(); err != nil {
		return fmt.Errorf("sync transcript: %w", err)
	}
	w.size += int64(len(entry))

	w.sidecar.Entries = append(w.sidecar.Entries, SidecarEntry{
		Ordinal:     rec.Ordinal,
		Seq:         rec.Seq,
		Anchor:      anchor,
		Supersedes:  rec.Supersedes,
		GapDetected: rec.GapDetected,
		Timestamp:   rec.Timestamp.UTC(),
		Sender:      rec.Sender,
		Body:        rec.Body,
		Offset:      offset,
		Length:      int64(len(entry)),
		Media:       rec.Media,
	})
	w.byAnchor[anchor] = len(w.sidecar.Entries) - 1

	if err := saveSidecar(filepath.Join(w.dir, SidecarName), w.sidecar); err != nil {
		// The transcript entry is already durable; a re-commit after
		// restart dedups by anchor.
		return fmt.Errorf("save sidecar: %w", err)
	}
	return nil
}

// UpdateMedia patches a settled media reference into the sidecar. The
// transcript is append-only and is not touched; its media links already
// point at the deterministic local path.
func (w *Writer) UpdateMedia(ref types.MediaReference) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	patched := false
	for i := range w.sidecar.Entries {
		e := &w.sidecar.Entries[i]
		if e.Ordinal != ref.Ordinal {
			continue
		}
		for j := range e.Media {
			if e.Media[j].Attachment.ID == ref.Attachment.ID {
				e.Media[j].Status = ref.Status
				e.Media[j].Error = ref.Error
				e.Media[j].LocalPath = ref.LocalPath
				patched = true
			}
		}
	}
	if !patched {
		return fmt.Errorf("no media reference for ordinal %d attachment %s", ref.Ordinal, ref.Attachment.ID)
	}
	return saveSidecar(filepath.Join(w.dir, SidecarName), w.sidecar)
}

// PendingMedia returns references not yet in a terminal state, for
// resumption at startup.
func (w *Writer) PendingMedia() []types.MediaReference {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []types.MediaReference
	for _, e := range w.sidecar.Entries {
		for _, m := range e.Media {
			if !m.Status.IsTerminal() {
				pending = append(pending, m)
			}
		}
	}
	return pending
}

// Close closes the transcript. The sidecar is already durable.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.transcript == nil {
		return nil
	}
	err := w.transcript.Close()
	w.transcript = nil
	return err
}
