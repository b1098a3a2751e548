package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pelorus-io/chantry/types"
)

// SidecarName is the sidecar filename inside a channel directory.
const SidecarName = "sidecar.json"

// TranscriptName is the transcript filename inside a channel directory.
const TranscriptName = "transcript.md"

// SidecarEntry is the structured record of one committed transcript
// entry. Offset and Length locate the rendered entry inside the
// transcript, which is what makes crash recovery possible: a transcript
// tail past the last entry's end was never committed.
type SidecarEntry struct {
	Ordinal     int64                  `json:"ordinal"`
	Seq         int64                  `json:"seq"`
	Anchor      string                 `json:"anchor"`
	Supersedes  *int64                 `json:"supersedes,omitempty"`
	GapDetected bool                   `json:"gap_detected,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Sender      string                 `json:"sender"`
	Body        string                 `json:"body,omitempty"`
	Offset      int64                  `json:"offset"`
	Length      int64                  `json:"length"`
	Media       []types.MediaReference `json:"media,omitempty"`
}

// Sidecar is the channel archive's structured companion file. The
// transcript is for humans; the sidecar is for the machine (recovery,
// media bookkeeping, index rebuilds).
type Sidecar struct {
	FormatVersion int               `json:"format_version"`
	Channel       types.ChannelID   `json:"channel_id"`
	Identifier    string            `json:"identifier"`
	DisplayName   string            `json:"display_name"`
	SessionID     string            `json:"session_id"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Entries       []SidecarEntry    `json:"entries"`
}

// Watermark returns the highest original-message ordinal recorded.
// Superseding records are excluded: an edit of message 4 under a
// watermark of 100 must not drag the watermark back to 4, nor claim
// progress past what the original stream reached.
func (sc *Sidecar) Watermark() int64 {
	var high int64
	for _, e := range sc.Entries {
		if e.Supersedes == nil && e.Ordinal > high {
			high = e.Ordinal
		}
	}
	return high
}

// LoadSidecar reads and validates a sidecar file.
func LoadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse sidecar: %w", err)
	}
	if sc.FormatVersion > types.SidecarFormatVersion {
		return nil, fmt.Errorf("sidecar format version %d is newer than supported %d",
			sc.FormatVersion, types.SidecarFormatVersion)
	}
	return &sc, nil
}

// saveSidecar writes the sidecar atomically: temp file in the same
// directory, fsync, rename. Readers never observe a torn sidecar.
func saveSidecar(path string, sc *Sidecar) error {
	sc.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
