package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pelorus-io/chantry/types"
)

// Frame size constants for the journal codec.
const (
	// MaxFrameSize is the maximum journal frame size, including prefix.
	MaxFrameSize = 64 * 1024
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// MaxPayloadSize is the maximum payload size.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
)

// ErrFrameTooLarge is returned for oversized journal frames.
var ErrFrameTooLarge = errors.New("media: journal frame exceeds maximum size")

// JournalEntry records one media status transition. Entries are
// append-only; the latest entry per attachment wins on replay.
type JournalEntry struct {
	Channel      int64             `msgpack:"channel"`
	Ordinal      int64             `msgpack:"ordinal"`
	AttachmentID string            `msgpack:"attachment_id"`
	Status       types.MediaStatus `msgpack:"status"`
	LocalPath    string            `msgpack:"local_path,omitempty"`
	Error        string            `msgpack:"error,omitempty"`
	Ts           time.Time         `msgpack:"ts"`
}

// Journal is the append-only media transition log: length-prefixed
// msgpack frames. It exists so that a restart can resume pending and
// retryable fetches without rescanning every sidecar.
//
// The journal is advisory (the sidecar remains authoritative for
// recorded statuses), so writes are not fsynced per frame; a truncated
// tail after a crash is tolerated by Replay.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenJournal opens or creates the journal at path in append mode.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open media journal: %w", err)
	}
	return &Journal{f: f, path: path}, nil
}

// Record appends one transition frame.
func (j *Journal) Record(entry JournalEntry) error {
	payload, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return ErrFrameTooLarge
	}

	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(prefix[:]); err != nil {
		return fmt.Errorf("write journal prefix: %w", err)
	}
	if _, err := j.f.Write(payload); err != nil {
		return fmt.Errorf("write journal payload: %w", err)
	}
	return nil
}

// Sync flushes the journal to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Sync()
}

// Close syncs and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Sync(); err != nil {
		_ = j.f.Close()
		return err
	}
	return j.f.Close()
}

// ReplayKey identifies an attachment within the journal.
type ReplayKey struct {
	Channel      types.ChannelID
	Ordinal      int64
	AttachmentID string
}

// Replay reads the journal and returns the latest transition per
// attachment. A truncated final frame (crash mid-append) ends the replay
// cleanly; everything before it is returned.
func Replay(path string) (map[ReplayKey]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[ReplayKey]JournalEntry{}, nil
		}
		return nil, fmt.Errorf("open media journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	latest := make(map[ReplayKey]JournalEntry)
	for {
		entry, err := readFrame(f)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Clean end or truncated tail: replay stops here.
				return latest, nil
			}
			return nil, err
		}
		key := ReplayKey{
			Channel:      types.ChannelID(entry.Channel),
			Ordinal:      entry.Ordinal,
			AttachmentID: entry.AttachmentID,
		}
		latest[key] = entry
	}
}

func readFrame(r io.Reader) (JournalEntry, error) {
	var entry JournalEntry

	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return entry, io.EOF
		}
		return entry, io.ErrUnexpectedEOF
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxPayloadSize {
		return entry, ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return entry, io.ErrUnexpectedEOF
	}

	if err := msgpack.Unmarshal(payload, &entry); err != nil {
		return entry, fmt.Errorf("decode journal entry: %w", err)
	}
	return entry, nil
}
