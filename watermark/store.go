// Package watermark persists per-channel archival progress.
//
// The store is the durable side of resumability: one row per channel
// carrying the identity, the enabled flag, the watermark (highest durably
// archived ordinal), and the last observed state-machine state. The
// watermark is advanced strictly after the archive writer confirms a
// commit; it only moves backward through the explicit corruption-recovery
// path.
package watermark

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pelorus-io/chantry/types"
)

// ErrNotFound is returned when a channel row does not exist.
var ErrNotFound = errors.New("watermark: channel not found")

// Store wraps the SQLite channel registry.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open watermark store: %w", err)
	}

	// WAL mode keeps the status CLI readable while a tail session writes.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY,
		identifier TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		watermark_ordinal INTEGER NOT NULL DEFAULT 0,
		watermark_ts TIMESTAMP,
		state TEXT NOT NULL DEFAULT 'idle',
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_channels_identifier ON channels(identifier);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert registers or refreshes a channel's identity without touching its
// watermark.
func (s *Store) Upsert(ch *types.Channel) error {
	query := `
	INSERT INTO channels (id, identifier, display_name, enabled, watermark_ordinal, watermark_ts, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		identifier = excluded.identifier,
		display_name = excluded.display_name,
		enabled = excluded.enabled,
		updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query,
		int64(ch.ID), ch.Identifier, ch.DisplayName, ch.Enabled,
		ch.Watermark.Ordinal, ch.Watermark.Timestamp, time.Now().UTC(),
	)
	return err
}

// Get returns the channel row by platform id.
func (s *Store) Get(id types.ChannelID) (*types.Channel, error) {
	row := s.db.QueryRow(`
	SELECT id, identifier, display_name, enabled, watermark_ordinal, watermark_ts
	FROM channels WHERE id = ?`, int64(id))
	return scanChannel(row)
}

// GetByIdentifier returns the channel row by human identifier.
func (s *Store) GetByIdentifier(identifier string) (*types.Channel, error) {
	row := s.db.QueryRow(`
	SELECT id, identifier, display_name, enabled, watermark_ordinal, watermark_ts
	FROM channels WHERE identifier = ?`, identifier)
	return scanChannel(row)
}

// List returns all registered channels.
func (s *Store) List() ([]*types.Channel, error) {
	rows, err := s.db.Query(`
	SELECT id, identifier, display_name, enabled, watermark_ordinal, watermark_ts
	FROM channels ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var channels []*types.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// Advance raises the watermark after a durable commit. Lower or equal
// ordinals are ignored, preserving monotonicity under redelivery.
func (s *Store) Advance(id types.ChannelID, ordinal int64, ts time.Time) error {
	_, err := s.db.Exec(`
	UPDATE channels
	SET watermark_ordinal = ?, watermark_ts = ?, updated_at = ?
	WHERE id = ? AND watermark_ordinal < ?`,
		ordinal, ts, time.Now().UTC(), int64(id), ordinal)
	return err
}

// CorrectDownward lowers the watermark during corruption recovery, when
// the on-disk sidecar evidence disagrees with the stored value. The gap
// re-processes safely: transcript-level dedup prevents visible
// duplication.
func (s *Store) CorrectDownward(id types.ChannelID, ordinal int64, ts time.Time) error {
	_, err := s.db.Exec(`
	UPDATE channels
	SET watermark_ordinal = ?, watermark_ts = ?, updated_at = ?
	WHERE id = ?`,
		ordinal, ts, time.Now().UTC(), int64(id))
	return err
}

// SetState records the channel's state-machine state and last error for
// the status surface.
func (s *Store) SetState(id types.ChannelID, state types.ChannelState, lastError string) error {
	_, err := s.db.Exec(`
	UPDATE channels SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(state), lastError, time.Now().UTC(), int64(id))
	return err
}

// StateRow is a channel's persisted state for the status surface.
type StateRow struct {
	Channel    types.ChannelID
	Identifier string
	State      types.ChannelState
	Watermark  int64
	LastError  string
}

// States returns the persisted state rows for all channels.
func (s *Store) States() ([]StateRow, error) {
	rows, err := s.db.Query(`
	SELECT id, identifier, state, watermark_ordinal, last_error
	FROM channels ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []StateRow
	for rows.Next() {
		var row StateRow
		var id int64
		var state string
		if err := rows.Scan(&id, &row.Identifier, &state, &row.Watermark, &row.LastError); err != nil {
			return nil, err
		}
		row.Channel = types.ChannelID(id)
		row.State = types.ChannelState(state)
		states = append(states, row)
	}
	return states, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (*types.Channel, error) {
	var ch types.Channel
	var id int64
	var ts sql.NullTime
	err := row.Scan(&id, &ch.Identifier, &ch.DisplayName, &ch.Enabled, &ch.Watermark.Ordinal, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ch.ID = types.ChannelID(id)
	if ts.Valid {
		ch.Watermark.Timestamp = ts.Time
	}
	return &ch, nil
}
