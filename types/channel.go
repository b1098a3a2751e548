package types

import (
	"fmt"
	"time"
)

// ChannelID is the platform-native numeric channel identifier.
type ChannelID int64

// Channel is a broadcast channel under archival.
// Identity is the platform-native ID plus the human identifier string
// (e.g. "@news_feed" or an invite link). The watermark is mutated only
// by the watermark store after a durable commit.
type Channel struct {
	// ID is the platform-native channel identifier.
	ID ChannelID
	// Identifier is the human identifier used to resolve the channel upstream.
	Identifier string
	// DisplayName is the channel title as reported by the platform.
	DisplayName string
	// Enabled controls whether the orchestrator runs this channel.
	Enabled bool
	// Watermark is the last durably-archived position.
	Watermark Watermark
}

// Watermark marks the highest message ordinal durably archived for a channel.
// Monotonically non-decreasing except through the corruption-recovery path.
type Watermark struct {
	// Ordinal is the platform message ordinal of the last committed record.
	// Zero means no record has ever been committed.
	Ordinal int64
	// Timestamp is the platform timestamp of the last committed record.
	Timestamp time.Time
}

// ChannelState is the per-channel state machine state owned by the orchestrator.
type ChannelState string

// Channel state constants.
const (
	StateIdle        ChannelState = "idle"
	StateBackfilling ChannelState = "backfilling"
	StateTailing     ChannelState = "tailing"
	StatePaused      ChannelState = "paused"
	StateStopping    ChannelState = "stopping"
	StateFailed      ChannelState = "failed"
)

// IsActive returns true if the state consumes events.
func (s ChannelState) IsActive() bool {
	return s == StateBackfilling || s == StateTailing
}

// ChannelStatus is the queryable snapshot of a channel's state machine,
// exposed to the browsing layer through the orchestrator's Status call.
type ChannelStatus struct {
	Channel    ChannelID    `json:"channel_id"`
	Identifier string       `json:"identifier"`
	State      ChannelState `json:"state"`
	Watermark  int64        `json:"watermark"`
	// LastError is the most recent recorded failure reason, empty if none.
	LastError string `json:"last_error,omitempty"`

	EventsSeen       int64 `json:"events_seen"`
	EventsAccepted   int64 `json:"events_accepted"`
	EventsDuplicate  int64 `json:"events_duplicate"`
	RecordsCommitted int64 `json:"records_committed"`
	MediaFetched     int64 `json:"media_fetched"`
	MediaSkipped     int64 `json:"media_skipped"`
	MediaFailed      int64 `json:"media_failed"`
}

// Anchor returns the stable transcript anchor for a record ordinal.
// The search layer deep-links into transcripts with these anchors, so the
// format must never change for already-written archives.
func Anchor(channel ChannelID, ordinal int64) string {
	return fmt.Sprintf("msg-%d-%d", channel, ordinal)
}
