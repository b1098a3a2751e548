package types

import (
	"fmt"
	"time"
)

// EventKind discriminates raw upstream events.
type EventKind string

// Event kind constants.
const (
	// EventMessage is a newly posted message.
	EventMessage EventKind = "message"
	// EventEdit is an upstream edit of an existing message. Edits are
	// archived as new superseding records; the original is never mutated.
	EventEdit EventKind = "edit"
)

// RawEvent is an upstream channel event as emitted by the transport
// adapter, before the dedup/sequencing gate has seen it. The same shape is
// used for live and backfill events.
type RawEvent struct {
	Kind    EventKind `json:"kind"`
	Channel ChannelID `json:"channel_id"`
	// Ordinal is the platform message id, unique and ascending within a channel.
	Ordinal   int64     `json:"ordinal"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	// Spans carry upstream formatting (bold, links, ...) as offset ranges.
	Spans []FormatSpan `json:"spans,omitempty"`
	// ReplyTo is the ordinal of the replied-to message, if any.
	ReplyTo *int64 `json:"reply_to,omitempty"`
	// ForwardFrom describes the forward origin, if the message was forwarded.
	ForwardFrom string `json:"forward_from,omitempty"`
	// Attachments lists media attached to the message, in platform order.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// FormatSpan is a formatting range within a message body.
type FormatSpan struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Kind   string `json:"kind"`
	// Href is set for link spans.
	Href string `json:"href,omitempty"`
}

// Attachment is an upstream media attachment descriptor.
type Attachment struct {
	// ID is the platform attachment identifier, stable across refetches.
	ID string `json:"id"`
	// DeclaredSize is the size in bytes as declared upstream, before download.
	DeclaredSize int64 `json:"declared_size"`
	// Kind is the declared MIME type (e.g. "image/jpeg").
	Kind string `json:"kind"`
	// Filename is the original filename when the platform provides one.
	Filename string `json:"filename,omitempty"`
}

// MessageRecord is an accepted event on its way into the archive.
// Immutable once committed; corrections arrive as new records carrying a
// Supersedes marker. Created by the sequencer on acceptance.
type MessageRecord struct {
	Channel ChannelID `json:"channel_id"`
	Ordinal int64     `json:"ordinal"`
	// Seq is the local per-channel sequence assigned on acceptance,
	// strictly increasing in commit order.
	Seq         int64        `json:"seq"`
	Timestamp   time.Time    `json:"timestamp"`
	Sender      string       `json:"sender"`
	Body        string       `json:"body"`
	Spans       []FormatSpan `json:"spans,omitempty"`
	ReplyTo     *int64       `json:"reply_to,omitempty"`
	ForwardFrom string       `json:"forward_from,omitempty"`
	// Supersedes is set when this record is an edit of an earlier ordinal.
	Supersedes *int64 `json:"supersedes,omitempty"`
	// GapDetected marks a record released past the reorder timeout with a
	// missing predecessor still outstanding.
	GapDetected bool `json:"gap_detected,omitempty"`
	// Media holds the record's media references in platform order.
	Media []MediaReference `json:"media,omitempty"`
}

// Anchor returns the record's stable transcript anchor. Superseding
// records share the original's ordinal, so their anchor is additionally
// keyed by the edit timestamp: deterministic across redelivery, distinct
// across successive edits.
func (r *MessageRecord) Anchor() string {
	if r.Supersedes != nil {
		return fmt.Sprintf("%s-edit-%d", Anchor(r.Channel, r.Ordinal), r.Timestamp.Unix())
	}
	return Anchor(r.Channel, r.Ordinal)
}
