// Package transport wraps the upstream channel-subscription and
// history-fetch API behind a uniform event stream.
//
// The adapter performs no retries of its own beyond surfacing the
// platform's rate-limit signaling; retry policy belongs to the
// orchestrator. Failures are reported as a small closed taxonomy so
// callers can route them without string matching.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pelorus-io/chantry/types"
)

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// KindRateLimited indicates the platform asked us to back off.
	// RetryAfter carries the platform-specified cooldown.
	KindRateLimited ErrorKind = iota
	// KindUnauthorized indicates rejected or expired credentials.
	KindUnauthorized
	// KindChannelUnavailable indicates the channel does not exist or is
	// inaccessible to this session.
	KindChannelUnavailable
	// KindTransientNetwork indicates a retryable network-level failure.
	KindTransientNetwork
)

// String returns the kind name for logs and status reporting.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindChannelUnavailable:
		return "channel_unavailable"
	case KindTransientNetwork:
		return "transient_network"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind ErrorKind
	// RetryAfter is the platform-specified cooldown for KindRateLimited.
	RetryAfter time.Duration
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns true for failures worth retrying with backoff.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransientNetwork
}

// AsError extracts a transport *Error from err, or nil.
func AsError(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return nil
}

// IsRateLimited returns true if err is a rate-limit failure.
func IsRateLimited(err error) bool {
	te := AsError(err)
	return te != nil && te.Kind == KindRateLimited
}

// IsUnauthorized returns true if err is a credentials failure.
func IsUnauthorized(err error) bool {
	te := AsError(err)
	return te != nil && te.Kind == KindUnauthorized
}

// IsChannelUnavailable returns true if err indicates a missing or
// inaccessible channel.
func IsChannelUnavailable(err error) bool {
	te := AsError(err)
	return te != nil && te.Kind == KindChannelUnavailable
}

// IsTransient returns true if err is a retryable network failure.
func IsTransient(err error) bool {
	te := AsError(err)
	return te != nil && te.Kind == KindTransientNetwork
}

// ChannelInfo is the upstream identity of a resolved channel.
type ChannelInfo struct {
	ID          types.ChannelID `json:"id"`
	Identifier  string          `json:"identifier"`
	DisplayName string          `json:"display_name"`
	// HeadOrdinal is the newest message ordinal at resolve time, zero if
	// the channel is empty. Lookback-capped backfills anchor on it.
	HeadOrdinal int64 `json:"head_ordinal"`
}

// Stream is a lazy sequence of raw events.
//
// Next blocks until an event is available, the stream ends (io.EOF, only
// for finite historical cursors), the context is canceled, or a transport
// failure occurs. Close releases the underlying session.
type Stream interface {
	Next(ctx context.Context) (*types.RawEvent, error)
	Close() error
}

// Feed is the upstream adapter boundary.
// One Feed serves all channels of a session; per-channel streams are
// opened on demand.
type Feed interface {
	// Resolve looks up a channel by its human identifier.
	Resolve(ctx context.Context, identifier string) (*ChannelInfo, error)

	// Historical opens a finite ascending cursor over messages with
	// ordinal > since, up to limit events (0 = no limit). Next returns
	// io.EOF once the range is exhausted.
	Historical(ctx context.Context, channel types.ChannelID, since int64, limit int) (Stream, error)

	// Live opens an infinite stream of events in arrival order.
	Live(ctx context.Context, channel types.ChannelID) (Stream, error)

	// Close releases the upstream session.
	Close() error
}
