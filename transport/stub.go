package transport

import (
	"context"
	"io"
	"sync"

	"github.com/pelorus-io/chantry/types"
)

// StubFeed is a scripted Feed for tests. Historical streams replay the
// configured events with ordinal > since; live streams deliver events
// pushed through Push and block otherwise.
type StubFeed struct {
	mu sync.Mutex

	// Channels maps identifier to resolved info.
	Channels map[string]*ChannelInfo
	// History holds the scripted backlog per channel, ascending.
	History map[types.ChannelID][]*types.RawEvent
	// ResolveErr, HistoricalErr, LiveErr force errors when non-nil.
	ResolveErr    error
	HistoricalErr error
	LiveErr       error
	// Closed indicates whether Close was called.
	Closed bool

	live map[types.ChannelID]chan *types.RawEvent
}

// NewStubFeed creates an empty stub feed.
func NewStubFeed() *StubFeed {
	return &StubFeed{
		Channels: make(map[string]*ChannelInfo),
		History:  make(map[types.ChannelID][]*types.RawEvent),
		live:     make(map[types.ChannelID]chan *types.RawEvent),
	}
}

// AddChannel registers a resolvable channel.
func (f *StubFeed) AddChannel(info *ChannelInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Channels[info.Identifier] = info
}

// AddHistory appends scripted backlog events for a channel.
func (f *StubFeed) AddHistory(channel types.ChannelID, events ...*types.RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.History[channel] = append(f.History[channel], events...)
}

// Push delivers an event to the channel's live stream.
func (f *StubFeed) Push(channel types.ChannelID, ev *types.RawEvent) {
	f.liveChan(channel) <- ev
}

func (f *StubFeed) liveChan(channel types.ChannelID) chan *types.RawEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.live[channel]
	if !ok {
		ch = make(chan *types.RawEvent, 64)
		f.live[channel] = ch
	}
	return ch
}

// Resolve implements Feed.
func (f *StubFeed) Resolve(_ context.Context, identifier string) (*ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}
	info, ok := f.Channels[identifier]
	if !ok {
		return nil, &Error{Kind: KindChannelUnavailable, Msg: "unknown channel " + identifier}
	}
	return info, nil
}

// Historical implements Feed.
func (f *StubFeed) Historical(_ context.Context, channel types.ChannelID, since int64, limit int) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HistoricalErr != nil {
		return nil, f.HistoricalErr
	}

	var events []*types.RawEvent
	for _, ev := range f.History[channel] {
		if ev.Ordinal > since {
			events = append(events, ev)
		}
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return &stubStream{events: events, finite: true}, nil
}

// Live implements Feed.
func (f *StubFeed) Live(_ context.Context, channel types.ChannelID) (Stream, error) {
	f.mu.Lock()
	err := f.LiveErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &stubStream{ch: f.liveChan(channel)}, nil
}

// Close implements Feed.
func (f *StubFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Verify StubFeed implements Feed.
var _ Feed = (*StubFeed)(nil)

// stubStream replays a finite slice or drains a live channel.
type stubStream struct {
	mu     sync.Mutex
	events []*types.RawEvent
	finite bool
	ch     chan *types.RawEvent
	closed bool
}

// Next implements Stream.
func (s *stubStream) Next(ctx context.Context) (*types.RawEvent, error) {
	if s.finite {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.events) == 0 {
			return nil, io.EOF
		}
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Stream.
func (s *stubStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
