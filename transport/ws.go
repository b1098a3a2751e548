package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/pelorus-io/chantry/types"
)

// liveStream is an infinite websocket subscription to one channel.
type liveStream struct {
	conn    *websocket.Conn
	channel types.ChannelID
}

// dialLiveStream opens the websocket subscription for a channel.
// The gateway speaks JSON text frames, one RawEvent per frame.
func dialLiveStream(ctx context.Context, baseURL, token string, channel types.ChannelID) (Stream, error) {
	wsURL := toWebsocketURL(baseURL) + fmt.Sprintf("/v1/channels/%d/stream", channel)

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			if serr := classifyStatus(resp); serr != nil {
				return nil, serr
			}
		}
		return nil, &Error{Kind: KindTransientNetwork, Msg: "websocket dial failed", Err: err}
	}
	// Media previews never ride the event stream, so frames stay small;
	// the default 32 KiB read limit is raised for long message bodies.
	conn.SetReadLimit(1 << 20)

	return &liveStream{conn: conn, channel: channel}, nil
}

// Next implements Stream. Blocks until the next event arrives.
func (s *liveStream) Next(ctx context.Context) (*types.RawEvent, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyCloseError(err)
	}

	var ev types.RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Msg: "malformed event frame", Err: err}
	}
	if ev.Channel == 0 {
		ev.Channel = s.channel
	}
	return &ev, nil
}

// Close implements Stream.
func (s *liveStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client shutdown")
}

// classifyCloseError maps a websocket read failure onto the error taxonomy.
func classifyCloseError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return &Error{Kind: KindUnauthorized, Msg: "subscription rejected", Err: err}
	case websocket.StatusGoingAway:
		return &Error{Kind: KindChannelUnavailable, Msg: "channel stream ended", Err: err}
	default:
		return &Error{Kind: KindTransientNetwork, Msg: "stream read failed", Err: err}
	}
}

// toWebsocketURL rewrites an http(s) base URL to its ws(s) equivalent.
func toWebsocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
