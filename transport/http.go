package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pelorus-io/chantry/types"
)

// DefaultPageSize is the backfill page size requested per history call.
const DefaultPageSize = 100

// DefaultHTTPTimeout bounds individual history/resolve calls.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPFeedOptions configures an HTTPFeed.
type HTTPFeedOptions struct {
	// BaseURL is the platform gateway base URL (required).
	BaseURL string
	// Token is the bearer token for the session (required).
	Token string
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
	// PageSize overrides the history page size (default 100).
	PageSize int
}

// HTTPFeed implements Feed against the platform's HTTP gateway.
// Historical cursors paginate lazily; Live upgrades to a websocket
// subscription (ws.go).
type HTTPFeed struct {
	baseURL  string
	token    string
	client   *http.Client
	pageSize int
}

// NewHTTPFeed creates an HTTP-backed feed.
func NewHTTPFeed(opts HTTPFeedOptions) (*HTTPFeed, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("transport: base URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HTTPFeed{
		baseURL:  opts.BaseURL,
		token:    opts.Token,
		client:   client,
		pageSize: pageSize,
	}, nil
}

// Resolve implements Feed.
func (f *HTTPFeed) Resolve(ctx context.Context, identifier string) (*ChannelInfo, error) {
	u := fmt.Sprintf("%s/v1/channels/%s", f.baseURL, url.PathEscape(identifier))
	var info ChannelInfo
	if err := f.getJSON(ctx, u, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Historical implements Feed. Pages are fetched lazily as the cursor is
// consumed; events arrive in ascending ordinal order.
func (f *HTTPFeed) Historical(ctx context.Context, channel types.ChannelID, since int64, limit int) (Stream, error) {
	return &historyCursor{
		feed:    f,
		channel: channel,
		after:   since,
		limit:   limit,
	}, nil
}

// Live implements Feed via a websocket subscription.
func (f *HTTPFeed) Live(ctx context.Context, channel types.ChannelID) (Stream, error) {
	return dialLiveStream(ctx, f.baseURL, f.token, channel)
}

// Close implements Feed. The HTTP client holds no per-session state.
func (f *HTTPFeed) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// historyPage is the wire shape of one backfill page.
type historyPage struct {
	Events  []*types.RawEvent `json:"events"`
	HasMore bool              `json:"has_more"`
}

// historyCursor lazily paginates a channel's history.
type historyCursor struct {
	feed    *HTTPFeed
	channel types.ChannelID
	after   int64
	limit   int

	buf       []*types.RawEvent
	delivered int
	exhausted bool
}

// Next implements Stream. Returns io.EOF when the range is exhausted.
func (c *historyCursor) Next(ctx context.Context) (*types.RawEvent, error) {
	if c.limit > 0 && c.delivered >= c.limit {
		return nil, io.EOF
	}

	for len(c.buf) == 0 {
		if c.exhausted {
			return nil, io.EOF
		}
		if err := c.fetchPage(ctx); err != nil {
			return nil, err
		}
	}

	ev := c.buf[0]
	c.buf = c.buf[1:]
	c.delivered++
	return ev, nil
}

// Close implements Stream.
func (c *historyCursor) Close() error {
	c.buf = nil
	c.exhausted = true
	return nil
}

func (c *historyCursor) fetchPage(ctx context.Context) error {
	pageSize := c.feed.pageSize
	if c.limit > 0 && c.limit-c.delivered < pageSize {
		pageSize = c.limit - c.delivered
	}

	u := fmt.Sprintf("%s/v1/channels/%d/messages?after=%d&limit=%d",
		c.feed.baseURL, c.channel, c.after, pageSize)

	var page historyPage
	if err := c.feed.getJSON(ctx, u, &page); err != nil {
		return err
	}

	c.buf = page.Events
	for _, ev := range page.Events {
		if ev.Ordinal > c.after {
			c.after = ev.Ordinal
		}
	}
	if !page.HasMore || len(page.Events) == 0 {
		c.exhausted = true
	}
	return nil
}

// getJSON performs an authenticated GET and decodes the JSON body,
// mapping HTTP failures onto the transport error taxonomy.
func (f *HTTPFeed) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindTransientNetwork, Msg: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransientNetwork, Msg: "malformed response body", Err: err}
	}
	return nil
}

// classifyStatus maps an HTTP response status onto the error taxonomy.
// nil means success.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Msg:        "platform rate limit",
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Msg: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &Error{Kind: KindChannelUnavailable, Msg: fmt.Sprintf("status %d", resp.StatusCode)}
	default:
		return &Error{Kind: KindTransientNetwork, Msg: fmt.Sprintf("status %d", resp.StatusCode)}
	}
}

// parseRetryAfter reads a Retry-After header (seconds form only).
// Zero means the platform gave no cooldown; callers apply their own.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
