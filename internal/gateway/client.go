package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the production web API root.
const DefaultBaseURL = "https://slack.com/api"

// GatewayError is a request the gateway accepted but answered with ok:false.
// Callers that reconcile opportunistically treat it as a soft failure.
type GatewayError struct {
	Method string
	Reason string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Method, e.Reason)
}

// Client calls the workspace web API with a bot token for data reads and an
// app token for opening Socket Mode connections.
type Client struct {
	httpClient *http.Client
	baseURL    string
	appToken   string
	botToken   string
}

// Option adjusts a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root. Used by tests.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a Client for one workspace's token pair.
func NewClient(appToken, botToken string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		appToken:   appToken,
		botToken:   botToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) call(ctx context.Context, method, httpMethod, token string, query url.Values, out any) error {
	endpoint := c.baseURL + "/" + method
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

// OpenConnection requests a fresh Socket Mode websocket URL. Uses the app
// token; failures here are hard since no event stream exists without one.
func (c *Client) OpenConnection(ctx context.Context) (string, error) {
	var out connectionResponse
	if err := c.call(ctx, "apps.connections.open", http.MethodPost, c.appToken, nil, &out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", &GatewayError{Method: "apps.connections.open", Reason: out.Error}
	}
	if out.URL == "" {
		return "", &GatewayError{Method: "apps.connections.open", Reason: "missing websocket url"}
	}
	return out.URL, nil
}

// FetchMessage reads the single message at (channel, ts) from history.
func (c *Client) FetchMessage(ctx context.Context, channel, ts string) (*Message, error) {
	q := url.Values{
		"channel":   {channel},
		"latest":    {ts},
		"inclusive": {"true"},
		"limit":     {"1"},
	}
	var out historyResponse
	if err := c.call(ctx, "conversations.history", http.MethodGet, c.botToken, q, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, &GatewayError{Method: "conversations.history", Reason: out.Error}
	}
	if len(out.Messages) == 0 {
		return nil, &GatewayError{Method: "conversations.history", Reason: "message not found"}
	}
	return &out.Messages[0], nil
}

// FetchReactions returns the current reactions on a message, in gateway
// order. A message with no reactions yields an empty slice, not an error.
func (c *Client) FetchReactions(ctx context.Context, channel, ts string) ([]Reaction, error) {
	q := url.Values{
		"channel":   {channel},
		"timestamp": {ts},
	}
	var out reactionsResponse
	if err := c.call(ctx, "reactions.get", http.MethodGet, c.botToken, q, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, &GatewayError{Method: "reactions.get", Reason: out.Error}
	}
	if out.Message == nil {
		return nil, nil
	}
	return out.Message.Reactions, nil
}

// ListChannels enumerates the channels the bot can see, skipping archived
// ones. Paginates until the gateway stops returning a cursor.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var all []Channel
	cursor := ""
	for {
		q := url.Values{
			"exclude_archived": {"true"},
			"limit":            {"200"},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out channelsResponse
		if err := c.call(ctx, "conversations.list", http.MethodGet, c.botToken, q, &out); err != nil {
			return nil, err
		}
		if !out.OK {
			return nil, &GatewayError{Method: "conversations.list", Reason: out.Error}
		}
		for _, ch := range out.Channels {
			if ch.IsArchived {
				continue
			}
			all = append(all, ch)
		}
		cursor = out.Metadata.NextCursor
		if cursor == "" {
			return all, nil
		}
	}
}

// FetchHistoryPage reads one page of a channel's history.
func (c *Client) FetchHistoryPage(ctx context.Context, channel, cursor string, limit int) (HistoryPage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{
		"channel": {channel},
		"limit":   {strconv.Itoa(limit)},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out historyResponse
	if err := c.call(ctx, "conversations.history", http.MethodGet, c.botToken, q, &out); err != nil {
		return HistoryPage{}, err
	}
	if !out.OK {
		return HistoryPage{}, &GatewayError{Method: "conversations.history", Reason: out.Error}
	}
	return HistoryPage{
		Messages:   out.Messages,
		NextCursor: out.Metadata.NextCursor,
		HasMore:    out.HasMore,
	}, nil
}
