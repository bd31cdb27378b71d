// Package client is the Go consumer of the gateway: a thin REST surface for
// publishing, polling, and acknowledgments, plus a streaming loop that holds
// an SSE connection, heartbeats it, and reconnects with backoff.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/poller"
	"github.com/carelinkhq/eventgate/internal/protocol"
)

// Options tune the client. Zero values fall back to the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	HTTPClient        *http.Client

	// OnBackpressure fires when the gateway asks the client to slow down.
	OnBackpressure func(retryAfter time.Duration)
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultBackoffBase       = time.Second
	defaultBackoffMax        = 30 * time.Second
)

// BackpressureError is returned when the gateway rejects a request while its
// pending-ack table is over threshold. Pause for RetryAfter and retry.
type BackpressureError struct {
	RetryAfter time.Duration
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("gateway backpressure, retry after %s", e.RetryAfter)
}

// Client talks to one gateway with one bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	opts    Options

	mu       sync.Mutex
	connID   string
	patterns map[string]struct{}
}

// New creates a client targeting the given base URL
// (e.g. "http://localhost:8080").
func New(baseURL, token string, opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     opts.HTTPClient,
		opts:     opts,
		patterns: make(map[string]struct{}),
	}
}

// Publish submits a batch over the connectionless ingress endpoint and
// returns the acknowledged event ids. An id missing from the result was not
// accepted; retry it.
func (c *Client) Publish(ctx context.Context, events []*model.Event) ([]string, error) {
	var ack protocol.ServerFrame
	err := c.doJSON(ctx, http.MethodPost, "/v1/events",
		&protocol.ClientFrame{Type: protocol.TypePublishBatch, Events: events}, &ack)
	if err != nil {
		return nil, err
	}
	return ack.IDs, nil
}

// Poll reads the fallback buffer from the given cursor.
func (c *Client) Poll(ctx context.Context, pattern string, cursor int64, limit int) (*poller.Result, error) {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	if pattern != "" {
		q.Set("pattern", pattern)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res poller.Result
	if err := c.doJSON(ctx, http.MethodGet, "/v1/poll?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Subscribe registers a pattern. It is remembered and replayed after every
// reconnect; when a stream is live, the gateway learns about it immediately.
func (c *Client) Subscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	c.patterns[pattern] = struct{}{}
	connID := c.connID
	c.mu.Unlock()

	if connID == "" {
		return nil
	}
	return c.sendFrame(ctx, connID, &protocol.ClientFrame{Type: protocol.TypeSubscribe, Pattern: pattern})
}

// Unsubscribe removes a pattern.
func (c *Client) Unsubscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	delete(c.patterns, pattern)
	connID := c.connID
	c.mu.Unlock()

	if connID == "" {
		return nil
	}
	return c.sendFrame(ctx, connID, &protocol.ClientFrame{Type: protocol.TypeUnsubscribe, Pattern: pattern})
}

// Ack acknowledges a delivered critical event.
func (c *Client) Ack(ctx context.Context, eventID string) error {
	c.mu.Lock()
	connID := c.connID
	c.mu.Unlock()
	if connID == "" {
		return fmt.Errorf("no live connection")
	}
	return c.sendFrame(ctx, connID, &protocol.ClientFrame{Type: protocol.TypeAck, EventID: eventID})
}

// ConnID returns the current session id, empty when disconnected.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Client) sendFrame(ctx context.Context, connID string, f *protocol.ClientFrame) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/connections/"+url.PathEscape(connID)+"/messages", f, nil)
}

// doJSON performs a request with the bearer token, encoding body and
// decoding the response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var f protocol.ServerFrame
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var retry time.Duration
		if json.Unmarshal(data, &f) == nil && f.RetryAfterMs > 0 {
			retry = time.Duration(f.RetryAfterMs) * time.Millisecond
		}
		if c.opts.OnBackpressure != nil {
			c.opts.OnBackpressure(retry)
		}
		return &BackpressureError{RetryAfter: retry}
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
