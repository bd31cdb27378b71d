package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/protocol"
)

// ErrCredentialExpired ends Run: the gateway closed the session because the
// bearer token expired, and reconnecting with the same token cannot help.
// Obtain a fresh token and call Run again.
var ErrCredentialExpired = errors.New("credential expired")

// EventHandler processes one delivered event. A nil return on a critical
// event triggers the acknowledgment; an error leaves it unacked so the
// gateway redelivers.
type EventHandler func(ev *model.Event) error

// Run holds a push stream open until ctx is done. Connections are
// heartbeated; a dropped stream is resumed (or reopened) with exponential
// backoff, and every subscribed pattern is replayed after reconnect.
func (c *Client) Run(ctx context.Context, handler EventHandler) error {
	attempt := 0
	for {
		connected, err := c.stream(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrCredentialExpired) {
			return err
		}
		if connected {
			// The stream was established; the next drop starts the backoff
			// schedule over.
			attempt = 0
		}
		delay := c.backoff(attempt)
		attempt++
		slog.Debug("stream dropped, reconnecting", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff doubles from the base up to the cap: 1s, 2s, 4s, 8s, 16s, 30s.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.opts.BackoffMax {
			return c.opts.BackoffMax
		}
	}
	return d
}

// stream opens one SSE connection and pumps it until it breaks. The
// returned bool reports whether a connected frame arrived, which resets the
// caller's backoff.
func (c *Client) stream(ctx context.Context, handler EventHandler) (bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	path := c.baseURL + "/v1/stream"
	c.mu.Lock()
	if c.connID != "" {
		path += "?connection_id=" + url.QueryEscape(c.connID)
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, path, nil)
	if err != nil {
		return false, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		// The session expired server-side; start over with a fresh one.
		c.mu.Lock()
		c.connID = ""
		c.mu.Unlock()
		return false, fmt.Errorf("session not resumable")
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream status %d", resp.StatusCode)
	}
	connected := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		frame, err := protocol.DecodeServerFrame([]byte(strings.TrimPrefix(line, "data:")))
		if err != nil {
			slog.Debug("skipping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case protocol.TypeConnected:
			connected = true
			resumed := c.onConnected(streamCtx, frame.ConnID)
			if !resumed {
				c.resubscribeAll(streamCtx)
			}
			go c.heartbeatLoop(streamCtx, frame.ConnID)

		case protocol.TypeEvent:
			if frame.Event == nil {
				continue
			}
			if err := handler(frame.Event); err != nil {
				slog.Warn("event handler failed", "event_id", frame.Event.ID, "error", err)
				continue
			}
			if frame.AckRequired {
				if err := c.Ack(streamCtx, frame.Event.ID); err != nil {
					slog.Warn("ack failed", "event_id", frame.Event.ID, "error", err)
				}
			}

		case protocol.TypeBackpressure:
			if c.opts.OnBackpressure != nil {
				c.opts.OnBackpressure(time.Duration(frame.RetryAfterMs) * time.Millisecond)
			}

		case protocol.TypeAuthExpiring:
			slog.Warn("credential expiring", "seconds_left", frame.SecondsLeft)

		case protocol.TypeAuthExpired:
			c.mu.Lock()
			c.connID = ""
			c.mu.Unlock()
			return connected, ErrCredentialExpired
		}
	}
	if err := scanner.Err(); err != nil {
		return connected, fmt.Errorf("read stream: %w", err)
	}
	return connected, fmt.Errorf("stream closed")
}

// onConnected records the session id. Reports whether the previous session
// was resumed (same id), in which case the gateway kept our subscriptions.
func (c *Client) onConnected(ctx context.Context, connID string) bool {
	c.mu.Lock()
	resumed := c.connID == connID && connID != ""
	c.connID = connID
	c.mu.Unlock()
	return resumed
}

// resubscribeAll replays every tracked pattern onto the new session.
func (c *Client) resubscribeAll(ctx context.Context) {
	c.mu.Lock()
	connID := c.connID
	patterns := make([]string, 0, len(c.patterns))
	for p := range c.patterns {
		patterns = append(patterns, p)
	}
	c.mu.Unlock()

	for _, p := range patterns {
		err := c.sendFrame(ctx, connID, &protocol.ClientFrame{Type: protocol.TypeSubscribe, Pattern: p})
		if err != nil {
			slog.Warn("resubscribe failed", "pattern", p, "error", err)
		}
	}
}

// heartbeatLoop pings the session until the stream context ends.
func (c *Client) heartbeatLoop(ctx context.Context, connID string) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendFrame(ctx, connID, &protocol.ClientFrame{Type: protocol.TypePing}); err != nil {
				slog.Debug("heartbeat failed", "conn_id", connID, "error", err)
			}
		}
	}
}
