// Package poller serves the pull-based fallback path. A client that cannot
// hold a live connection polls the event buffer by cursor; every event passes
// the same authorization gate as push delivery, so the two paths can never
// disagree about what a subject may see. Filtered-out events still advance
// the cursor, which keeps a denial indistinguishable from absence.
package poller

import (
	"context"

	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/store"
)

// DefaultLimit bounds how many buffer rows one poll scans.
const DefaultLimit = 100

// EventSource is the slice of the store the poller reads.
type EventSource interface {
	EventsSince(ctx context.Context, cursor int64, limit int) ([]store.BufferedEvent, error)
}

// Result is one page of polled events.
type Result struct {
	Events     []*model.Event `json:"events"`
	NextCursor int64          `json:"next_cursor"`
}

// Poller reads the fallback buffer through the authorization gate.
type Poller struct {
	src  EventSource
	gate *authz.Gate
}

func New(src EventSource, gate *authz.Gate) *Poller {
	return &Poller{src: src, gate: gate}
}

// Poll returns the events after cursor that the identity is authorized to
// see, optionally narrowed to a channel pattern. The pattern is authorized
// like a subscription; an unauthorized pattern yields an empty page rather
// than an error.
func (p *Poller) Poll(ctx context.Context, ident *authz.Identity, pattern string, cursor int64, limit int) (*Result, error) {
	if limit <= 0 || limit > DefaultLimit {
		limit = DefaultLimit
	}

	res := &Result{NextCursor: cursor}

	if pattern != "" {
		if err := p.gate.CheckSubscribe(ctx, ident, pattern); err != nil {
			return res, nil
		}
	}

	buffered, err := p.src.EventsSince(ctx, cursor, limit)
	if err != nil {
		return nil, err
	}

	for _, be := range buffered {
		res.NextCursor = be.Cursor
		if pattern != "" && !model.MatchChannel(pattern, be.Event.Channel) {
			continue
		}
		if ev := p.gate.FilterEvent(ctx, be.Event, ident); ev != nil {
			res.Events = append(res.Events, ev)
		}
	}
	return res, nil
}
