// Package store defines the durable persistence interface behind the
// gateway: the dedup window, the fallback event buffer served by the poll
// endpoint, and the append-only audit trail.
package store

import (
	"context"
	"time"

	"github.com/carelinkhq/eventgate/internal/model"
)

// BufferedEvent pairs an event with its buffer cursor.
type BufferedEvent struct {
	Cursor int64
	Event  *model.Event
}

// Store is the persistence interface for the gateway.
type Store interface {
	// Dedup window. MarkSeen records the client-supplied event id and
	// reports whether this is the first sighting. Expired records are
	// removed by periodic PruneDedup calls, giving a sliding window.
	MarkSeen(ctx context.Context, eventID string, seenAt time.Time) (firstSeen bool, err error)
	PruneDedup(ctx context.Context, before time.Time) (int64, error)

	// ForgetSeen rolls back a MarkSeen when the subsequent enqueue fails, so
	// the client's retry is not misread as a duplicate.
	ForgetSeen(ctx context.Context, eventID string) error

	// Fallback event buffer, cursor-ordered. Every routed event is appended
	// once so the poll path sees the same set as the push path.
	AppendEvent(ctx context.Context, ev *model.Event) (cursor int64, err error)
	EventsSince(ctx context.Context, cursor int64, limit int) ([]BufferedEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Audit trail, append-only.
	RecordDecision(ctx context.Context, d *model.AuthDecision) error
	DecisionsSince(ctx context.Context, since time.Time, limit int) ([]*model.AuthDecision, error)

	Close() error
}
