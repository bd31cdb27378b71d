// Package stream abstracts the durable, actor-partitioned event log. The
// ingress publisher appends to it; the router consumes it. Per-actor order
// is preserved end to end: each event is appended to the subject for its
// actor partition and consumed through a single ordered subscription.
package stream

import (
	"context"

	"github.com/carelinkhq/eventgate/internal/model"
)

// PartitionSubject returns the log subject for an actor's partition.
func PartitionSubject(actorID string) string {
	return "events." + actorID
}

// Handler receives consumed events. Calls for one actor partition arrive in
// append order; different partitions may interleave.
type Handler func(ev *model.Event)

// Log is the durable event log.
type Log interface {
	// Append durably enqueues the event to its actor's partition.
	Append(ctx context.Context, ev *model.Event) error

	// Consume delivers every appended event to the handler until the
	// returned cancel function is called.
	Consume(ctx context.Context, h Handler) (cancel func(), err error)

	Close() error
}
