// Package ingress accepts client-published event batches. Each event is
// validated, authorized, deduplicated, and enqueued to the durable log; the
// batch acknowledgment lists only the accepted or already-seen event ids.
// A rejected event is simply omitted, so a client cannot distinguish a
// permission denial from a validation failure. Any downstream error fails
// closed: the event is not acked and the client retries.
package ingress

import (
	"context"
	"log/slog"
	"time"

	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/metrics"
	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/stream"
)

// Dedup is the slice of the store the publisher needs for the sliding
// dedup window.
type Dedup interface {
	MarkSeen(ctx context.Context, eventID string, seenAt time.Time) (bool, error)
	ForgetSeen(ctx context.Context, eventID string) error
}

// Publisher is the ingress boundary for client-originated events.
type Publisher struct {
	gate      *authz.Gate
	schemas   *model.SchemaRegistry
	dedup     Dedup
	log       stream.Log
	freshness time.Duration
	now       func() time.Time
}

// NewPublisher builds the ingress publisher. A non-positive freshness window
// disables the staleness check.
func NewPublisher(gate *authz.Gate, schemas *model.SchemaRegistry, dedup Dedup, log stream.Log, freshness time.Duration, now func() time.Time) *Publisher {
	if now == nil {
		now = time.Now
	}
	return &Publisher{
		gate:      gate,
		schemas:   schemas,
		dedup:     dedup,
		log:       log,
		freshness: freshness,
		now:       now,
	}
}

// PublishBatch processes the batch and returns the acknowledged event ids.
// Duplicates within the dedup window are acknowledged without re-enqueueing,
// which makes client retries idempotent.
func (p *Publisher) PublishBatch(ctx context.Context, ident *authz.Identity, events []*model.Event) []string {
	acked := make([]string, 0, len(events))
	for _, ev := range events {
		if p.accept(ctx, ident, ev) {
			acked = append(acked, ev.ID)
		}
	}
	return acked
}

func (p *Publisher) accept(ctx context.Context, ident *authz.Identity, ev *model.Event) bool {
	now := p.now()

	if err := p.schemas.ValidateEvent(ev); err != nil {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		slog.Debug("rejected malformed event",
			"subject", ident.Subject,
			"event_id", ev.ID,
			"error", err)
		return false
	}
	if model.Stale(ev, now, p.freshness) {
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		slog.Debug("rejected stale event",
			"subject", ident.Subject,
			"event_id", ev.ID,
			"created_at", ev.CreatedAt)
		return false
	}

	if err := p.gate.CheckPublish(ctx, ident, ev); err != nil {
		// The gate already audited the denial; the event just disappears
		// from the ack list.
		metrics.IngressEventsTotal.WithLabelValues("rejected").Inc()
		return false
	}

	first, err := p.dedup.MarkSeen(ctx, ev.ID, now)
	if err != nil {
		metrics.IngressEventsTotal.WithLabelValues("error").Inc()
		slog.Error("dedup check failed",
			"event_id", ev.ID,
			"error", err)
		return false
	}
	if !first {
		metrics.IngressEventsTotal.WithLabelValues("duplicate").Inc()
		return true
	}

	if err := p.log.Append(ctx, ev); err != nil {
		metrics.IngressEventsTotal.WithLabelValues("error").Inc()
		slog.Error("enqueue failed",
			"event_id", ev.ID,
			"channel", ev.Channel,
			"error", err)
		// Roll the dedup record back so the retry is not swallowed as a
		// duplicate.
		if ferr := p.dedup.ForgetSeen(ctx, ev.ID); ferr != nil {
			slog.Error("dedup rollback failed", "event_id", ev.ID, "error", ferr)
		}
		return false
	}

	metrics.IngressEventsTotal.WithLabelValues("enqueued").Inc()
	return true
}
