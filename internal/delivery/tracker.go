// Package delivery tracks critical events from dispatch to acknowledgment.
// Every critical delivery stays pending until the client acks it, the retry
// budget runs out, or the connection goes away. Best-effort events pass
// through without tracking.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/carelinkhq/eventgate/internal/audit"
	"github.com/carelinkhq/eventgate/internal/metrics"
	"github.com/carelinkhq/eventgate/internal/model"
)

// Sender is a live connection the tracker can push frames to.
type Sender interface {
	ID() string
	Send(ev *model.Event) error
}

// Options tune the tracker. Zero values fall back to the defaults below.
type Options struct {
	AckDeadline   time.Duration // first-attempt ack deadline
	MaxDeadline   time.Duration // ceiling for backed-off deadlines
	MaxRetries    int
	BackoffBase   time.Duration
	SweepInterval time.Duration

	// Backpressure thresholds on outstanding critical deliveries.
	GlobalLimit  int
	PerConnLimit int

	// OnBackpressure fires when a dispatch pushes a connection (or the
	// gateway as a whole) over its threshold.
	OnBackpressure func(connID string)

	Now func() time.Time
}

const (
	defaultAckDeadline   = 5 * time.Second
	defaultMaxDeadline   = 30 * time.Second
	defaultMaxRetries    = 3
	defaultBackoffBase   = time.Second
	defaultSweepInterval = time.Second
	defaultGlobalLimit   = 1000
	defaultPerConnLimit  = 100
)

type pending struct {
	event    *model.Event
	sender   Sender
	attempts int
	deadline time.Time
}

// Tracker owns the pending-delivery table and its retry sweep.
type Tracker struct {
	opts Options
	sink audit.Sink
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*pending            // eventID|connID
	perConn map[string]map[string]struct{} // connID -> entry keys
}

// NewTracker builds a tracker that audits terminal failures to sink.
func NewTracker(sink audit.Sink, opts Options) *Tracker {
	if opts.AckDeadline <= 0 {
		opts.AckDeadline = defaultAckDeadline
	}
	if opts.MaxDeadline <= 0 {
		opts.MaxDeadline = defaultMaxDeadline
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.GlobalLimit <= 0 {
		opts.GlobalLimit = defaultGlobalLimit
	}
	if opts.PerConnLimit <= 0 {
		opts.PerConnLimit = defaultPerConnLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		opts:    opts,
		sink:    sink,
		now:     now,
		entries: make(map[string]*pending),
		perConn: make(map[string]map[string]struct{}),
	}
}

// SetBackpressureHandler installs the threshold callback after construction,
// breaking the cycle with the connection manager. Call before dispatching.
func (t *Tracker) SetBackpressureHandler(fn func(connID string)) {
	t.opts.OnBackpressure = fn
}

func key(eventID, connID string) string {
	return eventID + "|" + connID
}

// Dispatch pushes ev to the sender and, for critical events, registers a
// pending delivery with an ack deadline. A send failure on a critical event
// still registers the entry; the sweep will retry it.
func (t *Tracker) Dispatch(ev *model.Event, s Sender) error {
	metrics.DeliveriesTotal.WithLabelValues(string(ev.Criticality)).Inc()

	err := s.Send(ev)
	if !ev.AckRequired() {
		return err
	}

	t.mu.Lock()
	k := key(ev.ID, s.ID())
	if _, exists := t.entries[k]; !exists {
		t.entries[k] = &pending{
			event:    ev,
			sender:   s,
			deadline: t.now().Add(t.opts.AckDeadline),
		}
		conns := t.perConn[s.ID()]
		if conns == nil {
			conns = make(map[string]struct{})
			t.perConn[s.ID()] = conns
		}
		conns[k] = struct{}{}
		metrics.PendingDeliveries.Inc()
	}
	overloaded := len(t.entries) > t.opts.GlobalLimit ||
		len(t.perConn[s.ID()]) > t.opts.PerConnLimit
	t.mu.Unlock()

	if overloaded {
		metrics.BackpressureTotal.Inc()
		if t.opts.OnBackpressure != nil {
			t.opts.OnBackpressure(s.ID())
		}
	}
	return err
}

// Ack clears the pending delivery for (eventID, connID) and audits the
// terminal outcome. Unknown acks are ignored; a late ack after retry
// exhaustion is not an error.
func (t *Tracker) Ack(ctx context.Context, eventID, connID string) {
	t.mu.Lock()
	k := key(eventID, connID)
	p, ok := t.entries[k]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.remove(k, connID)
	t.mu.Unlock()

	metrics.AcksTotal.Inc()
	if t.sink != nil {
		t.sink.Record(ctx, &model.AuthDecision{
			Subject:    connID,
			Resource:   p.event.Channel,
			Permission: "deliver",
			Outcome:    model.OutcomeAllow,
			Reason:     "delivery acknowledged",
			At:         t.now(),
		})
	}
}

// CancelConnection drops every pending delivery addressed to connID. Called
// when a connection closes so no entry outlives its connection; the events
// remain retrievable through the fallback store.
func (t *Tracker) CancelConnection(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.perConn[connID] {
		t.remove(k, connID)
	}
}

// Outstanding reports the global and per-connection pending counts.
func (t *Tracker) Outstanding(connID string) (global, conn int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries), len(t.perConn[connID])
}

// Overloaded reports whether new dispatches toward connID should trigger a
// backpressure signal.
func (t *Tracker) Overloaded(connID string) bool {
	global, conn := t.Outstanding(connID)
	return global >= t.opts.GlobalLimit || conn >= t.opts.PerConnLimit
}

// remove must be called with t.mu held.
func (t *Tracker) remove(k, connID string) {
	delete(t.entries, k)
	metrics.PendingDeliveries.Dec()
	conns := t.perConn[connID]
	delete(conns, k)
	if len(conns) == 0 {
		delete(t.perConn, connID)
	}
}

// Run sweeps for missed deadlines until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// sweep retries every entry past its deadline. Entries that exhaust the
// retry budget are dropped with a terminal audit record; the event is
// already in the fallback store and stays available to polling.
func (t *Tracker) sweep(ctx context.Context) {
	now := t.now()

	t.mu.Lock()
	var retries []*pending
	var exhausted []*pending
	for k, p := range t.entries {
		if now.Before(p.deadline) {
			continue
		}
		p.attempts++
		if p.attempts > t.opts.MaxRetries {
			exhausted = append(exhausted, p)
			t.remove(k, p.sender.ID())
			continue
		}
		p.deadline = now.Add(t.deadlineFor(p.attempts))
		retries = append(retries, p)
	}
	t.mu.Unlock()

	for _, p := range retries {
		metrics.RetriesTotal.Inc()
		if err := p.sender.Send(p.event); err != nil {
			slog.Debug("redelivery failed",
				"event_id", p.event.ID,
				"conn_id", p.sender.ID(),
				"attempt", p.attempts,
				"error", err)
		}
	}
	for _, p := range exhausted {
		metrics.FallbackTotal.Inc()
		slog.Warn("delivery retries exhausted",
			"event_id", p.event.ID,
			"conn_id", p.sender.ID(),
			"channel", p.event.Channel)
		if t.sink != nil {
			t.sink.Record(ctx, &model.AuthDecision{
				Subject:    p.sender.ID(),
				Resource:   p.event.Channel,
				Permission: "deliver",
				Outcome:    model.OutcomeDeny,
				Reason:     "acknowledgment retries exhausted",
				At:         now,
			})
		}
	}
}

// deadlineFor grows the ack deadline exponentially with each retry, capped
// at the configured ceiling.
func (t *Tracker) deadlineFor(attempt int) time.Duration {
	d := t.opts.AckDeadline + t.opts.BackoffBase*(1<<(attempt-1))
	if d > t.opts.MaxDeadline {
		return t.opts.MaxDeadline
	}
	return d
}
