// Package router consumes the durable event log and fans each event out to
// authorized subscribers. Events sharing an actor are routed strictly in log
// order through a per-actor sequencer; distinct actors proceed concurrently.
// An unauthorized subscriber is skipped silently.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/delivery"
	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/registry"
	"github.com/carelinkhq/eventgate/internal/stream"
)

// sequencerBuffer bounds each actor's in-flight queue. The consume handler
// blocks when a partition falls this far behind, which preserves order.
const sequencerBuffer = 256

// ConnectionSource resolves a connection ID to its live sender. A missing
// sender means the connection dropped after matching; the event stays in the
// fallback store.
type ConnectionSource interface {
	Sender(connID string) (delivery.Sender, bool)
}

// EventAppender is the slice of the store the router buffers events into.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev *model.Event) (int64, error)
}

// Router fans consumed events out to matched, authorized connections.
type Router struct {
	log     stream.Log
	reg     *registry.Registry
	gate    *authz.Gate
	tracker *delivery.Tracker
	buffer  EventAppender
	conns   ConnectionSource

	mu         sync.Mutex
	stopping   bool
	sequencers map[string]chan *model.Event
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     func()
	stop       func()
}

// New wires the router. Every collaborator is required except conns, which
// may be set later with SetConnectionSource to break the construction cycle
// with the connection manager.
func New(log stream.Log, reg *registry.Registry, gate *authz.Gate, tracker *delivery.Tracker, buffer EventAppender) *Router {
	return &Router{
		log:        log,
		reg:        reg,
		gate:       gate,
		tracker:    tracker,
		buffer:     buffer,
		sequencers: make(map[string]chan *model.Event),
	}
}

// SetConnectionSource installs the sender lookup. Must be called before Start.
func (r *Router) SetConnectionSource(cs ConnectionSource) {
	r.conns = cs
}

// Start begins consuming the log. It returns once the subscription is
// established; routing continues until Stop or ctx cancellation.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = false
	r.mu.Unlock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	cancel, err := r.log.Consume(r.ctx, r.enqueue)
	if err != nil {
		r.cancel()
		return err
	}
	r.stop = cancel
	return nil
}

// Stop halts consumption and ends the sequencers. Events still queued on a
// partition are dropped; they were buffered at ingest and stay pollable.
func (r *Router) Stop() {
	if r.stop != nil {
		r.stop()
	}
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.mu.Lock()
	r.sequencers = make(map[string]chan *model.Event)
	r.mu.Unlock()
}

// enqueue hands the event to its actor's sequencer, creating one on first
// sight of the actor. Sequencer channels are never closed; shutdown is
// signalled through the router context so a consume handler still in flight
// cannot send on a closed channel.
func (r *Router) enqueue(ev *model.Event) {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return
	}
	ch, ok := r.sequencers[ev.ActorID]
	if !ok {
		ch = make(chan *model.Event, sequencerBuffer)
		r.sequencers[ev.ActorID] = ch
		r.wg.Add(1)
		go r.runSequencer(ch)
	}
	r.mu.Unlock()
	select {
	case ch <- ev:
	case <-r.ctx.Done():
	}
}

func (r *Router) runSequencer(ch <-chan *model.Event) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-ch:
			r.route(r.ctx, ev)
		}
	}
}

// route buffers the event for polling, then dispatches it to every matched
// subscriber that clears the authorization gate.
func (r *Router) route(ctx context.Context, ev *model.Event) {
	if r.buffer != nil {
		if _, err := r.buffer.AppendEvent(ctx, ev); err != nil {
			// Push delivery still proceeds; only the poll path loses this
			// event until the store recovers.
			slog.Error("failed to buffer event",
				"event_id", ev.ID,
				"channel", ev.Channel,
				"error", err)
		}
	}

	for _, sub := range r.reg.Match(ev.Channel) {
		filtered := r.gate.FilterEvent(ctx, ev, sub.Identity)
		if filtered == nil {
			continue
		}
		sender, ok := r.conns.Sender(sub.ConnID)
		if !ok {
			continue
		}
		if err := r.tracker.Dispatch(filtered, sender); err != nil {
			slog.Debug("dispatch failed",
				"event_id", ev.ID,
				"conn_id", sub.ConnID,
				"error", err)
		}
	}
}
