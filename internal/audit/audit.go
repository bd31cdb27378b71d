// Package audit fans authorization decisions and terminal delivery outcomes
// out to append-only sinks. Recording is best-effort: a failing sink is
// logged, never surfaced to the caller.
package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/carelinkhq/eventgate/internal/model"
)

// Sink receives append-only audit records.
type Sink interface {
	Record(ctx context.Context, d *model.AuthDecision) error
}

// DecisionRecorder is the slice of the store the StoreSink needs.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d *model.AuthDecision) error
}

// StoreSink persists decisions to the durable store.
type StoreSink struct {
	store DecisionRecorder
}

// NewStoreSink wraps a store as an audit sink.
func NewStoreSink(s DecisionRecorder) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Record(ctx context.Context, d *model.AuthDecision) error {
	return s.store.RecordDecision(ctx, d)
}

// MultiSink records to every sink, logging individual failures.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks. A nil or empty list is valid and drops records.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Record(ctx context.Context, d *model.AuthDecision) error {
	for _, s := range m.sinks {
		if err := s.Record(ctx, d); err != nil {
			slog.Warn("audit sink record failed",
				"subject", d.Subject,
				"resource", d.Resource,
				"error", err)
		}
	}
	return nil
}

// MemorySink keeps decisions in memory, for tests and single-node dev mode.
type MemorySink struct {
	mu        sync.Mutex
	decisions []*model.AuthDecision
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(_ context.Context, d *model.AuthDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

// Decisions returns a snapshot of everything recorded so far.
func (m *MemorySink) Decisions() []*model.AuthDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.AuthDecision, len(m.decisions))
	copy(out, m.decisions)
	return out
}
