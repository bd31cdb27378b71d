// Package archive periodically exports the audit trail to long-term
// storage as JSONL. Compliance review happens against the archived copies;
// the gateway's own store keeps only the recent window.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/carelinkhq/eventgate/internal/model"
)

// Destination is a sink for an exported JSONL batch (S3 or similar).
type Destination interface {
	Write(ctx context.Context, data []byte) error
}

// DecisionSource is the slice of the store the exporter reads.
type DecisionSource interface {
	DecisionsSince(ctx context.Context, since time.Time, limit int) ([]*model.AuthDecision, error)
}

// exportBatchLimit bounds one export pass.
const exportBatchLimit = 10000

// ExportJSONL writes every decision recorded at or after since as one JSON
// object per line. Returns the number of exported records.
func ExportJSONL(ctx context.Context, src DecisionSource, since time.Time, w io.Writer) (int, error) {
	decisions, err := src.DecisionsSince(ctx, since, exportBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("load decisions: %w", err)
	}
	enc := json.NewEncoder(w)
	for _, d := range decisions {
		if err := enc.Encode(d); err != nil {
			return 0, fmt.Errorf("encode decision: %w", err)
		}
	}
	return len(decisions), nil
}

// Scheduler runs periodic exports to one or more destinations.
type Scheduler struct {
	src          DecisionSource
	destinations []Destination
	interval     time.Duration
	now          func() time.Time

	mu         sync.Mutex
	lastExport time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler exporting from src at the given interval.
func NewScheduler(src DecisionSource, destinations []Destination, interval time.Duration, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		src:          src,
		destinations: destinations,
		interval:     interval,
		now:          now,
	}
}

// Start begins periodic export. It runs an initial export immediately, then
// on each tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for any in-flight export.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.exportOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.exportOnce(ctx)
		}
	}
}

// exportOnce exports everything since the last successful pass. The
// high-water mark only advances when every destination accepted the batch,
// so a failed upload is retried with the next pass.
func (s *Scheduler) exportOnce(ctx context.Context) {
	start := s.now()

	s.mu.Lock()
	since := s.lastExport
	s.mu.Unlock()

	var buf bytes.Buffer
	n, err := ExportJSONL(ctx, s.src, since, &buf)
	if err != nil {
		slog.Error("archive export failed", "error", err)
		return
	}
	if n == 0 {
		return
	}

	ok := true
	for i, dest := range s.destinations {
		if err := dest.Write(ctx, buf.Bytes()); err != nil {
			slog.Error("archive destination write failed", "destination", i, "error", err)
			ok = false
		}
	}
	if ok {
		s.mu.Lock()
		s.lastExport = start
		s.mu.Unlock()
		slog.Info("archived audit decisions", "count", n)
	}
}
