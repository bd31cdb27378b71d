package store

import (
	"context"
	"testing"
	"time"

	"github.com/carelinkhq/eventgate/internal/model"
)

func TestMemoryStore_DedupWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := s.MarkSeen(ctx, "ev-1", now)
	if err != nil || !first {
		t.Fatalf("first MarkSeen = %v, %v", first, err)
	}
	second, err := s.MarkSeen(ctx, "ev-1", now)
	if err != nil || second {
		t.Fatalf("second MarkSeen = %v, %v; want duplicate", second, err)
	}

	removed, err := s.PruneDedup(ctx, now.Add(time.Minute))
	if err != nil || removed != 1 {
		t.Fatalf("PruneDedup = %d, %v; want 1", removed, err)
	}

	// After pruning, the id counts as new again.
	first, err = s.MarkSeen(ctx, "ev-1", now.Add(25*time.Hour))
	if err != nil || !first {
		t.Fatalf("post-prune MarkSeen = %v, %v", first, err)
	}
}

func TestMemoryStore_EventBufferCursors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		cursor, err := s.AppendEvent(ctx, &model.Event{ID: id, CreatedAt: now})
		if err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
		if cursor != int64(i+1) {
			t.Errorf("cursor = %d, want %d", cursor, i+1)
		}
	}

	got, err := s.EventsSince(ctx, 1, 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(got) != 2 || got[0].Event.ID != "ev-2" || got[1].Event.ID != "ev-3" {
		t.Fatalf("EventsSince = %+v, want ev-2 and ev-3", got)
	}

	limited, err := s.EventsSince(ctx, 0, 1)
	if err != nil || len(limited) != 1 || limited[0].Event.ID != "ev-1" {
		t.Fatalf("limited EventsSince = %+v, %v", limited, err)
	}
}

func TestMemoryStore_Decisions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	s.RecordDecision(ctx, &model.AuthDecision{Subject: "m-1", At: now.Add(-2 * time.Hour)})
	s.RecordDecision(ctx, &model.AuthDecision{Subject: "m-2", At: now})

	got, err := s.DecisionsSince(ctx, now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("DecisionsSince: %v", err)
	}
	if len(got) != 1 || got[0].Subject != "m-2" {
		t.Fatalf("got %+v, want only m-2", got)
	}
}
