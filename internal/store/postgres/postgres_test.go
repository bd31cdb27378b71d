package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/carelinkhq/eventgate/internal/model"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

// eventRowColumns is the column list for queryEventsSince results.
var eventRowColumns = []string{
	"cursor", "event_id", "channel", "event_type", "actor_id",
	"criticality", "visibility", "sensitivity", "redact_fields", "payload", "created_at",
}

func TestMarkSeen_FirstSighting(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	now := time.Now().UTC()
	mock.ExpectExec("INSERT INTO dedup_records").
		WithArgs("ev-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	first, err := s.MarkSeen(context.Background(), "ev-1", now)
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if !first {
		t.Error("expected first sighting")
	}
}

func TestMarkSeen_Duplicate(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	now := time.Now().UTC()
	mock.ExpectExec("INSERT INTO dedup_records").
		WithArgs("ev-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.MarkSeen(context.Background(), "ev-1", now)
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if first {
		t.Error("conflict should not count as first sighting")
	}
}

func TestPruneDedup(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec("DELETE FROM dedup_records WHERE seen_at").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	removed, err := s.PruneDedup(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneDedup: %v", err)
	}
	if removed != 7 {
		t.Errorf("removed = %d, want 7", removed)
	}
}

func TestAppendEvent(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	now := time.Now().UTC()
	ev := &model.Event{
		ID:          "ev-1",
		Channel:     "member.m-1.coverage.updated",
		Type:        "coverage.updated",
		ActorID:     "m-1",
		Criticality: model.CriticalityCritical,
		Visibility:  model.VisibilityOwnerOnly,
		Payload:     map[string]any{"plan_id": "p-1"},
		CreatedAt:   now,
	}

	mock.ExpectQuery("INSERT INTO event_buffer").
		WillReturnRows(sqlmock.NewRows([]string{"cursor"}).AddRow(int64(42)))

	cursor, err := s.AppendEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if cursor != 42 {
		t.Errorf("cursor = %d, want 42", cursor)
	}
}

func TestEventsSince(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(eventRowColumns).
		AddRow(int64(5), "ev-1", "member.m-1.coverage.updated", "coverage.updated", "m-1",
			"critical", "owner_only", "high", []byte(`["diagnosis"]`), []byte(`{"plan_id":"p-1"}`), now).
		AddRow(int64(6), "ev-2", "member.m-1.claims.decided", "claim.decided", "m-1",
			"best_effort", "public", nil, nil, nil, now)

	mock.ExpectQuery("SELECT (.+) FROM event_buffer WHERE cursor").
		WithArgs(int64(4), 100).
		WillReturnRows(rows)

	got, err := s.EventsSince(context.Background(), 4, 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Cursor != 5 || got[0].Event.ID != "ev-1" {
		t.Errorf("first = %+v, want cursor 5 / ev-1", got[0])
	}
	if got[0].Event.Payload["plan_id"] != "p-1" {
		t.Error("payload not decoded")
	}
	if len(got[0].Event.RedactFields) != 1 || got[0].Event.RedactFields[0] != "diagnosis" {
		t.Errorf("redact fields = %v", got[0].Event.RedactFields)
	}
	if got[1].Event.Sensitivity != "" {
		t.Errorf("nil sensitivity decoded as %q", got[1].Event.Sensitivity)
	}
}

func TestRecordDecision(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	now := time.Now().UTC()
	d := &model.AuthDecision{
		Subject:    "cg-1",
		ActorType:  model.ActorCaregiver,
		Resource:   "member.m-1.coverage.updated",
		Permission: "view",
		Outcome:    model.OutcomeDeny,
		Reason:     "no qualifying relationship",
		At:         now,
	}

	mock.ExpectExec("INSERT INTO audit_decisions").
		WithArgs("cg-1", "caregiver", "member.m-1.coverage.updated", "view", "deny", "no qualifying relationship", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.RecordDecision(context.Background(), d); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
}

func TestDecisionsSince(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewWithDB(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"subject", "actor_type", "resource", "permission", "outcome", "reason", "decided_at"}).
		AddRow("m-1", "member", "member.m-1.coverage", "subscribe", "allow", "self", now)

	mock.ExpectQuery("SELECT (.+) FROM audit_decisions WHERE decided_at").
		WithArgs(now.Add(-time.Hour), 1000).
		WillReturnRows(rows)

	got, err := s.DecisionsSince(context.Background(), now.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("DecisionsSince: %v", err)
	}
	if len(got) != 1 || got[0].Subject != "m-1" || got[0].Outcome != model.OutcomeAllow {
		t.Errorf("got %+v", got)
	}
}
