package ingress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carelinkhq/eventgate/internal/audit"
	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/store"
	"github.com/carelinkhq/eventgate/internal/stream"
)

// failingLog rejects every append.
type failingLog struct {
	stream.Log
}

func (failingLog) Append(context.Context, *model.Event) error {
	return errors.New("log unavailable")
}

func testSchemas() *model.SchemaRegistry {
	reg := model.NewSchemaRegistry()
	reg.Register(model.EventSchema{Type: "coverage.updated", Required: []string{"plan_id"}})
	return reg
}

func testIdentity(subject string) *authz.Identity {
	return &authz.Identity{
		Subject:   subject,
		ActorType: model.ActorMember,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func validEvent(id, actorID string) *model.Event {
	return &model.Event{
		ID:          id,
		Channel:     "member." + actorID + ".coverage.updated",
		Type:        "coverage.updated",
		Payload:     map[string]any{"plan_id": "p-1"},
		Criticality: model.CriticalityCritical,
		Visibility:  model.VisibilityOwnerOnly,
		ActorID:     actorID,
		CreatedAt:   time.Now().UTC(),
	}
}

func newPublisher(t *testing.T, rel authz.RelationshipChecker, log stream.Log) (*Publisher, *store.MemoryStore) {
	t.Helper()
	gate := authz.NewGate(rel, authz.DefaultPolicy(), audit.NewMemorySink(), nil)
	st := store.NewMemoryStore()
	return NewPublisher(gate, testSchemas(), st, log, 24*time.Hour, nil), st
}

func TestPublishBatchAcksValidEvents(t *testing.T) {
	log := stream.NewMemoryLog()
	p, _ := newPublisher(t, authz.NewStaticChecker(), log)

	acked := p.PublishBatch(context.Background(), testIdentity("m-1"),
		[]*model.Event{validEvent("ev-1", "m-1"), validEvent("ev-2", "m-1")})

	if len(acked) != 2 {
		t.Fatalf("acked = %v, want both", acked)
	}
	if got := log.Appended(); len(got) != 2 {
		t.Fatalf("enqueued %d events, want 2", len(got))
	}
}

func TestMalformedAndStaleOmitted(t *testing.T) {
	log := stream.NewMemoryLog()
	p, _ := newPublisher(t, authz.NewStaticChecker(), log)

	missingField := validEvent("ev-1", "m-1")
	delete(missingField.Payload, "plan_id")

	unknownType := validEvent("ev-2", "m-1")
	unknownType.Type = "made.up"

	stale := validEvent("ev-3", "m-1")
	stale.CreatedAt = time.Now().Add(-48 * time.Hour)

	ok := validEvent("ev-4", "m-1")

	acked := p.PublishBatch(context.Background(), testIdentity("m-1"),
		[]*model.Event{missingField, unknownType, stale, ok})

	if len(acked) != 1 || acked[0] != "ev-4" {
		t.Fatalf("acked = %v, want [ev-4]", acked)
	}
}

func TestPublishOnBehalfRequiresGrant(t *testing.T) {
	rel := authz.NewStaticChecker()
	log := stream.NewMemoryLog()
	p, _ := newPublisher(t, rel, log)

	// cg-1 publishing for m-1 without a grant: silently omitted.
	acked := p.PublishBatch(context.Background(), testIdentity("cg-1"),
		[]*model.Event{validEvent("ev-1", "m-1")})
	if len(acked) != 0 {
		t.Fatalf("acked = %v without grant", acked)
	}

	rel.Grant("cg-1", "m-1", authz.PermPublishOnBehalf)
	acked = p.PublishBatch(context.Background(), testIdentity("cg-1"),
		[]*model.Event{validEvent("ev-2", "m-1")})
	if len(acked) != 1 {
		t.Fatalf("acked = %v with grant, want one", acked)
	}
}

func TestDuplicateAckedWithoutReenqueue(t *testing.T) {
	log := stream.NewMemoryLog()
	p, _ := newPublisher(t, authz.NewStaticChecker(), log)
	ident := testIdentity("m-1")

	ev := validEvent("ev-1", "m-1")
	if acked := p.PublishBatch(context.Background(), ident, []*model.Event{ev}); len(acked) != 1 {
		t.Fatalf("first publish not acked: %v", acked)
	}
	if acked := p.PublishBatch(context.Background(), ident, []*model.Event{ev}); len(acked) != 1 {
		t.Fatalf("retry not acked: %v", acked)
	}
	if got := log.Appended(); len(got) != 1 {
		t.Fatalf("duplicate was re-enqueued: %d appends", len(got))
	}
}

func TestEnqueueFailureFailsClosed(t *testing.T) {
	p, st := newPublisher(t, authz.NewStaticChecker(), failingLog{})
	ident := testIdentity("m-1")

	acked := p.PublishBatch(context.Background(), ident, []*model.Event{validEvent("ev-1", "m-1")})
	if len(acked) != 0 {
		t.Fatalf("acked = %v despite enqueue failure", acked)
	}

	// The dedup record was rolled back, so a retry against a healthy log
	// goes through.
	healthy := NewPublisher(
		authz.NewGate(authz.NewStaticChecker(), authz.DefaultPolicy(), audit.NewMemorySink(), nil),
		testSchemas(), st, stream.NewMemoryLog(), 24*time.Hour, nil)
	acked = healthy.PublishBatch(context.Background(), ident, []*model.Event{validEvent("ev-1", "m-1")})
	if len(acked) != 1 {
		t.Fatalf("retry after rollback not acked: %v", acked)
	}
}

func TestExpiredTokenOmitsEverything(t *testing.T) {
	log := stream.NewMemoryLog()
	p, _ := newPublisher(t, authz.NewStaticChecker(), log)

	ident := testIdentity("m-1")
	ident.ExpiresAt = time.Now().Add(-time.Minute)

	acked := p.PublishBatch(context.Background(), ident, []*model.Event{validEvent("ev-1", "m-1")})
	if len(acked) != 0 {
		t.Fatalf("acked = %v with expired token", acked)
	}
}
