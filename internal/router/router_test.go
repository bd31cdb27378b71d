package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carelinkhq/eventgate/internal/audit"
	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/delivery"
	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/registry"
	"github.com/carelinkhq/eventgate/internal/store"
	"github.com/carelinkhq/eventgate/internal/stream"
)

// fakeConn is a recording sender plus its lookup table.
type fakeConn struct {
	id string

	mu   sync.Mutex
	sent []*model.Event
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ev *model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeConn) events() []*model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Event, len(f.sent))
	copy(out, f.sent)
	return out
}

type connTable map[string]*fakeConn

func (t connTable) Sender(connID string) (delivery.Sender, bool) {
	c, ok := t[connID]
	return c, ok
}

type fixture struct {
	log     *stream.MemoryLog
	reg     *registry.Registry
	rel     *authz.StaticChecker
	store   *store.MemoryStore
	conns   connTable
	router  *Router
	tracker *delivery.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rel := authz.NewStaticChecker()
	gate := authz.NewGate(rel, authz.DefaultPolicy(), audit.NewMemorySink(), nil)
	reg := registry.New(gate, 0)
	tracker := delivery.NewTracker(audit.NewMemorySink(), delivery.Options{})
	log := stream.NewMemoryLog()
	st := store.NewMemoryStore()
	conns := make(connTable)

	r := New(log, reg, gate, tracker, st)
	r.SetConnectionSource(conns)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(r.Stop)

	return &fixture{log: log, reg: reg, rel: rel, store: st, conns: conns, router: r, tracker: tracker}
}

func (f *fixture) connect(t *testing.T, connID, subject string, actorType model.ActorType, patterns ...string) *fakeConn {
	t.Helper()
	ident := &authz.Identity{
		Subject:   subject,
		ActorType: actorType,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, p := range patterns {
		if err := f.reg.Subscribe(context.Background(), connID, ident, p); err != nil {
			t.Fatalf("Subscribe %s %s: %v", connID, p, err)
		}
	}
	c := &fakeConn{id: connID}
	f.conns[connID] = c
	return c
}

func publish(t *testing.T, f *fixture, ev *model.Event) {
	t.Helper()
	if err := f.log.Append(context.Background(), ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

// waitFor polls until cond holds or the deadline passes. The sequencers are
// asynchronous, so assertions on delivered events need a grace period.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func memberEvent(id, actorID string) *model.Event {
	return &model.Event{
		ID:          id,
		Channel:     fmt.Sprintf("member.%s.coverage.updated", actorID),
		Type:        "coverage.updated",
		ActorID:     actorID,
		Criticality: model.CriticalityBestEffort,
		Visibility:  model.VisibilityPublic,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestRouteToMatchedSubscriber(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "cn-1", "m-1", model.ActorMember, "member.m-1.coverage.updated")

	publish(t, f, memberEvent("ev-1", "m-1"))

	waitFor(t, func() bool { return len(c.events()) == 1 })
	if got := c.events()[0].ID; got != "ev-1" {
		t.Errorf("delivered %q, want ev-1", got)
	}
}

func TestUnauthorizedSubscriberSkippedSilently(t *testing.T) {
	f := newFixture(t)
	// cn-2 subscribed via a wildcard grant but holds no view relationship to
	// m-1, so delivery is silently withheld.
	f.rel.Grant("svc-1", "member.*.coverage.updated", authz.PermWildcard)
	owner := f.connect(t, "cn-1", "m-1", model.ActorMember, "member.m-1.coverage.updated")
	spy := f.connect(t, "cn-2", "svc-1", model.ActorService, "member.*.coverage.updated")

	publish(t, f, memberEvent("ev-1", "m-1"))

	waitFor(t, func() bool { return len(owner.events()) == 1 })
	if len(spy.events()) != 0 {
		t.Error("unauthorized subscriber received the event")
	}
}

func TestPerActorOrderPreserved(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "cn-1", "m-1", model.ActorMember, "member.m-1.>")

	const n = 50
	for i := 0; i < n; i++ {
		ev := memberEvent(fmt.Sprintf("ev-%03d", i), "m-1")
		ev.Channel = "member.m-1.claims.decided"
		publish(t, f, ev)
	}

	waitFor(t, func() bool { return len(c.events()) == n })
	for i, ev := range c.events() {
		if want := fmt.Sprintf("ev-%03d", i); ev.ID != want {
			t.Fatalf("position %d: got %s, want %s", i, ev.ID, want)
		}
	}
}

func TestActorsIsolated(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect(t, "cn-1", "m-1", model.ActorMember, "member.m-1.>")
	c2 := f.connect(t, "cn-2", "m-2", model.ActorMember, "member.m-2.>")

	publish(t, f, memberEvent("ev-a", "m-1"))
	publish(t, f, memberEvent("ev-b", "m-2"))

	waitFor(t, func() bool { return len(c1.events()) == 1 && len(c2.events()) == 1 })
	if c1.events()[0].ID != "ev-a" || c2.events()[0].ID != "ev-b" {
		t.Error("events crossed actor boundaries")
	}
}

func TestEveryEventBufferedForPolling(t *testing.T) {
	f := newFixture(t)
	// No subscribers at all; the event must still land in the fallback store.
	publish(t, f, memberEvent("ev-1", "m-1"))

	waitFor(t, func() bool {
		got, err := f.store.EventsSince(context.Background(), 0, 0)
		return err == nil && len(got) == 1
	})
}

func TestStopSafeWithInFlightEvents(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "cn-1", "m-1", model.ActorMember, "member.m-1.>")

	publish(t, f, memberEvent("ev-1", "m-1"))
	waitFor(t, func() bool { return len(c.events()) == 1 })

	// Stop must not panic with a consume handler racing it, and a straggler
	// handed over after shutdown is dropped, not sent on a dead channel.
	f.router.Stop()
	f.router.enqueue(memberEvent("ev-2", "m-1"))
	f.router.Stop()

	if got := len(c.events()); got != 1 {
		t.Errorf("events after stop = %d, want 1", got)
	}
}

func TestDroppedConnectionSkipped(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "cn-1", "m-1", model.ActorMember, "member.m-1.>")
	delete(f.conns, "cn-1")

	publish(t, f, memberEvent("ev-1", "m-1"))

	// Routing must not panic or block; the event is only buffered.
	waitFor(t, func() bool {
		got, err := f.store.EventsSince(context.Background(), 0, 0)
		return err == nil && len(got) == 1
	})
}
