package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/carelinkhq/eventgate/internal/model"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func testEvent(id, actor string) *model.Event {
	return &model.Event{
		ID:          id,
		Channel:     "member." + actor + ".coverage.updated",
		Type:        "coverage.updated",
		ActorID:     actor,
		Criticality: model.CriticalityBestEffort,
		Visibility:  model.VisibilityPublic,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestNATSLog_AppendConsume(t *testing.T) {
	url := startTestNATS(t)

	log, err := NewNATSLog(url)
	if err != nil {
		t.Fatalf("creating log: %v", err)
	}
	defer log.Close()

	received := make(chan *model.Event, 8)
	cancel, err := log.Consume(context.Background(), func(ev *model.Event) {
		received <- ev
	})
	if err != nil {
		t.Fatalf("consuming: %v", err)
	}
	defer cancel()

	if err := log.Append(context.Background(), testEvent("ev-1", "m-1")); err != nil {
		t.Fatalf("appending: %v", err)
	}

	select {
	case ev := <-received:
		if ev.ID != "ev-1" || ev.ActorID != "m-1" {
			t.Errorf("got %+v, want ev-1 for m-1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNATSLog_PerActorOrderPreserved(t *testing.T) {
	url := startTestNATS(t)

	log, err := NewNATSLog(url)
	if err != nil {
		t.Fatalf("creating log: %v", err)
	}
	defer log.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	const count = 50
	cancel, err := log.Consume(context.Background(), func(ev *model.Event) {
		mu.Lock()
		got = append(got, ev.ID)
		if len(got) == count {
			close(done)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("consuming: %v", err)
	}
	defer cancel()

	for i := 0; i < count; i++ {
		ev := testEvent(eventID(i), "m-1")
		if err := log.Append(context.Background(), ev); err != nil {
			t.Fatalf("appending %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out; received %d of %d", len(got), count)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != eventID(i) {
			t.Fatalf("order violated at %d: got %s, want %s", i, id, eventID(i))
		}
	}
}

func eventID(i int) string {
	return "ev-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func TestNATSLog_CancelStopsDelivery(t *testing.T) {
	url := startTestNATS(t)

	log, err := NewNATSLog(url)
	if err != nil {
		t.Fatalf("creating log: %v", err)
	}
	defer log.Close()

	received := make(chan *model.Event, 1)
	cancel, err := log.Consume(context.Background(), func(ev *model.Event) {
		received <- ev
	})
	if err != nil {
		t.Fatalf("consuming: %v", err)
	}
	cancel()

	if err := log.Append(context.Background(), testEvent("ev-1", "m-1")); err != nil {
		t.Fatalf("appending: %v", err)
	}

	select {
	case ev := <-received:
		t.Fatalf("received %v after cancel", ev.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMemoryLog(t *testing.T) {
	log := NewMemoryLog()
	defer log.Close()

	var got []string
	cancel, err := log.Consume(context.Background(), func(ev *model.Event) {
		got = append(got, ev.ID)
	})
	if err != nil {
		t.Fatalf("consuming: %v", err)
	}

	log.Append(context.Background(), testEvent("ev-1", "m-1"))
	log.Append(context.Background(), testEvent("ev-2", "m-1"))
	cancel()
	log.Append(context.Background(), testEvent("ev-3", "m-1"))

	if len(got) != 2 || got[0] != "ev-1" || got[1] != "ev-2" {
		t.Errorf("got %v, want [ev-1 ev-2]", got)
	}
	if len(log.Appended()) != 3 {
		t.Errorf("Appended = %d, want 3", len(log.Appended()))
	}
}
