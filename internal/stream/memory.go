package stream

import (
	"context"
	"sync"

	"github.com/carelinkhq/eventgate/internal/model"
)

// MemoryLog is an in-process Log for tests and single-node dev mode. Appends
// are delivered synchronously to consumers in append order.
type MemoryLog struct {
	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	appended []*model.Event
	closed   bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{handlers: make(map[int]Handler)}
}

func (l *MemoryLog) Append(_ context.Context, ev *model.Event) error {
	l.mu.Lock()
	l.appended = append(l.appended, ev)
	hs := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		hs = append(hs, h)
	}
	l.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
	return nil
}

func (l *MemoryLog) Consume(_ context.Context, h Handler) (func(), error) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.handlers[id] = h
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}
	return cancel, nil
}

// Appended returns every event appended so far, in order.
func (l *MemoryLog) Appended() []*model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*model.Event, len(l.appended))
	copy(out, l.appended)
	return out
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = make(map[int]Handler)
	return nil
}
