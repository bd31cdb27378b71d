package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/carelinkhq/eventgate/internal/model"
)

// consumeSubject covers every actor partition.
const consumeSubject = "events.>"

// NATSLog implements Log on NATS subjects, one subject per actor partition.
// A single subscription preserves per-subject publish order, which carries
// the per-actor ordering guarantee through to the router.
type NATSLog struct {
	conn *nats.Conn
}

// NewNATSLog connects to NATS with automatic reconnection support. Extra
// nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSLog(url string, opts ...nats.Option) (*NATSLog, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSLog{conn: nc}, nil
}

// Conn exposes the underlying connection so other components (the audit
// sink) can share it.
func (l *NATSLog) Conn() *nats.Conn {
	return l.conn
}

// Append publishes the event to its actor's partition subject and flushes so
// the write is on the server before the batch ack is issued.
func (l *NATSLog) Append(ctx context.Context, ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := l.conn.Publish(PartitionSubject(ev.ActorID), data); err != nil {
		return fmt.Errorf("appending to log: %w", err)
	}
	if err := l.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing log append: %w", err)
	}
	return nil
}

// Consume subscribes to every partition and invokes the handler per event.
// The handler runs on the NATS delivery goroutine, so per-subject order is
// preserved; the router hands off to per-actor sequencers immediately.
func (l *NATSLog) Consume(_ context.Context, h Handler) (func(), error) {
	var once sync.Once

	sub, err := l.conn.Subscribe(consumeSubject, func(msg *nats.Msg) {
		var ev model.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("dropping undecodable log record", "subject", msg.Subject, "error", err)
			return
		}
		h(&ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", consumeSubject, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so events appended on other connections are routed.
	if err := l.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
		})
	}
	return cancel, nil
}

func (l *NATSLog) Close() error {
	l.conn.Close()
	return nil
}
