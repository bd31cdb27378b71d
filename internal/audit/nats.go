package audit

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/carelinkhq/eventgate/internal/model"
)

// DecisionSubject is the NATS subject audit records are published to.
const DecisionSubject = "audit.decisions"

// NATSSink publishes decisions to the external audit stream.
type NATSSink struct {
	conn *nats.Conn
}

// NewNATSSink connects to NATS and returns a publishing sink.
func NewNATSSink(url string) (*NATSSink, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSink{conn: nc}, nil
}

// NewNATSSinkFromConn wraps an existing connection (shared with the log).
func NewNATSSinkFromConn(nc *nats.Conn) *NATSSink {
	return &NATSSink{conn: nc}
}

func (s *NATSSink) Record(_ context.Context, d *model.AuthDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling decision: %w", err)
	}
	return s.conn.Publish(DecisionSubject, data)
}

func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}
