// Package protocol defines the transport-agnostic JSON frames exchanged
// between clients and the gateway. The same frames ride the SSE push stream,
// the client-to-server message endpoint, and the fallback poll/ingest
// endpoints.
package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/carelinkhq/eventgate/internal/model"
)

// Client-to-server frame types.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePublishBatch = "publish_batch"
	TypeAck          = "ack"
	TypePing         = "ping"
)

// Server-to-client frame types.
const (
	TypeConnected    = "connected"
	TypeEvent        = "event"
	TypeAckBatch     = "ack_batch"
	TypeBackpressure = "backpressure"
	TypeAuthExpiring = "auth_expiring"
	TypeAuthExpired  = "auth_expired"
	TypePong         = "pong"
)

// ClientFrame is a message from a client to the gateway.
type ClientFrame struct {
	Type    string         `json:"type"`
	Pattern string         `json:"pattern,omitempty"`
	Events  []*model.Event `json:"events,omitempty"`
	EventID string         `json:"event_id,omitempty"`
}

// ServerFrame is a message from the gateway to a client.
type ServerFrame struct {
	Type         string       `json:"type"`
	ConnID       string       `json:"conn_id,omitempty"`
	Event        *model.Event `json:"event,omitempty"`
	AckRequired  bool         `json:"ack_required,omitempty"`
	IDs          []string     `json:"ids,omitempty"`
	RetryAfterMs int64        `json:"retry_after_ms,omitempty"`
	SecondsLeft  int64        `json:"seconds_left,omitempty"`
}

// ConnectedFrame announces the session id at the head of the push stream.
func ConnectedFrame(connID string) *ServerFrame {
	return &ServerFrame{Type: TypeConnected, ConnID: connID}
}

// EventFrame builds the server frame carrying a delivered event.
func EventFrame(ev *model.Event) *ServerFrame {
	return &ServerFrame{Type: TypeEvent, Event: ev, AckRequired: ev.AckRequired()}
}

// AckBatchFrame builds the batch acknowledgment for an ingress publish.
func AckBatchFrame(ids []string) *ServerFrame {
	return &ServerFrame{Type: TypeAckBatch, IDs: ids}
}

// BackpressureFrame instructs the client to pause publishing.
func BackpressureFrame(retryAfterMs int64) *ServerFrame {
	return &ServerFrame{Type: TypeBackpressure, RetryAfterMs: retryAfterMs}
}

// DecodeClientFrame parses and validates a client frame.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding client frame: %w", err)
	}
	switch f.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if f.Pattern == "" {
			return nil, fmt.Errorf("%s frame requires a pattern", f.Type)
		}
	case TypePublishBatch:
		if len(f.Events) == 0 {
			return nil, fmt.Errorf("publish_batch frame requires events")
		}
	case TypeAck:
		if f.EventID == "" {
			return nil, fmt.Errorf("ack frame requires an event_id")
		}
	case TypePing:
	default:
		return nil, fmt.Errorf("unknown client frame type %q", f.Type)
	}
	return &f, nil
}

// EncodeServerFrame marshals a server frame for the wire.
func EncodeServerFrame(f *ServerFrame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding server frame: %w", err)
	}
	return data, nil
}

// DecodeServerFrame parses a server frame (used by the Go client).
func DecodeServerFrame(data []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding server frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("server frame missing type")
	}
	return &f, nil
}
