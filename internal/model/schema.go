package model

import (
	"fmt"
	"sync"
	"time"
)

// EventSchema declares a known event type and the payload fields it requires.
// Events with unknown types or missing required fields are rejected at the
// ingress boundary rather than accepted as arbitrary shapes.
type EventSchema struct {
	Type     string   `toml:"type"`
	Required []string `toml:"required"`
}

// SchemaRegistry validates inbound events against a closed set of tagged
// event-type variants. Safe for concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]EventSchema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]EventSchema)}
}

// Register adds or replaces a schema.
func (r *SchemaRegistry) Register(s EventSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Type] = s
}

// Types returns the registered type tags.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	return out
}

// ValidateEvent checks structural validity of an inbound event: non-empty id,
// channel, and actor id, a registered type tag, all required payload fields,
// and known enum values. Freshness is checked separately by the caller.
func (r *SchemaRegistry) ValidateEvent(e *Event) error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.Channel == "" {
		return fmt.Errorf("event channel is required")
	}
	if e.ActorID == "" {
		return fmt.Errorf("event actor_id is required")
	}
	if !ValidCriticality(e.Criticality) {
		return fmt.Errorf("unknown criticality %q", e.Criticality)
	}
	if !ValidVisibility(e.Visibility) {
		return fmt.Errorf("unknown visibility %q", e.Visibility)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("event created_at is required")
	}

	r.mu.RLock()
	schema, ok := r.schemas[e.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	for _, field := range schema.Required {
		if _, present := e.Payload[field]; !present {
			return fmt.Errorf("event type %q missing required field %q", e.Type, field)
		}
	}
	return nil
}

// Stale reports whether the event is older than the freshness window.
func Stale(e *Event, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > window
}
