package model

import (
	"time"
)

// Criticality classifies whether an event requires acknowledgment.
type Criticality string

const (
	CriticalityCritical   Criticality = "critical"
	CriticalityBestEffort Criticality = "best_effort"
)

// Visibility controls which actor types may ever receive an event.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityOwnerOnly Visibility = "owner_only"
	VisibilityTeam      Visibility = "team"
	VisibilityInternal  Visibility = "internal"
)

// Sensitivity controls field redaction for under-privileged recipients.
type Sensitivity string

const (
	SensitivityLow  Sensitivity = "low"
	SensitivityHigh Sensitivity = "high"
)

// ActorType identifies the kind of authenticated subject.
type ActorType string

const (
	ActorMember    ActorType = "member"
	ActorCaregiver ActorType = "caregiver"
	ActorProvider  ActorType = "provider"
	ActorService   ActorType = "service"
)

// Event is an immutable record flowing through the gateway. The actor ID is
// the ordering and partitioning key; events for one actor are always observed
// in log order by any single connection.
type Event struct {
	ID           string         `json:"id"`
	Channel      string         `json:"channel"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Criticality  Criticality    `json:"criticality"`
	Visibility   Visibility     `json:"visibility"`
	Sensitivity  Sensitivity    `json:"sensitivity,omitempty"`
	RedactFields []string       `json:"redact_fields,omitempty"`
	ActorID      string         `json:"actor_id"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AckRequired reports whether the delivery tracker must wait for a client ack.
func (e *Event) AckRequired() bool {
	return e.Criticality == CriticalityCritical
}

// Redacted returns a copy of the event with the listed fields stripped from
// the payload. The original event is never mutated.
func (e *Event) Redacted() *Event {
	if len(e.RedactFields) == 0 || len(e.Payload) == 0 {
		return e
	}
	out := *e
	out.Payload = make(map[string]any, len(e.Payload))
	drop := make(map[string]struct{}, len(e.RedactFields))
	for _, f := range e.RedactFields {
		drop[f] = struct{}{}
	}
	for k, v := range e.Payload {
		if _, skip := drop[k]; skip {
			continue
		}
		out.Payload[k] = v
	}
	return &out
}

// ValidVisibility reports whether v is one of the declared visibility classes.
func ValidVisibility(v Visibility) bool {
	switch v {
	case VisibilityPublic, VisibilityOwnerOnly, VisibilityTeam, VisibilityInternal:
		return true
	}
	return false
}

// ValidCriticality reports whether c is a known criticality tier.
func ValidCriticality(c Criticality) bool {
	return c == CriticalityCritical || c == CriticalityBestEffort
}
