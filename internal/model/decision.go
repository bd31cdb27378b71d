package model

import "time"

// DecisionOutcome is the result of an authorization check.
type DecisionOutcome string

const (
	OutcomeAllow         DecisionOutcome = "allow"
	OutcomeAllowRedacted DecisionOutcome = "allow_redacted"
	OutcomeDeny          DecisionOutcome = "deny"
)

// AuthDecision is an append-only audit record. Every authorization check and
// every terminal delivery outcome for critical events produces one; records
// are never mutated after creation.
type AuthDecision struct {
	Subject    string          `json:"subject"`
	ActorType  ActorType       `json:"actor_type,omitempty"`
	Resource   string          `json:"resource"`
	Permission string          `json:"permission"`
	Outcome    DecisionOutcome `json:"outcome"`
	Reason     string          `json:"reason,omitempty"`
	At         time.Time       `json:"at"`
}
