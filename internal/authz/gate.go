// Package authz implements the layered authorization gate: identity
// validity, relationship, visibility, and sensitivity/redaction checks, each
// producing an append-only audit record. The gate never surfaces internal
// errors to clients; denied traffic is indistinguishable from silence.
package authz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/carelinkhq/eventgate/internal/audit"
	"github.com/carelinkhq/eventgate/internal/model"
)

// ErrDenied is returned by subscribe and publish checks. Transports translate
// it into silence (reads) or omission from the batch ack (writes).
var ErrDenied = errors.New("authorization denied")

// Gate makes layered permission, visibility, and redaction decisions.
type Gate struct {
	rel    RelationshipChecker
	policy *Policy
	sink   audit.Sink
	now    func() time.Time
}

// NewGate builds a gate. The relationship checker should already be wrapped
// in a CachedChecker; the gate itself does no caching.
func NewGate(rel RelationshipChecker, policy *Policy, sink audit.Sink, now func() time.Time) *Gate {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{rel: rel, policy: policy, sink: sink, now: now}
}

// CheckSubscribe decides whether the subject may subscribe to the pattern.
// Exact-channel patterns need a view relationship to the channel's actor;
// wildcard patterns expose a superset of future events and therefore require
// the broader subscribe_wildcard grant.
func (g *Gate) CheckSubscribe(ctx context.Context, ident *Identity, pattern string) error {
	if ident.Expired(g.now()) {
		g.record(ctx, ident, pattern, PermSubscribe, model.OutcomeDeny, "token expired")
		return ErrDenied
	}

	actor := model.ChannelActor(pattern)
	wildcard := model.PatternIsWildcard(pattern)

	// Self-subscription needs no external relationship lookup, but a wildcard
	// over another actor's channels always does.
	if actor == ident.Subject && !wildcardBeyondActor(pattern) {
		g.record(ctx, ident, pattern, PermSubscribe, model.OutcomeAllow, "self")
		return nil
	}

	perm := PermSubscribe
	if wildcard {
		perm = PermWildcard
	}
	resource := actor
	if resource == "" {
		// Actor-spanning wildcard: the resource is the pattern itself and only
		// a service-level grant can cover it.
		resource = pattern
	}

	allowed, err := g.rel.Check(ctx, ident.Subject, resource, perm)
	if err != nil {
		g.record(ctx, ident, pattern, perm, model.OutcomeDeny, "relationship service unavailable")
		return ErrDenied
	}
	if !allowed {
		g.record(ctx, ident, pattern, perm, model.OutcomeDeny, "no qualifying relationship")
		return ErrDenied
	}

	g.record(ctx, ident, pattern, perm, model.OutcomeAllow, "relationship grant")
	return nil
}

// wildcardBeyondActor reports whether a pattern's wildcard could match
// channels belonging to a different actor (wildcard in the actor segment).
func wildcardBeyondActor(pattern string) bool {
	return model.PatternIsWildcard(pattern) && model.ChannelActor(pattern) == ""
}

// CheckPublish decides whether the subject may publish an event on behalf of
// the event's actor. Publishing as oneself is always allowed; anything else
// requires the publish_on_behalf grant. Downstream failure fails closed.
func (g *Gate) CheckPublish(ctx context.Context, ident *Identity, ev *model.Event) error {
	if ident.Expired(g.now()) {
		g.record(ctx, ident, ev.Channel, PermPublishOnBehalf, model.OutcomeDeny, "token expired")
		return ErrDenied
	}
	if ev.ActorID == ident.Subject {
		g.record(ctx, ident, ev.Channel, PermPublishOnBehalf, model.OutcomeAllow, "self")
		return nil
	}
	allowed, err := g.rel.Check(ctx, ident.Subject, ev.ActorID, PermPublishOnBehalf)
	if err != nil {
		g.record(ctx, ident, ev.Channel, PermPublishOnBehalf, model.OutcomeDeny, "relationship service unavailable")
		return ErrDenied
	}
	if !allowed {
		g.record(ctx, ident, ev.Channel, PermPublishOnBehalf, model.OutcomeDeny, "no publish_on_behalf grant")
		return ErrDenied
	}
	g.record(ctx, ident, ev.Channel, PermPublishOnBehalf, model.OutcomeAllow, "relationship grant")
	return nil
}

// FilterEvent runs the four ordered checks for delivering ev to the subject,
// short-circuiting on the first failure. Returns the deliverable event
// (possibly redacted) or nil when the event must not be delivered. Only
// identity, relationship, and visibility failures block delivery; sensitivity
// alone never does, it only strips the listed fields.
func (g *Gate) FilterEvent(ctx context.Context, ev *model.Event, ident *Identity) *model.Event {
	// 1. Identity validity.
	if ident.Expired(g.now()) {
		g.record(ctx, ident, ev.Channel, PermView, model.OutcomeDeny, "token expired")
		return nil
	}

	// 2. Relationship to the event's actor.
	isSelf := ev.ActorID == ident.Subject
	hasRel := isSelf
	if !hasRel {
		allowed, err := g.rel.Check(ctx, ident.Subject, ev.ActorID, PermView)
		if err != nil {
			// No cached verdict survived the outage; deliver nothing rather
			// than the unfiltered event.
			g.record(ctx, ident, ev.Channel, PermView, model.OutcomeDeny, "relationship service unavailable")
			return nil
		}
		hasRel = allowed
	}
	if !hasRel {
		g.record(ctx, ident, ev.Channel, PermView, model.OutcomeDeny, "no qualifying relationship")
		return nil
	}

	// 3. Visibility class.
	if !g.visibilitySatisfied(ev, ident, isSelf) {
		g.record(ctx, ident, ev.Channel, PermView, model.OutcomeDeny, "visibility "+string(ev.Visibility))
		return nil
	}

	// 4. Sensitivity/redaction.
	if ev.Sensitivity == model.SensitivityHigh && len(ev.RedactFields) > 0 && !g.elevated(ctx, ident, ev) {
		g.record(ctx, ident, ev.Channel, PermView, model.OutcomeAllowRedacted, "high sensitivity, fields stripped")
		return ev.Redacted()
	}

	g.record(ctx, ident, ev.Channel, PermView, model.OutcomeAllow, "")
	return ev
}

// visibilitySatisfied applies the declared visibility class. Owner-only
// events reach only the owning subject regardless of actor type.
func (g *Gate) visibilitySatisfied(ev *model.Event, ident *Identity, isSelf bool) bool {
	switch ev.Visibility {
	case model.VisibilityOwnerOnly:
		return isSelf
	case model.VisibilityPublic, model.VisibilityTeam, model.VisibilityInternal:
		if isSelf && ev.Visibility == model.VisibilityPublic {
			return true
		}
		return g.policy.VisibilityAllows(ev.Visibility, ident.ActorType)
	default:
		return false
	}
}

// elevated reports whether the subject may see unredacted high-sensitivity
// payloads: an elevated actor type plus a passing elevated_view relationship.
// The owner always sees their own unredacted payload.
func (g *Gate) elevated(ctx context.Context, ident *Identity, ev *model.Event) bool {
	if ev.ActorID == ident.Subject {
		return true
	}
	if !g.policy.Elevated(ident.ActorType) {
		return false
	}
	allowed, err := g.rel.Check(ctx, ident.Subject, ev.ActorID, PermElevatedView)
	if err != nil {
		return false
	}
	return allowed
}

// record writes an audit decision. Failures are logged, never propagated.
func (g *Gate) record(ctx context.Context, ident *Identity, resource, permission string, outcome model.DecisionOutcome, reason string) {
	if g.sink == nil {
		return
	}
	d := &model.AuthDecision{
		Subject:    ident.Subject,
		ActorType:  ident.ActorType,
		Resource:   resource,
		Permission: permission,
		Outcome:    outcome,
		Reason:     reason,
		At:         g.now(),
	}
	if err := g.sink.Record(ctx, d); err != nil {
		slog.Warn("failed to record auth decision",
			"subject", d.Subject,
			"resource", d.Resource,
			"outcome", d.Outcome,
			"error", err)
	}
}
