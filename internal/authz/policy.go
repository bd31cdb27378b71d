package authz

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/carelinkhq/eventgate/internal/model"
)

// Policy declares which actor types satisfy each visibility class, which
// actor types may hold unredacted high-sensitivity payloads, and the event
// schemas accepted at the ingress boundary. Loaded from a TOML file at
// startup; the built-in default is used when no file is configured.
type Policy struct {
	Visibility map[string][]string `toml:"visibility"`
	Privilege  struct {
		Elevated []string `toml:"elevated"`
	} `toml:"privilege"`
	Schemas []model.EventSchema `toml:"schema"`
}

// DefaultPolicy returns the built-in policy: public events reach every actor
// type, owner-only events reach only the subject themselves, team events
// reach care-team actor types, internal events reach services.
func DefaultPolicy() *Policy {
	p := &Policy{
		Visibility: map[string][]string{
			string(model.VisibilityPublic):    {string(model.ActorMember), string(model.ActorCaregiver), string(model.ActorProvider), string(model.ActorService)},
			string(model.VisibilityOwnerOnly): {},
			string(model.VisibilityTeam):      {string(model.ActorCaregiver), string(model.ActorProvider), string(model.ActorService)},
			string(model.VisibilityInternal):  {string(model.ActorService)},
		},
	}
	p.Privilege.Elevated = []string{string(model.ActorProvider), string(model.ActorService)}
	return p
}

// LoadPolicy reads and validates a TOML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &p, nil
}

// Validate rejects unknown visibility classes and actor types.
func (p *Policy) Validate() error {
	for class, types := range p.Visibility {
		if !model.ValidVisibility(model.Visibility(class)) {
			return fmt.Errorf("unknown visibility class %q", class)
		}
		for _, at := range types {
			if !validActorType(at) {
				return fmt.Errorf("visibility %q: unknown actor type %q", class, at)
			}
		}
	}
	for _, at := range p.Privilege.Elevated {
		if !validActorType(at) {
			return fmt.Errorf("privilege.elevated: unknown actor type %q", at)
		}
	}
	for _, s := range p.Schemas {
		if s.Type == "" {
			return fmt.Errorf("schema entry missing type")
		}
	}
	return nil
}

// VisibilityAllows reports whether the actor type satisfies the visibility
// class. Owner-only visibility is handled by the caller via the self check;
// this answers only the type-level question.
func (p *Policy) VisibilityAllows(v model.Visibility, at model.ActorType) bool {
	for _, t := range p.Visibility[string(v)] {
		if t == string(at) {
			return true
		}
	}
	return false
}

// Elevated reports whether the actor type may receive unredacted
// high-sensitivity payloads (subject to the relationship check).
func (p *Policy) Elevated(at model.ActorType) bool {
	for _, t := range p.Privilege.Elevated {
		if t == string(at) {
			return true
		}
	}
	return false
}

// SchemaRegistry materializes the policy's schema entries.
func (p *Policy) SchemaRegistry() *model.SchemaRegistry {
	reg := model.NewSchemaRegistry()
	for _, s := range p.Schemas {
		reg.Register(s)
	}
	return reg
}

func validActorType(s string) bool {
	switch model.ActorType(s) {
	case model.ActorMember, model.ActorCaregiver, model.ActorProvider, model.ActorService:
		return true
	}
	return false
}
