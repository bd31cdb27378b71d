// Package registry tracks channel-pattern subscriptions per connection.
// Every subscribe passes through the authorization gate before it is
// recorded; wildcard patterns require a broader grant than exact channels.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/model"
)

// ErrSubscriptionLimit is returned when a connection already holds the
// maximum number of simultaneous subscriptions. The operation is rejected,
// never silently truncated.
var ErrSubscriptionLimit = errors.New("subscription limit reached")

// DefaultMaxSubscriptions caps simultaneous subscriptions per connection.
const DefaultMaxSubscriptions = 50

// Subscriber is a matched recipient: the connection and the identity the
// router filters events against.
type Subscriber struct {
	ConnID   string
	Identity *authz.Identity
}

type connEntry struct {
	identity *authz.Identity
	patterns map[string]struct{}
}

// Registry owns the (connection, pattern) subscription table.
type Registry struct {
	gate *authz.Gate
	cap  int

	mu    sync.RWMutex
	conns map[string]*connEntry
}

// New creates a registry enforcing the given per-connection cap.
// A non-positive cap falls back to DefaultMaxSubscriptions.
func New(gate *authz.Gate, cap int) *Registry {
	if cap <= 0 {
		cap = DefaultMaxSubscriptions
	}
	return &Registry{
		gate:  gate,
		cap:   cap,
		conns: make(map[string]*connEntry),
	}
}

// Subscribe records a pattern for the connection after an authorization
// check. Re-subscribing to a held pattern is a no-op and does not count
// against the cap.
func (r *Registry) Subscribe(ctx context.Context, connID string, ident *authz.Identity, pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is required")
	}

	r.mu.RLock()
	entry, exists := r.conns[connID]
	alreadyHeld := false
	held := 0
	if exists {
		_, alreadyHeld = entry.patterns[pattern]
		held = len(entry.patterns)
	}
	r.mu.RUnlock()

	if alreadyHeld {
		return nil
	}
	if held >= r.cap {
		return ErrSubscriptionLimit
	}

	// Gate check happens outside the lock; it may hit the relationship
	// service.
	if err := r.gate.CheckSubscribe(ctx, ident, pattern); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists = r.conns[connID]
	if !exists {
		entry = &connEntry{
			identity: ident,
			patterns: make(map[string]struct{}),
		}
		r.conns[connID] = entry
	}
	if len(entry.patterns) >= r.cap {
		return ErrSubscriptionLimit
	}
	entry.patterns[pattern] = struct{}{}
	entry.identity = ident
	return nil
}

// UpdateIdentity rebinds the identity deliveries are filtered against.
// Called on resume so a session that reattached with a refreshed credential
// is not gated by the one it subscribed with.
func (r *Registry) UpdateIdentity(connID string, ident *authz.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.conns[connID]; ok {
		entry.identity = ident
	}
}

// Unsubscribe removes a pattern. Unknown patterns are ignored.
func (r *Registry) Unsubscribe(connID, pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(entry.patterns, pattern)
	if len(entry.patterns) == 0 {
		delete(r.conns, connID)
	}
}

// RemoveConnection drops every subscription the connection holds.
func (r *Registry) RemoveConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// Match returns the subscribers whose patterns match the channel.
func (r *Registry) Match(channel string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscriber
	for connID, entry := range r.conns {
		for pattern := range entry.patterns {
			if model.MatchChannel(pattern, channel) {
				out = append(out, Subscriber{ConnID: connID, Identity: entry.identity})
				break
			}
		}
	}
	return out
}

// Patterns returns the patterns a connection currently holds.
func (r *Registry) Patterns(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.patterns))
	for p := range entry.patterns {
		out = append(out, p)
	}
	return out
}

// Count returns the number of subscriptions held by a connection.
func (r *Registry) Count(connID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[connID]
	if !ok {
		return 0
	}
	return len(entry.patterns)
}
