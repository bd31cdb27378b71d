package authz

import (
	"context"
	"sync"
	"time"
)

// Permissions consulted on the relationship graph.
const (
	PermView            = "view"
	PermSubscribe       = "subscribe"
	PermWildcard        = "subscribe_wildcard"
	PermPublishOnBehalf = "publish_on_behalf"
	PermElevatedView    = "elevated_view"
)

// RelationshipChecker answers whether a subject has a qualifying relationship
// (self, delegated care, or service-level grant) to a resource. It is an
// external collaborator; calls may block on the network.
type RelationshipChecker interface {
	Check(ctx context.Context, subject, resource, permission string) (bool, error)
}

// relCacheEntry is a cached relationship verdict.
type relCacheEntry struct {
	allowed bool
	expires time.Time
}

// CachedChecker wraps a RelationshipChecker with a short bounded TTL cache to
// bound call volume without materially violating freshness. Cached verdicts
// are the only shared mutable state crossing component boundaries besides the
// audit sink and dedup store.
type CachedChecker struct {
	inner RelationshipChecker
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]relCacheEntry
}

// NewCachedChecker wraps inner with a TTL cache. A non-positive TTL disables
// caching.
func NewCachedChecker(inner RelationshipChecker, ttl time.Duration, now func() time.Time) *CachedChecker {
	if now == nil {
		now = time.Now
	}
	return &CachedChecker{
		inner:   inner,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]relCacheEntry),
	}
}

// Check returns a cached verdict when fresh, otherwise consults the inner
// checker. On downstream failure a still-fresh cached verdict is served;
// with no cached verdict the error propagates so callers can fail closed.
func (c *CachedChecker) Check(ctx context.Context, subject, resource, permission string) (bool, error) {
	if c.ttl <= 0 {
		return c.inner.Check(ctx, subject, resource, permission)
	}

	key := subject + "\x00" + resource + "\x00" + permission
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.allowed, nil
	}

	allowed, err := c.inner.Check(ctx, subject, resource, permission)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.entries[key] = relCacheEntry{allowed: allowed, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return allowed, nil
}

// Prune drops expired entries. Called opportunistically by the gate's sweep.
func (c *CachedChecker) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StaticChecker is a fixed relationship table for tests and dev mode.
// Keys are "subject->resource" with a set of granted permissions.
type StaticChecker struct {
	mu     sync.Mutex
	grants map[string]map[string]bool
	err    error
}

func NewStaticChecker() *StaticChecker {
	return &StaticChecker{grants: make(map[string]map[string]bool)}
}

// Grant allows subject the permission on resource.
func (s *StaticChecker) Grant(subject, resource, permission string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subject + "->" + resource
	if s.grants[key] == nil {
		s.grants[key] = make(map[string]bool)
	}
	s.grants[key][permission] = true
}

// Fail makes every check return err, simulating an unreachable graph service.
func (s *StaticChecker) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticChecker) Check(_ context.Context, subject, resource, permission string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.grants[subject+"->"+resource][permission], nil
}
