// Package connection owns gateway-side session lifecycle: heartbeat
// tracking, the resume grace window, token expiry warnings, and teardown of
// everything a session holds (subscriptions and pending deliveries) when it
// ends. A session that misses its heartbeat budget is held briefly for
// resume before being closed for good.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/delivery"
	"github.com/carelinkhq/eventgate/internal/idgen"
	"github.com/carelinkhq/eventgate/internal/metrics"
	"github.com/carelinkhq/eventgate/internal/protocol"
	"github.com/carelinkhq/eventgate/internal/registry"
)

// Options tune session lifecycle. Zero values fall back to the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	ExpiryWarnLead    time.Duration // auth_expiring fires once, this long before expiry
	ResumeGrace       time.Duration // how long a detached session survives
	SendBuffer        int
	RetryAfter        time.Duration // advertised in backpressure frames
	SweepInterval     time.Duration
	Now               func() time.Time
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatMisses   = 3
	defaultExpiryWarnLead    = 300 * time.Second
	defaultResumeGrace       = time.Minute
	defaultSendBuffer        = 64
	defaultRetryAfter        = 500 * time.Millisecond
	defaultSweepInterval     = time.Second
)

// Manager tracks every live session and runs the lifecycle sweep.
type Manager struct {
	reg  *registry.Registry
	trk  *delivery.Tracker
	gate *authz.Gate
	opts Options
	now  func() time.Time

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager wires the manager to the registry and delivery tracker it
// tears sessions down through.
func NewManager(reg *registry.Registry, trk *delivery.Tracker, gate *authz.Gate, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.HeartbeatMisses <= 0 {
		opts.HeartbeatMisses = defaultHeartbeatMisses
	}
	if opts.ExpiryWarnLead <= 0 {
		opts.ExpiryWarnLead = defaultExpiryWarnLead
	}
	if opts.ResumeGrace <= 0 {
		opts.ResumeGrace = defaultResumeGrace
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = defaultRetryAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		reg:   reg,
		trk:   trk,
		gate:  gate,
		opts:  opts,
		now:   now,
		conns: make(map[string]*Conn),
	}
}

// Connect opens a fresh session for the identity.
func (m *Manager) Connect(ident *authz.Identity) (*Conn, error) {
	id, err := idgen.NewConnectionID()
	if err != nil {
		return nil, fmt.Errorf("allocate connection id: %w", err)
	}
	c := newConn(id, ident, m.opts.SendBuffer, m.now())

	m.mu.Lock()
	m.conns[id] = c
	m.mu.Unlock()

	metrics.OpenConnections.Inc()
	slog.Info("connection opened", "conn_id", id, "subject", ident.Subject)
	return c, nil
}

// Resume reattaches a dropped session within the grace window. Every held
// subscription is re-checked against the gate with the presented identity;
// patterns that no longer pass are silently dropped.
func (m *Manager) Resume(ctx context.Context, connID string, ident *authz.Identity) (*Conn, error) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown connection %s", connID)
	}
	if c.State() == StateClosed {
		return nil, ErrConnClosed
	}
	if c.Identity().Subject != ident.Subject {
		return nil, fmt.Errorf("connection %s belongs to another subject", connID)
	}

	for _, pattern := range m.reg.Patterns(connID) {
		if err := m.gate.CheckSubscribe(ctx, ident, pattern); err != nil {
			m.reg.Unsubscribe(connID, pattern)
			slog.Info("subscription dropped on resume",
				"conn_id", connID,
				"pattern", pattern)
		}
	}
	// The router filters against the registry's identity; rebind it so
	// deliveries are gated by the presented credential, not the one the
	// session subscribed with.
	m.reg.UpdateIdentity(connID, ident)

	c.reattach(ident, m.now())
	slog.Info("connection resumed", "conn_id", connID, "subject", ident.Subject)
	return c, nil
}

// Sender implements the router's connection lookup. Detached sessions still
// accept frames; their buffer holds until resume or teardown.
func (m *Manager) Sender(connID string) (delivery.Sender, bool) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok || c.State() == StateClosed {
		return nil, false
	}
	return c, true
}

// Get returns the session if it is still live.
func (m *Manager) Get(connID string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	return c, ok
}

// Heartbeat records liveness and answers with a pong. Reports whether the
// session is known.
func (m *Manager) Heartbeat(connID string) bool {
	m.mu.Lock()
	c, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok || c.State() == StateClosed {
		return false
	}
	c.Touch(m.now())
	if err := c.Push(&protocol.ServerFrame{Type: protocol.TypePong}); err != nil {
		slog.Debug("pong dropped", "conn_id", connID, "error", err)
	}
	return true
}

// Detach marks the transport as gone, holding the session for resume.
func (m *Manager) Detach(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	m.mu.Unlock()
	if ok {
		c.detach(m.now())
	}
}

// Backpressure pushes a slow-down instruction to the session. Installed as
// the delivery tracker's threshold callback.
func (m *Manager) Backpressure(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Push(protocol.BackpressureFrame(m.opts.RetryAfter.Milliseconds())); err != nil {
		slog.Debug("backpressure frame dropped", "conn_id", connID, "error", err)
	}
}

// RetryAfter is the pause advertised in backpressure frames.
func (m *Manager) RetryAfter() time.Duration {
	return m.opts.RetryAfter
}

// Close tears the session down: pending deliveries are cancelled and every
// subscription removed. Idempotent.
func (m *Manager) Close(connID string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	m.trk.CancelConnection(connID)
	m.reg.RemoveConnection(connID)
	metrics.OpenConnections.Dec()
	slog.Info("connection closed", "conn_id", connID)
}

// Run sweeps session lifecycle until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep applies the heartbeat budget, the resume grace window, and token
// expiry to every session.
func (m *Manager) sweep() {
	now := m.now()
	deadline := time.Duration(m.opts.HeartbeatMisses) * m.opts.HeartbeatInterval

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		state := c.state
		lastSeen := c.lastSeen
		detachedAt := c.detachedAt
		expiresAt := c.ident.ExpiresAt
		warned := c.warned
		c.mu.Unlock()

		if state == StateClosed {
			continue
		}

		// Token lifecycle first: an expired credential ends the session no
		// matter how healthy the transport is.
		if !expiresAt.IsZero() {
			left := expiresAt.Sub(now)
			if left <= 0 {
				c.Push(&protocol.ServerFrame{Type: protocol.TypeAuthExpired})
				slog.Info("closing connection on expired credential", "conn_id", c.id)
				m.Close(c.id)
				continue
			}
			if !warned && left <= m.opts.ExpiryWarnLead {
				c.Push(&protocol.ServerFrame{
					Type:        protocol.TypeAuthExpiring,
					SecondsLeft: int64(left.Seconds()),
				})
				c.mu.Lock()
				c.warned = true
				c.mu.Unlock()
			}
		}

		switch state {
		case StateConnected:
			if now.Sub(lastSeen) >= deadline {
				slog.Info("heartbeat budget exhausted", "conn_id", c.id)
				c.detach(now)
			}
		case StateReconnecting:
			if now.Sub(detachedAt) >= m.opts.ResumeGrace {
				m.Close(c.id)
			}
		}
	}
}
