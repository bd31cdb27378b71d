package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/protocol"
)

// State is the lifecycle state of a gateway-side connection.
type State string

const (
	// StateConnected means a transport is attached and draining frames.
	StateConnected State = "connected"
	// StateReconnecting means the transport dropped; the session is held for
	// the resume grace period with its subscriptions intact.
	StateReconnecting State = "reconnecting"
	// StateClosed is terminal. Subscriptions and pending deliveries are gone.
	StateClosed State = "closed"
)

// ErrConnClosed is returned when pushing frames to a closed connection.
var ErrConnClosed = errors.New("connection closed")

// ErrSendBufferFull is returned when the outbound buffer is saturated. The
// delivery tracker treats this like any other send failure and retries
// critical events on its own schedule.
var ErrSendBufferFull = errors.New("outbound buffer full")

// Conn is one client session. Frames pushed to it are drained by a single
// transport writer; the buffered channel decouples routing from a slow
// client without reordering the stream.
type Conn struct {
	id     string
	frames chan *protocol.ServerFrame

	mu         sync.Mutex
	ident      *authz.Identity
	state      State
	lastSeen   time.Time
	detachedAt time.Time
	warned     bool
}

func newConn(id string, ident *authz.Identity, buffer int, now time.Time) *Conn {
	return &Conn{
		id:       id,
		frames:   make(chan *protocol.ServerFrame, buffer),
		ident:    ident,
		state:    StateConnected,
		lastSeen: now,
	}
}

// ID returns the connection id. Part of the delivery.Sender contract.
func (c *Conn) ID() string { return c.id }

// Send enqueues an event frame. Part of the delivery.Sender contract.
func (c *Conn) Send(ev *model.Event) error {
	return c.Push(protocol.EventFrame(ev))
}

// Push enqueues a server frame without blocking the caller.
func (c *Conn) Push(f *protocol.ServerFrame) error {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	select {
	case c.frames <- f:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Frames is the outbound stream the transport writer drains.
func (c *Conn) Frames() <-chan *protocol.ServerFrame { return c.frames }

// Identity returns the identity currently bound to the session.
func (c *Conn) Identity() *authz.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch records client liveness, either a heartbeat or any inbound frame.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
}

func (c *Conn) detach(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected {
		c.state = StateReconnecting
		c.detachedAt = now
	}
}

// reattach rebinds a (possibly refreshed) identity and returns to the
// connected state. The expiry warning only rearms when the credential
// actually changed; resuming with the same token does not earn a second
// auth_expiring.
func (c *Conn) reattach(ident *authz.Identity, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ident.ExpiresAt.Equal(c.ident.ExpiresAt) {
		c.warned = false
	}
	c.ident = ident
	c.state = StateConnected
	c.lastSeen = now
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
}
