// Package server exposes the gateway over HTTP: the SSE push stream, the
// client message endpoint, the ingress batch endpoint, and the poll-based
// fallback. Every route except health and metrics requires a verified
// bearer token.
package server

import (
	"time"

	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/connection"
	"github.com/carelinkhq/eventgate/internal/delivery"
	"github.com/carelinkhq/eventgate/internal/ingress"
	"github.com/carelinkhq/eventgate/internal/poller"
	"github.com/carelinkhq/eventgate/internal/registry"
)

// Server holds the gateway's request-facing collaborators.
type Server struct {
	verifier  authz.TokenVerifier
	reg       *registry.Registry
	manager   *connection.Manager
	publisher *ingress.Publisher
	poll      *poller.Poller
	tracker   *delivery.Tracker
	now       func() time.Time
}

// New wires the HTTP surface to the gateway internals.
func New(
	verifier authz.TokenVerifier,
	reg *registry.Registry,
	manager *connection.Manager,
	publisher *ingress.Publisher,
	poll *poller.Poller,
	tracker *delivery.Tracker,
) *Server {
	return &Server{
		verifier:  verifier,
		reg:       reg,
		manager:   manager,
		publisher: publisher,
		poll:      poll,
		tracker:   tracker,
		now:       time.Now,
	}
}
