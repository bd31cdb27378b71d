package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carelinkhq/eventgate/internal/authz"
	"github.com/carelinkhq/eventgate/internal/protocol"
	"github.com/carelinkhq/eventgate/internal/registry"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
func (s *Server) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("POST /v1/connections/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/events", s.handlePublish)
	mux.HandleFunc("GET /v1/poll", s.handlePoll)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.authMiddleware(mux)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMessages handles POST /v1/connections/{id}/messages: one client
// frame per request, addressed to a live session.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	connID := r.PathValue("id")

	conn, ok := s.manager.Get(connID)
	if !ok || conn.Identity().Subject != ident.Subject {
		// An unknown session and another subject's session look identical.
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	frame, err := protocol.DecodeClientFrame(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn.Touch(s.now())

	switch frame.Type {
	case protocol.TypeSubscribe:
		err := s.reg.Subscribe(r.Context(), connID, ident, frame.Pattern)
		switch {
		case errors.Is(err, registry.ErrSubscriptionLimit):
			writeError(w, http.StatusConflict, "subscription limit reached")
		case errors.Is(err, authz.ErrDenied):
			writeError(w, http.StatusForbidden, "subscription denied")
		case err != nil:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
		}

	case protocol.TypeUnsubscribe:
		s.reg.Unsubscribe(connID, frame.Pattern)
		writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})

	case protocol.TypePublishBatch:
		if s.tracker.Overloaded(connID) {
			s.writeBackpressure(w)
			return
		}
		acked := s.publisher.PublishBatch(r.Context(), ident, frame.Events)
		writeJSON(w, http.StatusOK, protocol.AckBatchFrame(acked))

	case protocol.TypeAck:
		s.tracker.Ack(r.Context(), frame.EventID, connID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "acked"})

	case protocol.TypePing:
		s.manager.Heartbeat(connID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusBadRequest, "unsupported frame type")
	}
}

// handlePublish handles POST /v1/events: the connectionless ingress path.
// The body is a publish_batch client frame; the response is the batch ack.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	frame, err := protocol.DecodeClientFrame(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if frame.Type != protocol.TypePublishBatch {
		writeError(w, http.StatusBadRequest, "expected a publish_batch frame")
		return
	}
	if s.tracker.Overloaded("") {
		s.writeBackpressure(w)
		return
	}

	acked := s.publisher.PublishBatch(r.Context(), ident, frame.Events)
	writeJSON(w, http.StatusOK, protocol.AckBatchFrame(acked))
}

// writeBackpressure rejects a publish attempt while the pending-ack table is
// over its threshold. The client pauses and retries.
func (s *Server) writeBackpressure(w http.ResponseWriter) {
	writeJSON(w, http.StatusTooManyRequests,
		protocol.BackpressureFrame(s.manager.RetryAfter().Milliseconds()))
}

// handlePoll handles GET /v1/poll: the pull-based fallback read path.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		v, err := strconv.ParseInt(c, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = v
	}
	var limit int
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	res, err := s.poll.Poll(r.Context(), ident, r.URL.Query().Get("pattern"), cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// identityKey is the context key for the verified request identity.
type identityKey struct{}

// identityFrom returns the identity the auth middleware stored.
func identityFrom(ctx context.Context) *authz.Identity {
	ident, _ := ctx.Value(identityKey{}).(*authz.Identity)
	return ident
}

// authMiddleware verifies the bearer token on every route except health and
// metrics, and stores the resulting identity in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && (r.URL.Path == "/v1/health" || r.URL.Path == "/metrics") {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ident, err := s.verifier.Verify(r.Context(), strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, ident)))
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
