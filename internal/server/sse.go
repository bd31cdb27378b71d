package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/carelinkhq/eventgate/internal/connection"
	"github.com/carelinkhq/eventgate/internal/protocol"
)

// sseKeepaliveInterval is how often keepalive comments are sent to prevent
// intermediary connection timeouts.
const sseKeepaliveInterval = 15 * time.Second

// handleStream handles GET /v1/stream (SSE push endpoint). A bare request
// opens a fresh session; ?connection_id= resumes a dropped one within the
// grace window, keeping its subscriptions after re-authorization.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ident := identityFrom(r.Context())

	var (
		conn *connection.Conn
		err  error
	)
	if resumeID := r.URL.Query().Get("connection_id"); resumeID != "" {
		conn, err = s.manager.Resume(r.Context(), resumeID, ident)
		if err != nil {
			// The session is gone; the client starts over with a fresh
			// connection and resubscribes.
			writeError(w, http.StatusGone, "session not resumable")
			return
		}
	} else {
		conn, err = s.manager.Connect(ident)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to open connection")
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)

	if err := writeSSEFrame(w, protocol.ConnectedFrame(conn.ID())); err != nil {
		s.manager.Detach(conn.ID())
		return
	}
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			// Transport gone; hold the session for resume.
			s.manager.Detach(conn.ID())
			return
		case f := <-conn.Frames():
			if err := writeSSEFrame(w, f); err != nil {
				slog.Debug("stream write failed", "conn_id", conn.ID(), "error", err)
				s.manager.Detach(conn.ID())
				return
			}
			flusher.Flush()
			if f.Type == protocol.TypeAuthExpired {
				// The sweep already tore the session down; end the stream.
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				s.manager.Detach(conn.ID())
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEFrame writes one server frame as an SSE event.
func writeSSEFrame(w http.ResponseWriter, f *protocol.ServerFrame) error {
	data, err := protocol.EncodeServerFrame(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event:%s\ndata:%s\n\n", f.Type, data)
	return err
}
