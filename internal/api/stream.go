package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"echodb/internal/stream"
)

// responseFlusher adapts an http.ResponseWriter to stream.FlushWriter.
type responseFlusher struct {
	http.ResponseWriter
	rc *http.ResponseController
}

func (f responseFlusher) Flush() {
	f.rc.Flush()
}

// handleStream serves GET /api/stream as Server-Sent Events for up to the
// configured maximum duration. Clients reconnect with Last-Event-ID.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cursor, explicit := resumeCursor(r)
	if !explicit {
		latest, err := s.store.LatestID(r.Context())
		if err != nil {
			s.logger.WithError(err).Error("Failed to resolve stream cursor")
			writeError(w, http.StatusInternalServerError, msgReadFailure)
			return
		}
		cursor = latest
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	out := responseFlusher{ResponseWriter: w, rc: http.NewResponseController(w)}
	out.Flush()

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	stop := context.AfterFunc(s.base, func() {
		cancel(context.Cause(s.base))
	})
	defer stop()

	wake, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	if s.metrics != nil {
		s.metrics.StreamSessions.Inc()
		defer s.metrics.StreamSessions.Dec()
	}

	session := stream.NewSession(s.store, out, cursor, s.opts.Stream, wake, s.logger)
	res, err := session.Run(ctx)
	reason := res.Reason
	if err != nil {
		// The session has already logged err; headers are sent, so only
		// the metric can report it.
		reason = stream.ReasonError
	}

	if s.metrics != nil {
		s.metrics.StreamEvents.Add(float64(res.Sent))
		s.metrics.StreamsClosed.WithLabelValues(string(reason)).Inc()
	}
}

// resumeCursor reads the resumption token from the Last-Event-ID header,
// falling back to the lastEventId query parameter. Malformed or negative
// tokens count as 0.
func resumeCursor(r *http.Request) (int64, bool) {
	var raw string
	if values, ok := r.Header["Last-Event-Id"]; ok && len(values) > 0 {
		raw = values[0]
	} else if values, ok := r.URL.Query()["lastEventId"]; ok && len(values) > 0 {
		raw = values[0]
	} else {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 0 {
		return 0, true
	}
	return id, true
}
