package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"echodb/internal/metrics"
	"echodb/internal/models"
	"echodb/internal/mutation"
	"echodb/internal/store"
)

const (
	defaultListLimit = 50
	maxBodyBytes     = 1 << 20

	msgRateLimited  = "Rate limit exceeded. Please slow down."
	msgInvalidJSON  = "Invalid JSON payload."
	msgStoreFailure = "Unable to record the event. Please retry later."
	msgReadFailure  = "Unable to read events. Please retry later."
)

// handleListEvents serves GET /api/events?limit=N&after_id=K.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	var afterID int64
	if v := q.Get("after_id"); v != "" {
		afterID, _ = strconv.ParseInt(v, 10, 64)
	}

	events, err := s.store.ReadAfter(r.Context(), afterID, store.ClampLimit(limit))
	if err != nil {
		s.logger.WithError(err).Error("Failed to list events")
		writeError(w, http.StatusInternalServerError, msgReadFailure)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeData(w, http.StatusOK, events)
}

// handleCreateEvent serves POST /api/events: admission, validation, then one
// store transaction. Sessions are woken after a successful commit.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	identity := clientIdentity(r, s.opts.TrustForwardedFor)
	if s.limiter != nil && !s.limiter.Allow(identity) {
		s.logger.WithField("ip", identity).Warn("Rate limit exceeded")
		if s.metrics != nil {
			s.metrics.RateLimited.Inc()
		}
		writeError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	req, err := decodeMutation(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.logger.WithError(err).Debug("Rejected mutation body")
		s.countMutation("", "", metrics.OutcomeInvalid)
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	m, err := s.validator.Sanitize(req)
	if err != nil {
		s.rejectMutation(w, req.Table, req.Type, err)
		return
	}

	event, err := s.store.Apply(r.Context(), m)
	if err != nil {
		if mutation.IsRejection(err) {
			s.rejectMutation(w, m.Table.Name, m.Type, err)
			return
		}
		s.logger.WithFields(logrus.Fields{
			"table":  m.Table.Name,
			"type":   m.Type,
			"row_id": m.RowID,
		}).WithError(err).Error("Failed to append event")
		s.countMutation(m.Table.Name, m.Type, metrics.OutcomeError)
		writeError(w, http.StatusInternalServerError, msgStoreFailure)
		return
	}

	s.countMutation(m.Table.Name, m.Type, metrics.OutcomeApplied)
	s.hub.Notify()
	writeData(w, http.StatusCreated, event)
}

func (s *Server) rejectMutation(w http.ResponseWriter, table, typ string, err error) {
	outcome := metrics.OutcomeInvalid
	var (
		conflict *mutation.ConflictError
		tooLarge *mutation.PayloadTooLargeError
	)
	switch {
	case errors.As(err, &conflict):
		outcome = metrics.OutcomeConflict
	case errors.As(err, &tooLarge):
		outcome = metrics.OutcomeTooLarge
	default:
		// Unknown tables and types are not used as label values.
		table, typ = "", ""
	}
	s.logger.WithError(err).Warn("Failed to append event")
	s.countMutation(table, typ, outcome)
	writeError(w, http.StatusBadRequest, err.Error())
}

func (s *Server) countMutation(table, typ, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Mutations.WithLabelValues(table, typ, outcome).Inc()
}

// decodeMutation parses a request body. An empty body decodes to an empty
// request and is rejected by validation; anything but a JSON object fails.
func decodeMutation(body io.Reader) (models.MutationRequest, error) {
	var req models.MutationRequest
	data, err := io.ReadAll(body)
	if err != nil {
		return req, err
	}
	if len(data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, err
	}
	return req, nil
}
