package api

import (
	"net/http"
)

type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	Environment string `json:"environment,omitempty"`
	Database    string `json:"database,omitempty"`
}

// handleHealth serves GET /api. It always answers 200; the database probe
// result is reported in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	database := "connected"
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Database health probe failed")
		database = "unreachable"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Service:     s.opts.App.Name,
		Version:     s.opts.App.Version,
		Environment: s.opts.App.Environment,
		Database:    database,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Service: s.opts.App.Name,
		Version: s.opts.App.Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.stats.Snapshot(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to compute stats")
		writeError(w, http.StatusInternalServerError, "Unable to compute stats. Please retry later.")
		return
	}
	writeData(w, http.StatusOK, snapshot)
}
