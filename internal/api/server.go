// Package api exposes the event log over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"echodb/internal/config"
	"echodb/internal/metrics"
	"echodb/internal/models"
	"echodb/internal/mutation"
	"echodb/internal/ratelimit"
	"echodb/internal/stats"
	"echodb/internal/stream"
)

// Store is the slice of the event store the HTTP surface uses.
type Store interface {
	stream.Source
	Apply(ctx context.Context, m mutation.Sanitized) (models.Event, error)
	LatestID(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Options carries the HTTP-facing configuration.
type Options struct {
	App               config.AppConfig
	BasePath          string
	CORS              config.CORSConfig
	TrustForwardedFor bool
	Stream            stream.Config
}

// Server wires the domain services to HTTP handlers.
type Server struct {
	store     Store
	validator *mutation.Validator
	limiter   *ratelimit.Limiter
	stats     *stats.Service
	hub       *stream.Hub
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	opts      Options

	origins map[string]bool

	// Cancelled with stream.ErrShutdown by Close.
	base   context.Context
	cancel context.CancelCauseFunc
}

// NewServer creates a server. limiter may be nil to disable rate limiting.
func NewServer(store Store, validator *mutation.Validator, limiter *ratelimit.Limiter, statsService *stats.Service,
	hub *stream.Hub, m *metrics.Metrics, opts Options, logger *logrus.Logger) *Server {
	base, cancel := context.WithCancelCause(context.Background())
	origins := make(map[string]bool, len(opts.CORS.AllowedOrigins))
	for _, o := range opts.CORS.AllowedOrigins {
		origins[o] = true
	}
	return &Server{
		store:     store,
		validator: validator,
		limiter:   limiter,
		stats:     statsService,
		hub:       hub,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		origins:   origins,
		base:      base,
		cancel:    cancel,
	}
}

// Close ends every open stream session. Call it before shutting down the
// http.Server, which otherwise waits for streams to reach their maximum
// duration.
func (s *Server) Close() {
	s.cancel(stream.ErrShutdown)
}

// Handler returns the router with every route mounted under the base path.
func (s *Server) Handler() http.Handler {
	root := mux.NewRouter()
	root.NotFoundHandler = http.HandlerFunc(notFound)
	root.MethodNotAllowedHandler = http.HandlerFunc(notFound)

	r := root
	if s.opts.BasePath != "" && s.opts.BasePath != "/" {
		r = root.PathPrefix(s.opts.BasePath).Subrouter()
		r.NotFoundHandler = http.HandlerFunc(notFound)
		r.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	}

	r.Use(s.logRequests, s.cors)

	r.HandleFunc("/api", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/index", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/api/events", s.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/events", s.handleCreateEvent).Methods(http.MethodPost)
	r.HandleFunc("/api/events", s.handleOptions).Methods(http.MethodOptions)
	r.HandleFunc("/api/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	return root
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" && (len(s.origins) == 0 || s.origins[origin]) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Not Found")
}
