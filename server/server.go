// Package server exposes the thread list and the listing draft over a local
// JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classifieds-sync/api"
	"classifieds-sync/auth"
	"classifieds-sync/draft"
	"classifieds-sync/fields"
	"classifieds-sync/pkg/classifieds"
	"classifieds-sync/posting"
	"classifieds-sync/threadsync"
)

// Threads is the sync engine as seen by the handlers.
type Threads interface {
	Snapshot() threadsync.Snapshot
	SetQuery(query string) []classifieds.ThreadSummary
	Refresh(ctx context.Context) error
}

// Posting is the listing wizard as seen by the handlers.
type Posting interface {
	Drafts() *draft.Store
	LoadFields(ctx context.Context) (*fields.Schema, error)
	CommitFields(ctx context.Context, values fields.Values) (draft.Draft, error)
	Review() error
	Submit(ctx context.Context) (*classifieds.Post, error)
	Discard(ctx context.Context) draft.Draft
	SavePendingPhotos(ctx context.Context, photos []draft.Photo) error
	SaveCity(ctx context.Context, c posting.City) error
}

// Session manages the bearer token.
type Session interface {
	SetToken(ctx context.Context, token, userID string) error
	Clear(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Threads Threads
	Posting Posting
	Session Session
	Metrics prometheus.Gatherer // Served on /metrics when set
	Logger  *slog.Logger

	// UpstreamLimit caps refreshes and submissions per client per minute.
	// Defaults to 30.
	UpstreamLimit int
}

// Server handles HTTP requests.
type Server struct {
	threads Threads
	posting Posting
	session Session
	metrics prometheus.Gatherer
	logger  *slog.Logger
	limiter *rateLimiter
	router  chi.Router
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		threads: cfg.Threads,
		posting: cfg.Posting,
		session: cfg.Session,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	limit := cfg.UpstreamLimit
	if limit <= 0 {
		limit = 30
	}
	s.limiter = newRateLimiter(limit, time.Minute)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	r.Get("/threads", s.handleThreads)
	limit := s.limiter.middleware(s)
	r.With(limit).Post("/threads/refresh", s.handleRefresh)
	r.Get("/contacts", s.handleContacts)

	r.Route("/draft", func(r chi.Router) {
		r.Get("/", s.handleDraft)
		r.Delete("/", s.handleDiscard)
		r.Patch("/base", s.handlePatchBase)
		r.Put("/tags", s.handleTags)
		r.Put("/city", s.handleCity)
		r.Post("/photos", s.handleAddPhotos)
		r.Delete("/photos/{key}", s.handleRemovePhoto)
		r.Put("/primary", s.handlePrimary)
		r.Get("/fields", s.handleLoadFields)
		r.Put("/fields", s.handleCommitFields)
		r.Post("/review", s.handleReview)
		r.With(limit).Post("/submit", s.handleSubmit)
	})

	r.Put("/session", s.handleSetSession)
	r.Delete("/session", s.handleClearSession)
	return r
}

// ServeHTTP routes a request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // Submissions upload photos upstream
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// writeError maps domain errors to HTTP statuses. Validation problems are
// 422 with the field map, a missing session is 401 and remote API answers
// are 502 with the server's own messages. Anything else gets fallback.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	var ve *posting.ValidationError
	var se *api.StatusError
	switch {
	case errors.As(err, &ve):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Fields: ve.Fields})
	case errors.Is(err, posting.ErrLoginRequired), errors.Is(err, auth.ErrNoToken):
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "login required"})
	case errors.Is(err, threadsync.ErrStopped):
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "sync stopped"})
	case errors.As(err, &se):
		msg := se.Messages()
		if msg == "" {
			msg = http.StatusText(se.StatusCode)
		}
		s.writeJSON(w, http.StatusBadGateway, errorBody{Error: msg})
	default:
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeJSON(w, fallback, errorBody{Error: err.Error()})
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
