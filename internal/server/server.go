// Package server exposes rooms over WebSocket and project history over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/chatndev/internal/auth"
	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/metrics"
	"github.com/ehrlich-b/chatndev/internal/room"
	"github.com/ehrlich-b/chatndev/internal/router"
	"github.com/ehrlich-b/chatndev/internal/store"
)

// ErrInvalidProject is returned for project ids that are malformed or unknown.
var ErrInvalidProject = errors.New("invalid project")

var errProjectNotFound = errors.New("project not found")

type Options struct {
	Store    *store.Store
	Rooms    *room.Registry
	Router   *router.Router
	Verifier *auth.Verifier
	Metrics  *metrics.Registry
	// AllowedOrigins are host patterns ("localhost:5173", "*.example.com")
	// or full origins. Empty allows same-origin requests only.
	AllowedOrigins []string
	// MessagesPerSecond and Burst bound inbound frames per connection.
	MessagesPerSecond float64
	Burst             int
	Outbox            int
}

type Server struct {
	store    *store.Store
	rooms    *room.Registry
	router   *router.Router
	verifier *auth.Verifier
	metrics  *metrics.Registry
	origins  []string
	limit    rate.Limit
	burst    int
	outbox   int
	log      *slog.Logger

	mux      *http.ServeMux
	handler  http.Handler
	inflight sync.WaitGroup
}

func New(opts Options) *Server {
	s := &Server{
		store:    opts.Store,
		rooms:    opts.Rooms,
		router:   opts.Router,
		verifier: opts.Verifier,
		metrics:  opts.Metrics,
		origins:  originPatterns(opts.AllowedOrigins),
		limit:    rate.Inf,
		burst:    opts.Burst,
		outbox:   opts.Outbox,
		log:      logger.With("server"),
		mux:      http.NewServeMux(),
	}
	if opts.MessagesPerSecond > 0 {
		s.limit = rate.Limit(opts.MessagesPerSecond)
	}
	if s.burst <= 0 {
		s.burst = 20
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.HandleFunc("GET /projects", s.requireAuth(s.handleListProjects))
	s.mux.HandleFunc("POST /projects", s.requireAuth(s.handleCreateProject))
	s.mux.HandleFunc("GET /projects/{id}", s.requireAuth(s.handleGetProject))
	s.mux.HandleFunc("PUT /projects/{id}/file-tree", s.requireAuth(s.handlePutFileTree))

	s.mux.HandleFunc("POST /projects/{id}/messages", s.requireAuth(s.handleCreateMessage))
	s.mux.HandleFunc("GET /projects/{id}/messages", s.requireAuth(s.handleListMessages))
	s.mux.HandleFunc("GET /projects/{id}/messages/recent", s.requireAuth(s.handleRecentMessages))
	s.mux.HandleFunc("DELETE /projects/{id}/messages", s.requireAuth(s.handleDeleteMessages))

	s.handler = s.withHeaders(s.mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Drain waits for assistant replies and tree updates started by connections
// to finish, or for ctx to end.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rooms": s.rooms.Len()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
