package keeperd

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"formicarium/core/events"
)

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	processor *Processor
	auth      *Authenticator
	feed      *events.Stream
	router    chi.Router
}

// AdminOption customises the admin server.
type AdminOption func(*AdminServer)

// WithAuthenticator guards the pause and resume endpoints.
func WithAuthenticator(auth *Authenticator) AdminOption {
	return func(s *AdminServer) { s.auth = auth }
}

// WithFeed serves lifecycle events from stream on /events.
func WithFeed(stream *events.Stream) AdminOption {
	return func(s *AdminServer) { s.feed = stream }
}

// NewAdminServer constructs a server wrapping the provided processor.
func NewAdminServer(processor *Processor, opts ...AdminOption) *AdminServer {
	server := &AdminServer{processor: processor}
	for _, opt := range opts {
		opt(server)
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", server.handleStatus)
	r.Get("/events", server.handleEvents)
	r.Group(func(r chi.Router) {
		r.Use(server.auth.Middleware(ScopeOperator))
		r.Post("/pause", server.handlePause)
		r.Post("/resume", server.handleResume)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	server.router = r
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.processor.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.processor.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.processor.Status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
