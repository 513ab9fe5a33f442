package app

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oscarsailing/scontrini/internal/bundle"
	"github.com/oscarsailing/scontrini/internal/session"
	"github.com/oscarsailing/scontrini/internal/store"
	"github.com/oscarsailing/scontrini/internal/upload"
)

// Server handles HTTP requests from the capture UI.
type Server struct {
	orchestrator *upload.Orchestrator
	workflow     *bundle.Workflow
	db           store.DB
	sessions     *session.Manager
	basicAuth    BasicAuth
	mux          *http.ServeMux
}

// BasicAuth holds basic authentication credentials.
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with a default mux.
func NewServer(orchestrator *upload.Orchestrator, workflow *bundle.Workflow, db store.DB, sessions *session.Manager, basicAuth BasicAuth) *Server {
	return NewServerWithMux(orchestrator, workflow, db, sessions, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing.
func NewServerWithMux(orchestrator *upload.Orchestrator, workflow *bundle.Workflow, db store.DB, sessions *session.Manager, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		orchestrator: orchestrator,
		workflow:     workflow,
		db:           db,
		sessions:     sessions,
		basicAuth:    basicAuth,
		mux:          mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials.
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Scontrini"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response.
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux.
// Routes are registered from most specific to least specific.
func (s *Server) registerRoutes() {
	// Capture pipeline and history
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleCapture))
	s.mux.HandleFunc("GET /api/history", s.requireAuth(s.handleListHistory))
	s.mux.HandleFunc("DELETE /api/history/{index}", s.requireAuth(s.handleDeleteHistory))

	// Session lifecycle
	s.mux.HandleFunc("POST /api/session", s.requireAuth(s.handleAcceptToken))
	s.mux.HandleFunc("GET /api/auth/url", s.requireAuth(s.handleAuthURL))

	// Connectivity and status
	s.mux.HandleFunc("POST /api/online", s.requireAuth(s.handleOnline))
	s.mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))

	// Send-to-accountant workflow
	s.mux.HandleFunc("POST /api/bundle/execute", s.requireAuth(s.handleBundleExecute))
	s.mux.HandleFunc("POST /api/bundle", s.requireAuth(s.handleBundleInitiate))
	s.mux.HandleFunc("DELETE /api/bundle", s.requireAuth(s.handleBundleCancel))

	// Developer config overrides (the "magic link" query params, relayed
	// by the page before it strips them from the visible URL)
	s.mux.HandleFunc("POST /api/config", s.requireAuth(s.handleConfig))
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		})(w, r)
	}))
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
