package api

import (
	"net/http"
)

// Server answers plain HTTP liveness checks for uptime monitors that do not
// speak the socket protocol. It never touches the gateway or the roster.
type Server struct {
	allowedOrigin string
	router        *http.ServeMux
}

// NewServer creates the liveness server. allowedOrigin sets the CORS origin
// header; empty means any origin.
func NewServer(allowedOrigin string) *Server {
	s := &Server{
		allowedOrigin: allowedOrigin,
		router:        http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	handler := s.corsMiddleware(http.HandlerFunc(s.handleStatus))
	s.router.Handle("/", handler)
	s.router.Handle("/health", handler)
	s.router.Handle("/status", handler)
}

// ServeHTTP implements http.Handler for mounting under the main server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleStatus answers the well-known liveness paths with a fixed body.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	// The "/" pattern is a catch-all; anything but the three liveness
	// paths is a 404.
	switch r.URL.Path {
	case "/", "/health", "/status":
	default:
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("online!"))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.allowedOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
