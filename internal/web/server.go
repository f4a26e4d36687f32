package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/zombor/docextract/internal/session"
)

// Server maps browser requests onto a Session
type Server struct {
	session *session.Session
	ctx     context.Context
	mux     *http.ServeMux
}

// NewServer creates a new Server with default mux. ctx bounds the uploads
// started through it.
func NewServer(ctx context.Context, s *session.Session) *Server {
	return NewServerWithMux(ctx, s, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(ctx context.Context, s *session.Session, mux *http.ServeMux) *Server {
	srv := &Server{
		session: s,
		ctx:     ctx,
		mux:     mux,
	}
	srv.registerRoutes()
	return srv
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// registerRoutes registers all routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /static/app.css", s.handleStaticCSS)
	s.mux.HandleFunc("GET /static/app.js", s.handleStaticJS)

	s.mux.HandleFunc("GET /api/state", s.handleGetState)
	s.mux.HandleFunc("POST /api/upload", s.handleUpload)
	s.mux.HandleFunc("PUT /api/fields/{index}", s.handleEditField)
	s.mux.HandleFunc("GET /api/export/{format}", s.handleExport)

	// Static HTML interface (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.handleIndex)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Server shutdown", "error", err)
		}
	}()

	slog.Info("Starting server", "address", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.mux).ServeHTTP(w, r)
}
