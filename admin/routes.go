package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/daveisfera/rethinkdb/cfg"
	"github.com/daveisfera/rethinkdb/telemetry"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()

	r.Get("/health", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(chiAuthMiddleware)
		r.Get("/stats", handlers.handleStats)
		r.Get("/feeds", handlers.handleFeeds)
		r.Get("/tables", handlers.handleListTables)
		r.Get("/tables/{table}", handlers.wrapWithTable(handlers.handleTable))
		r.Post("/tables/{table}/drop", handlers.wrapWithTable(handlers.handleDropTable))
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}

func (h *Handlers) wrapWithTable(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		if table == "" {
			writeErrorResponse(w, http.StatusBadRequest, "table name is required")
			return
		}
		fn(w, r, table)
	}
}

// Server runs the admin HTTP listener.
type Server struct {
	srv *http.Server
}

// NewServer builds the admin listener from the active configuration.
func NewServer(handlers *Handlers) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Admin API listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin API server failed")
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin API shutdown failed")
	}
}
