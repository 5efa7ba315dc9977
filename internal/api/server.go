// Package api serves the run status and history over HTTP.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/dicomanon/internal/api/handlers"
	"github.com/eargollo/dicomanon/internal/batch"
	"github.com/eargollo/dicomanon/internal/scheduler"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr    string
	srv     *http.Server
	handler http.Handler
}

// New wires all routes. db and sched may be nil; baseCtx bounds runs
// started through the API.
func New(baseCtx context.Context, addr string, db *sql.DB, mgr *batch.Manager, sched *scheduler.Scheduler, version string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	statusH := &handlers.StatusHandler{DB: db, Manager: mgr, Sched: sched, Version: version}
	runsH := &handlers.RunsHandler{DB: db, Manager: mgr, BaseCtx: baseCtx}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Post("/runs", runsH.Create)
		r.Get("/runs", runsH.List)
		r.Delete("/runs/current", runsH.Cancel)
		r.Get("/runs/{id}", runsH.Get)
		r.Get("/runs/{id}/results", runsH.Results)
	})

	return &Server{
		addr:    addr,
		handler: r,
		srv:     &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second},
	}
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
