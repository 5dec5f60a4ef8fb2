// Package monitor serves the observability HTTP endpoints. It is not a data
// surface: clients read market data over the wire protocol, this server only
// answers health probes and Prometheus scrapes.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/datafeedhq/datafeed/internal/metrics"
	"github.com/datafeedhq/datafeed/internal/store"
)

// Server is the optional monitor endpoint, enabled by a non-empty address.
type Server struct {
	mgr     *store.Manager
	datadir string
	started time.Time
	srv     *http.Server
	log     zerolog.Logger
}

// New builds the monitor over the manager and the collector registry.
func New(addr string, mgr *store.Manager, reg *metrics.Registry, datadir string, logger zerolog.Logger) *Server {
	s := &Server{
		mgr:     mgr,
		datadir: datadir,
		started: time.Now(),
		log:     logger.With().Str("component", "monitor").Logger(),
	}

	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("monitor listening")
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Mtime    int64  `json:"mtime"`
	Calendar string `json:"calendar"`
	Datadir  string `json:"datadir"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:   "healthy",
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Mtime:    s.mgr.Mtime(),
		Calendar: s.mgr.Calendar().Name(),
		Datadir:  s.datadir,
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.New().String())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}
