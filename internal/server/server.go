// Package server exposes log ingestion, compaction and public log reads over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chatlog/internal/auth"
	"chatlog/internal/compaction"
	"chatlog/internal/logwriter"
	"chatlog/internal/storage"
)

type Options struct {
	Addr      string
	Store     storage.Store
	Writer    *logwriter.Writer
	Compactor *compaction.Compactor
	Auth      *auth.Service
	Now       func() time.Time
}

type Server struct {
	store     storage.Store
	writer    *logwriter.Writer
	compactor *compaction.Compactor
	auth      *auth.Service
	now       func() time.Time
	startTime time.Time

	validator *validator
	mux       *http.ServeMux
	server    *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Writer == nil || opts.Compactor == nil || opts.Auth == nil {
		return nil, errors.New("server: store, writer, compactor and auth are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:     opts.Store,
		writer:    opts.Writer,
		compactor: opts.Compactor,
		auth:      opts.Auth,
		now:       opts.Now,
		startTime: opts.Now(),
		validator: v,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/log-event", s.handleLogEvent)
	s.mux.HandleFunc("/api/admin/compact", s.handleCompact)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/logs/", s.handleLogs)

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.server.Addr).Msg("starting chatlog server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "chatlog",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"uptime":    s.now().Sub(s.startTime).String(),
	})
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{OK: false, Error: msg})
}
