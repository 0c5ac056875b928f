package server

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"chatlog/internal/compaction"
	"chatlog/internal/storage"
)

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.Authorize(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	req := compaction.Request{Day: q.Get("day"), Force: q.Get("force") == "1"}
	if req.Day != "" {
		if _, err := storage.ParseDay(req.Day); err != nil {
			writeError(w, http.StatusBadRequest, "invalid day")
			return
		}
	}

	res, err := s.compactor.Run(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("component", "compaction").Str("day", req.Day).Msg("compaction failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleLogs serves stored objects for backends that have no public URL of their own.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	if err := storage.ValidKey(key); err != nil || !strings.HasPrefix(key, storage.LogsPrefix) {
		http.NotFound(w, r)
		return
	}
	data, err := s.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Error().Err(err).Str("key", key).Msg("read log object")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", storage.ContentTypeFor(key))
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}
