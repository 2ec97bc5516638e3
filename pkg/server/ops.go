package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/cache"
	"github.com/shortlinker/shortlinker/pkg/reload"
)

type reloadRequest struct {
	Target string `json:"target"`
}

// postReload runs a reload inline and reports what it changed. A
// concurrent reload answers 409.
func (s *Server) postReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		respondUnavailable(w, r, "reload is not available on this server")

		return
	}

	var req reloadRequest

	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondValidation(w, r, err.Error())

			return
		}
	}

	target, err := reload.ParseTarget(req.Target)
	if err != nil {
		respondValidation(w, r, err.Error())

		return
	}

	res, err := s.reloader.Reload(r.Context(), target)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondAccepted(w, r, res)
}

// postBackup kicks off a backup and returns before it finishes; the
// outcome lands in the log. A run already in flight just means this
// trigger was redundant.
func (s *Server) postBackup(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		respondUnavailable(w, r, "backup is not available on this server")

		return
	}

	ctx := context.WithoutCancel(r.Context())

	go func() {
		if _, err := s.backup.Run(ctx); err != nil && !errors.Is(err, backup.ErrBackupBusy) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("error running the backup")
		}
	}()

	respondAccepted(w, r, map[string]string{"status": "started"})
}

type healthView struct {
	Status     string          `json:"status"`
	Version    string          `json:"version,omitempty"`
	InstanceID string          `json:"instance_id"`
	Uptime     string          `json:"uptime"`
	Dialect    string          `json:"dialect"`
	Database   string          `json:"database"`
	Cache      cache.Stats     `json:"cache"`
	Buffer     bufferStatsView `json:"buffer"`
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	view := &healthView{
		Status:     "ok",
		Version:    s.version,
		InstanceID: s.handle.Load().InstanceID,
		Uptime:     s.clock.Since(s.startedAt).Round(time.Second).String(),
		Dialect:    s.db.Type().String(),
		Database:   "ok",
		Cache:      s.cache.Stats(),
		Buffer:     s.bufferStats(),
	}

	if err := s.db.PingContext(r.Context()); err != nil {
		view.Status = "degraded"
		view.Database = err.Error()

		writeEnvelope(w, r, http.StatusServiceUnavailable, envelope{Code: codeStorage, Data: view})

		return
	}

	respondData(w, r, view)
}
