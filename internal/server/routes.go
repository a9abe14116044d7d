/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/skuld_signage/internal/auth"
	"github.com/friendsincode/skuld_signage/internal/telemetry"
	"github.com/friendsincode/skuld_signage/internal/version"
)

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.router.Post("/api/auth/login", s.handleLogin)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.secret))

		r.Get("/api/state", s.handleState)
		r.Get("/api/health", s.handleHealth)

		r.Post("/api/web/navigate", s.handleNavigate)
		r.Post("/api/web/action", s.handleWebAction)

		r.Get("/api/media", s.handleMediaList)
		r.Post("/api/media/upload", s.handleMediaUpload)
		r.Post("/api/media/play", s.handleMediaPlay)
		r.Post("/api/media/stop", s.handleMediaStop)
		r.Post("/api/media/pause", s.handleMediaPause)
		r.Post("/api/media/resume", s.handleMediaResume)
		r.Get("/api/media/status", s.handleMediaStatus)
		r.Post("/api/media/delete", s.handleMediaDelete)
		r.Post("/api/media/tags", s.handleMediaTags)

		r.Get("/api/playlists", s.handlePlaylistList)
		r.Put("/api/playlists/{id}", s.handlePlaylistUpsert)
		r.Delete("/api/playlists/{id}", s.handlePlaylistDelete)

		r.Get("/api/schedules", s.handleScheduleList)
		r.Put("/api/schedules/{id}", s.handleScheduleUpsert)
		r.Delete("/api/schedules/{id}", s.handleScheduleDelete)

		r.Get("/api/scheduler", s.handleSchedulerStatus)
		r.Get("/api/fallback", s.handleFallbackGet)
		r.Post("/api/fallback", s.handleFallbackSet)

		r.Get("/api/history", s.handleHistory)
		r.Get("/api/logs", s.handleLogs)

		r.Get("/ws", s.handleEventsWS)
	})

	s.router.NotFound(s.handleStatic)
}
