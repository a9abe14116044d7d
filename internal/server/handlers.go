/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/skuld_signage/internal/auth"
	"github.com/friendsincode/skuld_signage/internal/browser"
	"github.com/friendsincode/skuld_signage/internal/content"
	"github.com/friendsincode/skuld_signage/internal/events"
	"github.com/friendsincode/skuld_signage/internal/logbuffer"
	"github.com/friendsincode/skuld_signage/internal/store"
	"github.com/friendsincode/skuld_signage/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeStoreError maps store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation", "reason": verr.Reason})
	case errors.Is(err, store.ErrPlaylistNotFound), errors.Is(err, store.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		writeError(w, http.StatusInternalServerError, "store_error")
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if s.cfg.PasswordHash == "" {
		writeError(w, http.StatusServiceUnavailable, "password_not_configured")
		return
	}
	if !auth.VerifyPassword(s.cfg.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid_password")
		return
	}

	token, err := auth.Issue(s.secret, s.cfg.DisplayName, s.cfg.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": time.Now().Add(s.cfg.TokenTTL),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"content":   s.contentRouter.Status(),
		"scheduler": s.sched.Snapshot(),
		"display":   s.displayMgr.IsRunning(),
		"version":   version.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"host":     s.collector.Collect(r.Context()),
		"services": s.monitor.Statuses(),
		"version":  version.Version,
	})
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url_required")
		return
	}
	if err := s.contentRouter.Navigate(r.Context(), req.URL); err != nil {
		s.logger.Error().Err(err).Str("url", req.URL).Msg("navigate failed")
		writeError(w, http.StatusInternalServerError, "navigate_failed")
		return
	}
	writeJSON(w, http.StatusOK, s.contentRouter.Status())
}

func (s *Server) handleWebAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if s.contentRouter.Status().Mode != content.ModeWeb {
		writeError(w, http.StatusConflict, "not_in_web_mode")
		return
	}

	var err error
	switch req.Action {
	case "reload":
		err = s.browserSvc.Reload(r.Context())
	case "back":
		err = s.browserSvc.Back(r.Context())
	case "forward":
		err = s.browserSvc.Forward(r.Context())
	case "home":
		err = s.browserSvc.Home(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "unknown_action")
		return
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, browser.ErrNoHistoryEntry):
		writeError(w, http.StatusConflict, "history_exhausted")
	case errors.Is(err, browser.ErrNotRunning):
		writeError(w, http.StatusConflict, "browser_not_running")
	default:
		s.logger.Error().Err(err).Str("action", req.Action).Msg("web action failed")
		writeError(w, http.StatusInternalServerError, "action_failed")
	}
}

func (s *Server) handleMediaList(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("rescan") == "true"
	items, err := s.media.Scan(r.Context(), force)
	if err != nil {
		s.logger.Error().Err(err).Msg("media scan failed")
		writeError(w, http.StatusInternalServerError, "scan_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMediaPlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id_required")
		return
	}
	item, err := s.contentRouter.PlayMedia(r.Context(), req.ID)
	if errors.Is(err, content.ErrMediaNotFound) {
		writeError(w, http.StatusNotFound, "media_not_found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("id", req.ID).Msg("media play failed")
		writeError(w, http.StatusInternalServerError, "play_failed")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleMediaStop(w http.ResponseWriter, r *http.Request) {
	req := struct {
		FallbackToWeb *bool `json:"fallback_to_web"`
	}{}
	_ = json.NewDecoder(r.Body).Decode(&req)
	fallback := req.FallbackToWeb == nil || *req.FallbackToWeb

	if err := s.contentRouter.StopMedia(r.Context(), fallback); err != nil {
		s.logger.Error().Err(err).Msg("media stop failed")
		writeError(w, http.StatusInternalServerError, "stop_failed")
		return
	}
	writeJSON(w, http.StatusOK, s.contentRouter.Status())
}

func (s *Server) handleMediaPause(w http.ResponseWriter, r *http.Request) {
	s.contentRouter.PauseMedia()
	writeJSON(w, http.StatusOK, s.contentRouter.Status())
}

func (s *Server) handleMediaResume(w http.ResponseWriter, r *http.Request) {
	s.contentRouter.ResumeMedia()
	writeJSON(w, http.StatusOK, s.contentRouter.Status())
}

func (s *Server) handleMediaStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.playerSvc.Status())
}

func (s *Server) handleMediaDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id_required")
		return
	}
	item, err := s.media.ByIdentifier(r.Context(), req.ID)
	if err != nil || item == nil {
		writeError(w, http.StatusNotFound, "media_not_found")
		return
	}
	if err := os.Remove(item.Path); err != nil {
		s.logger.Error().Err(err).Str("path", item.Path).Msg("media delete failed")
		writeError(w, http.StatusInternalServerError, "delete_failed")
		return
	}
	if err := s.meta.Remove(req.ID); err != nil {
		s.logger.Warn().Err(err).Str("id", req.ID).Msg("metadata cleanup failed")
	}
	s.media.InvalidateCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMediaTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string   `json:"id"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id_required")
		return
	}
	item, err := s.media.ByIdentifier(r.Context(), req.ID)
	if err != nil || item == nil {
		writeError(w, http.StatusNotFound, "media_not_found")
		return
	}
	if err := s.meta.SetTags(req.ID, req.Tags); err != nil {
		s.logger.Error().Err(err).Str("id", req.ID).Msg("tag update failed")
		writeError(w, http.StatusInternalServerError, "tags_failed")
		return
	}
	s.media.InvalidateCache()
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "tags": s.meta.Tags(req.ID)})
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeUploadFilename keeps the base name of the client-supplied filename and
// flattens anything outside [A-Za-z0-9._-] to underscores.
func safeUploadFilename(raw string) (string, error) {
	name := raw
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "", errors.New("filename required")
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_"), nil
}

func (s *Server) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.MaxUploadMB) << 20
	if limit <= 0 {
		limit = 200 << 20
	}
	// slack covers the multipart framing around the file part
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))

	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_multipart")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file_required")
		return
	}
	defer file.Close()

	filename, err := safeUploadFilename(header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, "filename_required")
		return
	}

	root := s.cfg.MediaLocalRoot
	if root == "" {
		writeError(w, http.StatusServiceUnavailable, "no_local_root")
		return
	}
	destDir := root
	if folder := r.FormValue("folder"); folder != "" {
		joined := filepath.Join(root, filepath.FromSlash(folder))
		rel, err := filepath.Rel(root, joined)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			writeError(w, http.StatusBadRequest, "invalid_folder")
			return
		}
		destDir = joined
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		s.logger.Error().Err(err).Str("dir", destDir).Msg("upload destination not writable")
		writeError(w, http.StatusInternalServerError, "upload_failed")
		return
	}

	target := filepath.Join(destDir, filename)
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			writeError(w, http.StatusConflict, "file_exists")
			return
		}
		s.logger.Error().Err(err).Str("path", target).Msg("upload target not writable")
		writeError(w, http.StatusInternalServerError, "upload_failed")
		return
	}
	written, err := io.Copy(out, io.LimitReader(file, limit+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil || written > limit {
		_ = os.Remove(target)
		if err == nil {
			writeError(w, http.StatusRequestEntityTooLarge, "upload_too_large")
			return
		}
		s.logger.Error().Err(err).Str("path", target).Msg("upload write failed")
		writeError(w, http.StatusInternalServerError, "upload_failed")
		return
	}

	rel, err := filepath.Rel(root, target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload_failed")
		return
	}
	identifier := "local:" + filepath.ToSlash(rel)

	if raw := strings.TrimSpace(r.FormValue("tags")); raw != "" {
		var tags []string
		if strings.HasPrefix(raw, "[") {
			if err := json.Unmarshal([]byte(raw), &tags); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_tags")
				return
			}
		} else {
			for _, token := range strings.Split(raw, ",") {
				if token = strings.TrimSpace(token); token != "" {
					tags = append(tags, token)
				}
			}
		}
		if len(tags) > 0 {
			if err := s.meta.SetTags(identifier, tags); err != nil {
				s.logger.Warn().Err(err).Str("id", identifier).Msg("tag write failed")
			}
		}
	}

	s.media.InvalidateCache()
	s.sched.RequestRefresh()

	resp := map[string]any{"status": "ok", "item": map[string]any{"identifier": identifier}}
	if item, err := s.media.ByIdentifier(r.Context(), identifier); err == nil && item != nil {
		resp["item"] = item
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePlaylistList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"playlists": s.store.Playlists()})
}

func (s *Server) handlePlaylistUpsert(w http.ResponseWriter, r *http.Request) {
	var p store.Playlist
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.store.UpsertPlaylist(p); err != nil {
		writeStoreError(w, err)
		return
	}
	s.scheduleChanged()
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePlaylistDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePlaylist(chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	s.scheduleChanged()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.store.Schedules()})
}

func (s *Server) handleScheduleUpsert(w http.ResponseWriter, r *http.Request) {
	var sc store.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			writeStoreError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	sc.ID = chi.URLParam(r, "id")
	if err := s.store.UpsertSchedule(sc); err != nil {
		writeStoreError(w, err)
		return
	}
	s.scheduleChanged()
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	s.scheduleChanged()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Snapshot())
}

func (s *Server) handleFallbackGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.FallbackConfig())
}

func (s *Server) handleFallbackSet(w http.ResponseWriter, r *http.Request) {
	var f store.Fallback
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := s.store.SetFallback(f); err != nil {
		writeStoreError(w, err)
		return
	}
	s.scheduleChanged()
	writeJSON(w, http.StatusOK, f)
}

// scheduleChanged notifies listeners and nudges the scheduler after any
// playlist, schedule, or fallback edit.
func (s *Server) scheduleChanged() {
	s.bus.Publish(events.EventScheduleUpdate, events.Payload{})
	s.sched.RequestRefresh()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.historySvc.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "history_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 200
	}
	entries := s.logBuffer.Query(logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		Search:     q.Get("search"),
		Limit:      limit,
		Descending: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
