/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// handleStatic serves the single-page UI. Unknown paths fall back to
// index.html so client-side routing works; API-shaped paths never do.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	p := r.URL.Path
	if strings.HasPrefix(p, "/api/") || p == "/ws" || p == "/metrics" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	clean := filepath.Clean(strings.TrimPrefix(p, "/"))
	if clean == "." || strings.HasPrefix(clean, "..") {
		clean = "index.html"
	}
	full := filepath.Join(s.cfg.WebUIRoot, clean)
	if info, err := os.Stat(full); err != nil || info.IsDir() {
		full = filepath.Join(s.cfg.WebUIRoot, "index.html")
		if _, err := os.Stat(full); err != nil {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
	}
	http.ServeFile(w, r, full)
}
