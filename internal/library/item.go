/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package library indexes media files from configured roots and resolves
// them by identifier or absolute path.
package library

import (
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// Kind classifies a media file by how it gets rendered.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

var extensionKinds = map[string]Kind{
	".mp4":  KindVideo,
	".mkv":  KindVideo,
	".mov":  KindVideo,
	".webm": KindVideo,
	".avi":  KindVideo,
	".m4v":  KindVideo,
	".ts":   KindVideo,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".bmp":  KindImage,
	".webp": KindImage,
	".mp3":  KindAudio,
	".aac":  KindAudio,
	".flac": KindAudio,
	".wav":  KindAudio,
	".ogg":  KindAudio,
}

// Item is one indexed media file.
type Item struct {
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	Path       string    `json:"path"`
	Kind       Kind      `json:"media_type"`
	Size       int64     `json:"size"`
	Modified   time.Time `json:"modified"`
	Duration   float64   `json:"duration,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	MIME       string    `json:"mime_type,omitempty"`
	Tags       []string  `json:"tags"`
}

// Classify maps a file path to a renderer kind. The extension table wins;
// unknown extensions fall back to the MIME registry. Unclassifiable files
// return false.
func Classify(path string) (Kind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if kind, ok := extensionKinds[ext]; ok {
		return kind, true
	}
	switch mt := mime.TypeByExtension(ext); {
	case strings.HasPrefix(mt, "video/"):
		return KindVideo, true
	case strings.HasPrefix(mt, "image/"):
		return KindImage, true
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio, true
	}
	return "", false
}
