/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store persists playlists, schedules, and the fallback policy in a
// single JSON document and resolves what should be on screen at any time.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Fallback modes.
const (
	ModeWeb      = "web"
	ModePlaylist = "playlist"
)

// ValidationError reports a rejected document or mutation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// TimeOfDay is minutes since midnight, serialized as "HH:MM".
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, &ValidationError{Reason: fmt.Sprintf("invalid time %q", s)}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, &ValidationError{Reason: fmt.Sprintf("invalid time %q", s)}
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &ValidationError{Reason: "time must be a \"HH:MM\" string"}
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

var dayTokens = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// canonical serialization order
var dayOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// DaySet is a set of weekdays, serialized as lowercase three-letter tokens
// in mon..sun order. Empty means every day.
type DaySet []time.Weekday

// Contains reports whether d is in the set.
func (s DaySet) Contains(d time.Weekday) bool {
	for _, day := range s {
		if day == d {
			return true
		}
	}
	return false
}

func (s DaySet) MarshalJSON() ([]byte, error) {
	tokens := make([]string, 0, len(s))
	for _, day := range dayOrder {
		if !s.Contains(day) {
			continue
		}
		for token, mapped := range dayTokens {
			if mapped == day {
				tokens = append(tokens, token)
				break
			}
		}
	}
	return json.Marshal(tokens)
}

func (s *DaySet) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return &ValidationError{Reason: "days must be a list of weekday tokens"}
	}
	set := make(DaySet, 0, len(tokens))
	for _, token := range tokens {
		day, ok := dayTokens[strings.ToLower(token)]
		if !ok {
			return &ValidationError{Reason: fmt.Sprintf("unknown weekday %q", token)}
		}
		if !set.Contains(day) {
			set = append(set, day)
		}
	}
	*s = set
	return nil
}

// PlaylistItem references one media item with an optional display duration
// in seconds. Zero duration means natural length for video/audio and the
// configured default for images.
type PlaylistItem struct {
	MediaID  string `json:"media_id"`
	Duration int    `json:"duration,omitempty"`
}

// Playlist is an ordered list of media references.
type Playlist struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Items []PlaylistItem `json:"items"`
	Loop  bool           `json:"loop"`
}

// Schedule binds a playlist to a daily time window. Start > End means the
// window crosses midnight.
type Schedule struct {
	ID         string    `json:"id"`
	PlaylistID string    `json:"playlist_id"`
	Start      TimeOfDay `json:"start"`
	End        TimeOfDay `json:"end"`
	Days       DaySet    `json:"days"`
}

// UnmarshalJSON fills in the window bounds when they are absent: a schedule
// without start/end covers the whole day, 00:00 through 23:59.
func (s *Schedule) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string     `json:"id"`
		PlaylistID string     `json:"playlist_id"`
		Start      *TimeOfDay `json:"start"`
		End        *TimeOfDay `json:"end"`
		Days       DaySet     `json:"days"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.ID = raw.ID
	s.PlaylistID = raw.PlaylistID
	s.Days = raw.Days
	s.Start = 0
	s.End = 23*60 + 59
	if raw.Start != nil {
		s.Start = *raw.Start
	}
	if raw.End != nil {
		s.End = *raw.End
	}
	return nil
}

// ActiveAt reports whether now falls inside the schedule's window.
func (s Schedule) ActiveAt(now time.Time) bool {
	if len(s.Days) > 0 && !s.Days.Contains(now.Weekday()) {
		return false
	}
	cur := TimeOfDay(now.Hour()*60 + now.Minute())
	if s.Start <= s.End {
		return cur >= s.Start && cur < s.End
	}
	// overnight window
	return cur >= s.Start || cur < s.End
}

// Fallback decides what plays when no schedule matches.
type Fallback struct {
	Mode       string `json:"mode"`
	URL        string `json:"url,omitempty"`
	PlaylistID string `json:"playlist_id,omitempty"`
}

// Resolution is the outcome of resolving the current moment. ScheduleID is
// empty when the playlist comes from the fallback policy or when the mode is
// web.
type Resolution struct {
	Mode       string `json:"mode"`
	PlaylistID string `json:"playlist_id,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`
	URL        string `json:"url,omitempty"`
}
