// Package timewindow implements the clock-time range during which downloads
// are allowed to start. Windows may cross midnight (e.g. 22:00-07:00); all
// functions are pure calendar arithmetic over a caller-supplied "now".
package timewindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

type Window struct {
	Start   string // HH:MM
	End     string // HH:MM
	Enabled bool

	startMinutes int
	endMinutes   int
	loc          *time.Location
}

// New builds a window from HH:MM bounds. Disabled windows skip bound
// validation, matching a schedule that carries stale bounds while the
// restriction is off.
func New(start, end string, enabled bool) (*Window, error) {
	w := &Window{Start: start, End: end, Enabled: enabled, loc: time.Local}
	if !enabled {
		return w, nil
	}

	var err error
	if w.startMinutes, err = parseMinutes(start); err != nil {
		return nil, err
	}
	if w.endMinutes, err = parseMinutes(end); err != nil {
		return nil, err
	}
	return w, nil
}

// NewInZone builds a window evaluated in the given timezone: "", "local",
// "UTC", or a fixed offset like "UTC+8" / "UTC-5:30".
func NewInZone(start, end string, enabled bool, zone string) (*Window, error) {
	w, err := New(start, end, enabled)
	if err != nil {
		return nil, err
	}
	loc, err := ResolveZone(zone)
	if err != nil {
		return nil, err
	}
	w.loc = loc
	return w, nil
}

// ResolveZone maps a schedule's time_window_timezone value to a location.
func ResolveZone(zone string) (*time.Location, error) {
	switch strings.ToLower(zone) {
	case "", "local":
		return time.Local, nil
	case "utc":
		return time.UTC, nil
	}

	if rest, ok := strings.CutPrefix(strings.ToUpper(zone), "UTC"); ok && rest != "" {
		sign := 1
		switch rest[0] {
		case '+':
		case '-':
			sign = -1
		default:
			return nil, fmt.Errorf("unsupported timezone %q", zone)
		}
		hours := rest[1:]
		minutes := 0
		if h, m, found := strings.Cut(hours, ":"); found {
			hours = h
			var err error
			if minutes, err = strconv.Atoi(m); err != nil {
				return nil, fmt.Errorf("unsupported timezone %q", zone)
			}
		}
		h, err := strconv.Atoi(hours)
		if err != nil || h > 14 || minutes > 59 {
			return nil, fmt.Errorf("unsupported timezone %q", zone)
		}
		offset := sign * (h*3600 + minutes*60)
		return time.FixedZone(zone, offset), nil
	}

	return nil, fmt.Errorf("unsupported timezone %q", zone)
}

func parseMinutes(value string) (int, error) {
	h, m, found := strings.Cut(value, ":")
	if !found {
		return 0, fmt.Errorf("invalid time format %q: use HH:MM", value)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q: use HH:MM", value)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q: use HH:MM", value)
	}
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour must be between 00-23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute must be between 00-59, got %d", minute)
	}
	return hour*60 + minute, nil
}

// CrossesMidnight reports whether the window wraps past 00:00.
func (w *Window) CrossesMidnight() bool {
	return w.endMinutes < w.startMinutes
}

// InWindow reports whether now falls inside the window. A disabled window
// places no restriction. For non-crossing windows the end minute is
// inclusive; for crossing windows it is exclusive. The asymmetry is
// deliberate and must not be "fixed".
func (w *Window) InWindow(now time.Time) bool {
	if !w.Enabled {
		return true
	}

	now = now.In(w.loc)
	current := now.Hour()*60 + now.Minute()

	if w.CrossesMidnight() {
		return current >= w.startMinutes || current < w.endMinutes
	}
	return w.startMinutes <= current && current <= w.endMinutes
}

// NextStart returns the next instant the window opens.
func (w *Window) NextStart(now time.Time) time.Time {
	now = now.In(w.loc)
	todayStart := w.onDay(now, w.startMinutes)

	current := now.Hour()*60 + now.Minute()

	if w.CrossesMidnight() {
		if current >= w.startMinutes {
			// Inside today's window; next opening is tomorrow.
			return todayStart.AddDate(0, 0, 1)
		}
		return todayStart
	}

	if current < w.startMinutes {
		return todayStart
	}
	return todayStart.AddDate(0, 0, 1)
}

// CurrentEnd returns the end instant of the window containing now, or false
// when now is outside any window.
func (w *Window) CurrentEnd(now time.Time) (time.Time, bool) {
	if !w.Enabled {
		return time.Time{}, false
	}

	now = now.In(w.loc)
	current := now.Hour()*60 + now.Minute()
	todayEnd := w.onDay(now, w.endMinutes)

	if w.CrossesMidnight() {
		if current >= w.startMinutes {
			// In today's window; it ends tomorrow morning.
			return todayEnd.AddDate(0, 0, 1), true
		}
		if current <= w.endMinutes {
			// Still in yesterday's tail.
			return todayEnd, true
		}
		return time.Time{}, false
	}

	if w.startMinutes <= current && current <= w.endMinutes {
		return todayEnd, true
	}
	return time.Time{}, false
}

// Duration returns the window length; zero when disabled.
func (w *Window) Duration() time.Duration {
	if !w.Enabled {
		return 0
	}
	minutes := w.endMinutes - w.startMinutes
	if w.CrossesMidnight() {
		minutes = (minutesPerDay - w.startMinutes) + w.endMinutes
	}
	if minutes < 0 {
		minutes = 0
	}
	return time.Duration(minutes) * time.Minute
}

// Validate rejects enabled windows with zero duration.
func (w *Window) Validate() error {
	if !w.Enabled {
		return nil
	}
	if w.Duration() == 0 {
		return fmt.Errorf("time window must have positive duration")
	}
	return nil
}

func (w *Window) onDay(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, w.loc)
}

// Snapshot describes the window relative to now, for status reporting.
type Snapshot struct {
	Enabled         bool    `json:"enabled"`
	Start           string  `json:"start_time,omitempty"`
	End             string  `json:"end_time,omitempty"`
	CrossesMidnight bool    `json:"crosses_midnight"`
	DurationMinutes int     `json:"duration_minutes"`
	Active          bool    `json:"is_currently_active"`
	NextStart       string  `json:"next_window_start,omitempty"`
	CurrentEnd      *string `json:"current_window_end,omitempty"`
}

func (w *Window) Status(now time.Time) Snapshot {
	snap := Snapshot{
		Enabled: w.Enabled,
		Start:   w.Start,
		End:     w.End,
		Active:  w.InWindow(now),
	}
	if !w.Enabled {
		snap.Active = false
		return snap
	}

	snap.CrossesMidnight = w.CrossesMidnight()
	snap.DurationMinutes = int(w.Duration().Minutes())
	snap.NextStart = w.NextStart(now).Format(time.RFC3339)
	if end, ok := w.CurrentEnd(now); ok {
		formatted := end.Format(time.RFC3339)
		snap.CurrentEnd = &formatted
	}
	return snap
}
