package flow

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// HoursConfig is the YAML form of the weekly store schedule. An empty close
// time marks the day as closed.
type HoursConfig struct {
	Timezone string            `yaml:"timezone"`
	Open     string            `yaml:"open"`
	Close    map[string]string `yaml:"close"`
}

// StoreHours answers whether the shop is open at a given instant.
type StoreHours struct {
	loc   *time.Location
	open  int
	close map[time.Weekday]int
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Build validates the config and returns a StoreHours.
func (c HoursConfig) Build() (*StoreHours, error) {
	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("store hours: unknown timezone %q: %w", tz, err)
	}
	openStr := c.Open
	if openStr == "" {
		openStr = "08:00"
	}
	open, err := parseClock(openStr)
	if err != nil {
		return nil, fmt.Errorf("store hours: open: %w", err)
	}
	h := &StoreHours{loc: loc, open: open, close: make(map[time.Weekday]int)}
	for day, v := range c.Close {
		wd, ok := weekdays[strings.ToLower(day)]
		if !ok {
			return nil, fmt.Errorf("store hours: unknown day %q", day)
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		m, err := parseClock(v)
		if err != nil {
			return nil, fmt.Errorf("store hours: %s: %w", day, err)
		}
		h.close[wd] = m
	}
	return h, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Local converts t to the store's time zone.
func (h *StoreHours) Local(t time.Time) time.Time {
	return t.In(h.loc)
}

// IsOpen reports whether the store is open at t.
func (h *StoreHours) IsOpen(t time.Time) bool {
	lt := t.In(h.loc)
	closeAt, ok := h.close[lt.Weekday()]
	if !ok {
		return false
	}
	m := lt.Hour()*60 + lt.Minute()
	return m >= h.open && m < closeAt
}

// Status describes the store's state at t for the assistant's system prompt.
func (h *StoreHours) Status(t time.Time) string {
	lt := t.In(h.loc)
	closeAt, ok := h.close[lt.Weekday()]
	if !ok {
		return fmt.Sprintf("We are closed today (%s).", lt.Weekday())
	}
	hours := fmt.Sprintf("%s to %d:%02d", formatOpen(h.open), closeAt/60, closeAt%60)
	m := lt.Hour()*60 + lt.Minute()
	switch {
	case m < h.open:
		return fmt.Sprintf("We’re currently closed. Our hours today will be from %s.", hours)
	case m < closeAt:
		return fmt.Sprintf("We’re currently open. Today’s hours: %s.", hours)
	default:
		return fmt.Sprintf("We’re currently closed. Our hours today were from %s.", hours)
	}
}

func formatOpen(minutes int) string {
	return time.Date(2000, 1, 1, minutes/60, minutes%60, 0, 0, time.UTC).Format("3:04 PM")
}

// Greeting returns a time-of-day greeting for t.
func (h *StoreHours) Greeting(t time.Time) string {
	hour := t.In(h.loc).Hour()
	switch {
	case hour >= 5 && hour < 12:
		return "Good morning"
	case hour >= 12 && hour < 17:
		return "Good afternoon"
	case hour >= 17 && hour < 22:
		return "Good evening"
	default:
		return "It's late night – hope you're doing well"
	}
}
