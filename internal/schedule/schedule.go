// Package schedule decides when the daily restart is due.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Daily fires once per day at a wall-clock HH:MM.
type Daily struct {
	at    string
	sched cron.Schedule
	next  time.Time
}

// ParseClock validates an "HH:MM" time of day.
func ParseClock(hhmm string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM: %w", hhmm, err)
	}
	return t.Hour(), t.Minute(), nil
}

// NewDaily builds the schedule and arms it for the first occurrence after now.
func NewDaily(hhmm string, now time.Time) (*Daily, error) {
	h, m, err := ParseClock(hhmm)
	if err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", m, h))
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", hhmm, err)
	}
	return &Daily{at: fmt.Sprintf("%02d:%02d", h, m), sched: sched, next: sched.Next(now)}, nil
}

// Due reports whether now has reached the armed occurrence. It returns true
// once per occurrence and then re-arms for the following day, so a tick
// cadence coarser than a second, or a clock that skipped ahead, never misses
// or repeats a restart.
func (d *Daily) Due(now time.Time) bool {
	if now.Before(d.next) {
		return false
	}
	d.next = d.sched.Next(now)
	return true
}

// Next returns the armed occurrence.
func (d *Daily) Next() time.Time { return d.next }

func (d *Daily) String() string { return d.at }
