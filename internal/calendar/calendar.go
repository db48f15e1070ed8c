// Package calendar models exchange trading sessions so holding time can be
// measured in trading minutes instead of wall-clock time.
package calendar

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

const dateLayout = "2006-01-02"

// Config describes the exchange calendar
type Config struct {
	Timezone string          `json:"timezone"` // IANA name, default Asia/Hong_Kong
	Sessions []SessionConfig `json:"sessions"` // default 09:30-12:00, 13:00-16:00
	HalfDays []string        `json:"half_days"` // YYYY-MM-DD, morning session only
	Closures []string        `json:"closures"`  // YYYY-MM-DD, no trading
}

// SessionConfig is one continuous trading session in exchange local time
type SessionConfig struct {
	Open  string `json:"open"`  // HH:MM
	Close string `json:"close"` // HH:MM
}

// DefaultConfig returns the Hong Kong regular trading sessions
func DefaultConfig() Config {
	return Config{
		Timezone: "Asia/Hong_Kong",
		Sessions: []SessionConfig{
			{Open: "09:30", Close: "12:00"},
			{Open: "13:00", Close: "16:00"},
		},
	}
}

type session struct {
	open, close time.Duration // offset from local midnight
}

// Snapshot is an immutable view of the trading calendar
type Snapshot struct {
	loc      *time.Location
	sessions []session
	halfDays map[string]struct{}
	closures map[string]struct{}
}

// New builds a calendar snapshot from config
func New(cfg Config) (*Snapshot, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultConfig().Timezone
	}
	if len(cfg.Sessions) == 0 {
		cfg.Sessions = DefaultConfig().Sessions
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
	}

	s := &Snapshot{
		loc:      loc,
		halfDays: make(map[string]struct{}, len(cfg.HalfDays)),
		closures: make(map[string]struct{}, len(cfg.Closures)),
	}
	var last time.Duration
	for i, sc := range cfg.Sessions {
		open, err := parseClock(sc.Open)
		if err != nil {
			return nil, fmt.Errorf("session %d open: %w", i, err)
		}
		closeAt, err := parseClock(sc.Close)
		if err != nil {
			return nil, fmt.Errorf("session %d close: %w", i, err)
		}
		if closeAt <= open || open < last {
			return nil, fmt.Errorf("session %d (%s-%s) overlaps or is out of order", i, sc.Open, sc.Close)
		}
		s.sessions = append(s.sessions, session{open: open, close: closeAt})
		last = closeAt
	}
	for _, d := range cfg.HalfDays {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return nil, fmt.Errorf("half day %q: %w", d, err)
		}
		s.halfDays[d] = struct{}{}
	}
	for _, d := range cfg.Closures {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return nil, fmt.Errorf("closure %q: %w", d, err)
		}
		s.closures[d] = struct{}{}
	}
	return s, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the exchange timezone
func (s *Snapshot) Location() *time.Location {
	return s.loc
}

// TradingDate returns the exchange-local date of t as YYYY-MM-DD
func (s *Snapshot) TradingDate(t time.Time) string {
	return t.In(s.loc).Format(dateLayout)
}

// IsTradingDay reports whether the exchange opens on the local date of t
func (s *Snapshot) IsTradingDay(t time.Time) bool {
	local := t.In(s.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, closed := s.closures[local.Format(dateLayout)]
	return !closed
}

// IsHalfDay reports whether only the morning session trades on t's date
func (s *Snapshot) IsHalfDay(t time.Time) bool {
	_, ok := s.halfDays[t.In(s.loc).Format(dateLayout)]
	return ok
}

func (s *Snapshot) sessionsOn(day time.Time) []session {
	if !s.IsTradingDay(day) {
		return nil
	}
	if s.IsHalfDay(day) {
		return s.sessions[:1]
	}
	return s.sessions
}

// InSession reports whether t falls inside a trading session
func (s *Snapshot) InSession(t time.Time) bool {
	local := t.In(s.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	offset := local.Sub(midnight)
	for _, sess := range s.sessionsOn(local) {
		if offset >= sess.open && offset < sess.close {
			return true
		}
	}
	return false
}

// TradingMinutesBetween counts the minutes between from and to that fall
// inside trading sessions. Weekends, closures and the afternoon of half
// days do not count.
func (s *Snapshot) TradingMinutesBetween(from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}
	from, to = from.In(s.loc), to.In(s.loc)

	var total time.Duration
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, s.loc)
	for !day.After(to) {
		for _, sess := range s.sessionsOn(day) {
			start := day.Add(sess.open)
			end := day.Add(sess.close)
			if start.Before(from) {
				start = from
			}
			if end.After(to) {
				end = to
			}
			if end.After(start) {
				total += end.Sub(start)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return total.Minutes()
}
