package calendar

import (
	"testing"
	"time"
)

func mustNew(t *testing.T, cfg Config) *Snapshot {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestTradingMinutesBetween(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HalfDays = []string{"2026-12-24"}
	cfg.Closures = []string{"2026-12-25"}
	cal := mustNew(t, cfg)
	hk := cal.Location()

	at := func(y int, m time.Month, d, hh, mm int) time.Time {
		return time.Date(y, m, d, hh, mm, 0, 0, hk)
	}

	tests := []struct {
		name     string
		from, to time.Time
		want     float64
	}{
		{"inside morning", at(2026, 3, 2, 10, 0), at(2026, 3, 2, 10, 45), 45},
		{"across lunch", at(2026, 3, 2, 11, 30), at(2026, 3, 2, 13, 30), 60},
		{"before open", at(2026, 3, 2, 8, 0), at(2026, 3, 2, 9, 40), 10},
		{"full day", at(2026, 3, 2, 0, 0), at(2026, 3, 2, 23, 59), 330},
		{"overnight", at(2026, 3, 2, 15, 50), at(2026, 3, 3, 9, 40), 20},
		{"over weekend", at(2026, 3, 6, 15, 30), at(2026, 3, 9, 9, 45), 45},
		{"half day afternoon does not count", at(2026, 12, 24, 11, 0), at(2026, 12, 24, 15, 0), 60},
		{"closure", at(2026, 12, 25, 10, 0), at(2026, 12, 25, 15, 0), 0},
		{"reversed", at(2026, 3, 2, 11, 0), at(2026, 3, 2, 10, 0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cal.TradingMinutesBetween(tt.from, tt.to)
			if got != tt.want {
				t.Errorf("Expected %v minutes, got %v", tt.want, got)
			}
		})
	}
}

func TestTradingMinutesAcceptsOtherZones(t *testing.T) {
	cal := mustNew(t, DefaultConfig())
	// 02:00 UTC = 10:00 HKT
	from := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	to := from.Add(30 * time.Minute)
	if got := cal.TradingMinutesBetween(from, to); got != 30 {
		t.Errorf("Expected 30 minutes, got %v", got)
	}
}

func TestInSessionAndTradingDay(t *testing.T) {
	cal := mustNew(t, Config{Closures: []string{"2026-03-03"}})
	hk := cal.Location()

	if !cal.InSession(time.Date(2026, 3, 2, 9, 30, 0, 0, hk)) {
		t.Error("09:30 should be in session")
	}
	if cal.InSession(time.Date(2026, 3, 2, 12, 30, 0, 0, hk)) {
		t.Error("12:30 should be lunch break")
	}
	if cal.IsTradingDay(time.Date(2026, 3, 3, 10, 0, 0, 0, hk)) {
		t.Error("Closure should not be a trading day")
	}
	if cal.IsTradingDay(time.Date(2026, 3, 7, 10, 0, 0, 0, hk)) {
		t.Error("Saturday should not be a trading day")
	}
	if got := cal.TradingDate(time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)); got != "2026-03-03" {
		t.Errorf("Expected 2026-03-03, got %s", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad timezone", Config{Timezone: "Mars/Olympus"}},
		{"bad clock", Config{Sessions: []SessionConfig{{Open: "9am", Close: "12:00"}}}},
		{"inverted session", Config{Sessions: []SessionConfig{{Open: "12:00", Close: "09:30"}}}},
		{"overlap", Config{Sessions: []SessionConfig{{Open: "09:30", Close: "12:00"}, {Open: "11:00", Close: "16:00"}}}},
		{"bad closure", Config{Closures: []string{"25/12/2026"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
