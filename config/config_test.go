package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSeats(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []SeatConfig
	}{
		{"single", "12345.HK:LONG", []SeatConfig{{"12345.HK", "LONG"}}},
		{"two with spaces", " 1.HK:long , 2.HK:SHORT ", []SeatConfig{{"1.HK", "LONG"}, {"2.HK", "SHORT"}}},
		{"missing direction defaults to long", "3.HK", []SeatConfig{{"3.HK", "LONG"}}},
		{"empty parts skipped", "4.HK:SHORT,,", []SeatConfig{{"4.HK", "SHORT"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSeats(tt.input)
			if len(got) != len(tt.expected) {
				t.Fatalf("Expected %d seats, got %d (%v)", len(tt.expected), len(got), got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("Seat %d: expected %v, got %v", i, tt.expected[i], got[i])
				}
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no seats", func(c *Config) { c.TradingConfig.Seats = nil }, true},
		{"bad direction", func(c *Config) { c.TradingConfig.Seats[0].Direction = "UP" }, true},
		{"empty symbol", func(c *Config) { c.TradingConfig.Seats[0].Symbol = "" }, true},
		{"zero tick interval", func(c *Config) { c.TradingConfig.TickInterval = 0 }, true},
		{"bad rollover", func(c *Config) { c.TradingConfig.RolloverTime = "25:99" }, true},
		{"auth without secret", func(c *Config) { c.AuthConfig.Enabled = true }, true},
		{"auth with secret", func(c *Config) {
			c.AuthConfig.Enabled = true
			c.AuthConfig.JWTSecret = "s3cret"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TradingConfig.Seats = []SeatConfig{{Symbol: "1.HK", Direction: "LONG"}}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"trading": {"seats": [{"symbol": "1.HK", "direction": "LONG"}], "tick_interval": 3},
		"monitor": {"buy_timeout_enabled": false}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SELL_ORDER_TIMEOUT_SECONDS", "60")
	t.Setenv("AUTH_ACCESS_TOKEN_DURATION", "1h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TradingConfig.TickInterval != 3 {
		t.Errorf("Expected tick interval 3 from file, got %d", cfg.TradingConfig.TickInterval)
	}
	if cfg.MonitorConfig.BuyTimeoutEnabled {
		t.Error("Expected buy timeout disabled by file")
	}
	if cfg.MonitorConfig.BuyTimeoutSeconds != 180 {
		t.Errorf("Expected default buy timeout 180, got %d", cfg.MonitorConfig.BuyTimeoutSeconds)
	}
	if cfg.MonitorConfig.SellTimeoutSeconds != 60 {
		t.Errorf("Expected sell timeout 60 from env, got %d", cfg.MonitorConfig.SellTimeoutSeconds)
	}
	if cfg.AuthConfig.AccessTokenDuration != time.Hour {
		t.Errorf("Expected 1h token duration, got %v", cfg.AuthConfig.AccessTokenDuration)
	}
	if cfg.RateLimitConfig.MaxCalls != 30 {
		t.Errorf("Expected default 30 calls per window, got %d", cfg.RateLimitConfig.MaxCalls)
	}
}

func TestLoadMissingFileUsesEnvSeats(t *testing.T) {
	t.Setenv("TRADING_SEATS", "9.HK:SHORT")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.TradingConfig.Seats) != 1 || cfg.TradingConfig.Seats[0].Direction != "SHORT" {
		t.Errorf("Expected seat 9.HK:SHORT, got %v", cfg.TradingConfig.Seats)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected parse error")
	}
}
