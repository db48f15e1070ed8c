package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BrokerConfig    BrokerConfig    `json:"broker"`
	TradingConfig   TradingConfig   `json:"trading"`
	MonitorConfig   MonitorConfig   `json:"monitor"`
	RateLimitConfig RateLimitConfig `json:"rate_limit"`
	CalendarConfig  CalendarConfig  `json:"calendar"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	ServerConfig    ServerConfig    `json:"server"`
	AuthConfig      AuthConfig      `json:"auth"`
	VaultConfig     VaultConfig     `json:"vault"`
	RedisConfig     RedisConfig     `json:"redis"`
	DatabaseConfig  DatabaseConfig  `json:"database"`

	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	NotificationConfig   NotificationConfig   `json:"notifications"`
}

// BrokerConfig holds brokerage connection settings. Credentials come from
// Vault when it is enabled, otherwise from the environment.
type BrokerConfig struct {
	AppKey      string `json:"-"`
	AppSecret   string `json:"-"`
	AccessToken string `json:"-"`
	PushURL     string `json:"push_url"`  // websocket endpoint for order pushes
	PaperMode   bool   `json:"paper_mode"` // Use the in-process paper broker
}

// SeatConfig is one traded (symbol, direction) pair
type SeatConfig struct {
	Symbol    string `json:"symbol"`
	Direction string `json:"direction"` // LONG or SHORT
}

type TradingConfig struct {
	Seats               []SeatConfig `json:"seats"`
	TickInterval        int          `json:"tick_interval"`         // Seconds between price cycles
	RecoveryLookbackDay int          `json:"recovery_lookback_days"` // Order history window for recovery
	RolloverTime        string       `json:"rollover_time"`          // HH:MM exchange time for the daily reset
}

type MonitorConfig struct {
	BuyTimeoutEnabled  bool    `json:"buy_timeout_enabled"`
	BuyTimeoutSeconds  int     `json:"buy_timeout_seconds"`
	SellTimeoutEnabled bool    `json:"sell_timeout_enabled"`
	SellTimeoutSeconds int     `json:"sell_timeout_seconds"`
	PriceChaseEnabled  bool    `json:"price_chase_enabled"`
	PriceChaseMinDelta float64 `json:"price_chase_min_delta"`
	ReplaceAckSeconds  int     `json:"replace_ack_seconds"`
}

type RateLimitConfig struct {
	MaxCalls      int `json:"max_calls"`       // calls per window
	WindowSeconds int `json:"window_seconds"`
	MinIntervalMs int `json:"min_interval_ms"` // minimum spacing between calls
}

type CalendarConfig struct {
	Timezone string   `json:"timezone"`
	HalfDays []string `json:"half_days"`
	Closures []string `json:"closures"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// AuthConfig holds authentication configuration for the control routes
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"-"`
	Issuer              string        `json:"issuer"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"-"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path of the brokerage credential secret
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig holds Redis configuration for the tracked-order mirror
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds PostgreSQL configuration for the fill journal
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// CircuitBreakerConfig controls the breaker that closes the execution gate
// after repeated brokerage failures
type CircuitBreakerConfig struct {
	Enabled                bool `json:"enabled"`
	MaxConsecutiveFailures int  `json:"max_consecutive_failures"`
	MaxFailuresPerHour     int  `json:"max_failures_per_hour"`
	CooldownMinutes        int  `json:"cooldown_minutes"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"-"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"-"`
}

// Load reads .env files, then the JSON config file, then applies
// environment overrides. A missing config file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if path == "" {
		path = getEnvOrDefault("CONFIG_FILE", "config.json")
	}
	cfg := DefaultConfig()
	if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Broker credentials are never read from the config file
	cfg.BrokerConfig.AppKey = getEnvOrDefault("LONGPORT_APP_KEY", "")
	cfg.BrokerConfig.AppSecret = getEnvOrDefault("LONGPORT_APP_SECRET", "")
	cfg.BrokerConfig.AccessToken = getEnvOrDefault("LONGPORT_ACCESS_TOKEN", "")
	cfg.BrokerConfig.PushURL = getEnvOrDefault("BROKER_PUSH_URL", cfg.BrokerConfig.PushURL)
	cfg.BrokerConfig.PaperMode = getEnvBoolOrDefault("PAPER_MODE", cfg.BrokerConfig.PaperMode)

	if seats := os.Getenv("TRADING_SEATS"); seats != "" {
		cfg.TradingConfig.Seats = parseSeats(seats)
	}
	cfg.TradingConfig.TickInterval = getEnvIntOrDefault("TRADING_TICK_INTERVAL", cfg.TradingConfig.TickInterval)
	cfg.TradingConfig.RecoveryLookbackDay = getEnvIntOrDefault("RECOVERY_LOOKBACK_DAYS", cfg.TradingConfig.RecoveryLookbackDay)
	cfg.TradingConfig.RolloverTime = getEnvOrDefault("TRADING_ROLLOVER_TIME", cfg.TradingConfig.RolloverTime)

	cfg.MonitorConfig.BuyTimeoutEnabled = getEnvBoolOrDefault("BUY_ORDER_TIMEOUT_ENABLED", cfg.MonitorConfig.BuyTimeoutEnabled)
	cfg.MonitorConfig.BuyTimeoutSeconds = getEnvIntOrDefault("BUY_ORDER_TIMEOUT_SECONDS", cfg.MonitorConfig.BuyTimeoutSeconds)
	cfg.MonitorConfig.SellTimeoutEnabled = getEnvBoolOrDefault("SELL_ORDER_TIMEOUT_ENABLED", cfg.MonitorConfig.SellTimeoutEnabled)
	cfg.MonitorConfig.SellTimeoutSeconds = getEnvIntOrDefault("SELL_ORDER_TIMEOUT_SECONDS", cfg.MonitorConfig.SellTimeoutSeconds)
	cfg.MonitorConfig.PriceChaseEnabled = getEnvBoolOrDefault("PRICE_CHASE_ENABLED", cfg.MonitorConfig.PriceChaseEnabled)
	cfg.MonitorConfig.PriceChaseMinDelta = getEnvFloatOrDefault("PRICE_CHASE_MIN_DELTA", cfg.MonitorConfig.PriceChaseMinDelta)

	cfg.RateLimitConfig.MaxCalls = getEnvIntOrDefault("BROKER_MAX_CALLS", cfg.RateLimitConfig.MaxCalls)
	cfg.RateLimitConfig.WindowSeconds = getEnvIntOrDefault("BROKER_WINDOW_SECONDS", cfg.RateLimitConfig.WindowSeconds)
	cfg.RateLimitConfig.MinIntervalMs = getEnvIntOrDefault("BROKER_MIN_INTERVAL_MS", cfg.RateLimitConfig.MinIntervalMs)

	cfg.CalendarConfig.Timezone = getEnvOrDefault("EXCHANGE_TIMEZONE", cfg.CalendarConfig.Timezone)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("WEB_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Auth config - secret only from environment
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", "")
	cfg.AuthConfig.Issuer = getEnvOrDefault("AUTH_ISSUER", cfg.AuthConfig.Issuer)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", "")
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerConfig.Enabled)
	cfg.CircuitBreakerConfig.MaxConsecutiveFailures = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_FAILURES", cfg.CircuitBreakerConfig.MaxConsecutiveFailures)
	cfg.CircuitBreakerConfig.MaxFailuresPerHour = getEnvIntOrDefault("CIRCUIT_MAX_FAILURES_PER_HOUR", cfg.CircuitBreakerConfig.MaxFailuresPerHour)
	cfg.CircuitBreakerConfig.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", cfg.CircuitBreakerConfig.CooldownMinutes)

	// Notification config - tokens only from environment
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", "")
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", "")
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if len(c.TradingConfig.Seats) == 0 {
		return fmt.Errorf("no trading seats configured")
	}
	for i, seat := range c.TradingConfig.Seats {
		if seat.Symbol == "" {
			return fmt.Errorf("seat %d: empty symbol", i)
		}
		if seat.Direction != "LONG" && seat.Direction != "SHORT" {
			return fmt.Errorf("seat %s: invalid direction %q", seat.Symbol, seat.Direction)
		}
	}
	if c.TradingConfig.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %d", c.TradingConfig.TickInterval)
	}
	if _, err := time.Parse("15:04", c.TradingConfig.RolloverTime); err != nil {
		return fmt.Errorf("invalid rollover time %q: %w", c.TradingConfig.RolloverTime, err)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth enabled but AUTH_JWT_SECRET is empty")
	}
	return nil
}

// parseSeats parses "SYMBOL:DIRECTION,SYMBOL:DIRECTION"
func parseSeats(v string) []SeatConfig {
	var seats []SeatConfig
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol, direction, found := strings.Cut(part, ":")
		if !found {
			direction = "LONG"
		}
		seats = append(seats, SeatConfig{
			Symbol:    strings.TrimSpace(symbol),
			Direction: strings.ToUpper(strings.TrimSpace(direction)),
		})
	}
	return seats
}

// loadFromFile decodes the file over cfg, so absent keys keep their defaults
func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// DefaultConfig returns the configuration used for keys absent from the file
func DefaultConfig() *Config {
	return &Config{
		BrokerConfig: BrokerConfig{
			PushURL:   "wss://openapi-trade.longportapp.com/v2",
			PaperMode: true,
		},
		TradingConfig: TradingConfig{
			TickInterval:        1,
			RecoveryLookbackDay: 90,
			RolloverTime:        "08:30",
		},
		MonitorConfig: MonitorConfig{
			BuyTimeoutEnabled:  true,
			BuyTimeoutSeconds:  180,
			SellTimeoutEnabled: true,
			SellTimeoutSeconds: 180,
			PriceChaseEnabled:  true,
			PriceChaseMinDelta: 0.001,
			ReplaceAckSeconds:  5,
		},
		RateLimitConfig: RateLimitConfig{MaxCalls: 30, WindowSeconds: 30, MinIntervalMs: 20},
		CalendarConfig:  CalendarConfig{Timezone: "Asia/Hong_Kong"},
		LoggingConfig:   LoggingConfig{Level: "INFO", Output: "stdout", JSONFormat: true},
		ServerConfig:    ServerConfig{Enabled: true, Port: 8080, Host: "0.0.0.0", AllowedOrigins: "*", ReadTimeout: 30, WriteTimeout: 30, ShutdownTimeout: 10},
		AuthConfig:      AuthConfig{Issuer: "longbridge-quant-bot", AccessTokenDuration: 15 * time.Minute},
		VaultConfig:     VaultConfig{Address: "http://localhost:8200", MountPath: "secret", SecretPath: "quant-bot/broker"},
		RedisConfig:     RedisConfig{Address: "localhost:6379", PoolSize: 10},
		DatabaseConfig:  DatabaseConfig{Host: "localhost", Port: 5432, User: "quant", Database: "quant_bot", SSLMode: "disable"},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:                true,
			MaxConsecutiveFailures: 3,
			MaxFailuresPerHour:     20,
			CooldownMinutes:        10,
		},
	}
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := DefaultConfig()
	config.TradingConfig.Seats = []SeatConfig{
		{Symbol: "12345.HK", Direction: "LONG"},
		{Symbol: "54321.HK", Direction: "SHORT"},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
