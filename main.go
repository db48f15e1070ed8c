package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"longbridge-quant-bot/config"
	"longbridge-quant-bot/internal/api"
	"longbridge-quant-bot/internal/database"
	"longbridge-quant-bot/internal/engine"
	"longbridge-quant-bot/internal/logging"
	"longbridge-quant-bot/internal/notification"
	"longbridge-quant-bot/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "config file (defaults to $CONFIG_FILE or config.json)")
	generate := flag.String("generate-config", "", "write a sample config to this path and exit")
	issueToken := flag.String("issue-token", "", "print a control API token for this subject and exit")
	flag.Parse()

	if *generate != "" {
		if err := config.GenerateSampleConfig(*generate); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		fmt.Printf("Sample config written to %s\n", *generate)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	var tokens *api.TokenManager
	if cfg.AuthConfig.Enabled {
		tokens = api.NewTokenManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, cfg.AuthConfig.AccessTokenDuration)
	}

	if *issueToken != "" {
		if tokens == nil {
			log.Fatal("Auth is disabled, no token needed")
		}
		token, err := tokens.Issue(*issueToken, "operator")
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, tokens, logger); err != nil {
		logger.Error().Err(err).Msg("Engine stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, tokens *api.TokenManager, logger zerolog.Logger) error {
	checks := make(map[string]api.HealthCheck)

	// Brokerage credentials
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if vaultClient.IsEnabled() {
		checks["vault"] = vaultClient.Health
		logger.Info().Str("address", cfg.VaultConfig.Address).Msg("Vault credential store enabled")
	} else {
		vaultClient.Seed(engine.CredentialAccount, vault.Credentials{
			AppKey:      cfg.BrokerConfig.AppKey,
			AppSecret:   cfg.BrokerConfig.AppSecret,
			AccessToken: cfg.BrokerConfig.AccessToken,
		})
	}

	opts := engine.Options{
		Config: cfg,
		Vault:  vaultClient,
		Logger: logger,
	}

	// Redis mirror of tracked orders
	if cfg.RedisConfig.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisConfig.Address,
			Password:     cfg.RedisConfig.Password,
			DB:           cfg.RedisConfig.DB,
			PoolSize:     cfg.RedisConfig.PoolSize,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		defer client.Close()
		opts.Mirror = database.NewRedisOrderMirror(client, database.DefaultMirrorTTL, logger)
		checks["redis"] = opts.Mirror.Ping
	}

	// PostgreSQL event journal
	var journal api.Journal
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("database migrations: %w", err)
		}
		opts.Journal = database.NewFillJournal(db.Pool, logger)
		journal = opts.Journal
		checks["database"] = db.Pool.Ping
	}

	eng, err := engine.New(opts)
	if err != nil {
		return err
	}
	defer eng.Bus().Close()

	// Operator alerts
	if cfg.NotificationConfig.Enabled {
		notifier := notification.NewManager(logger)
		notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		}))
		notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
		}))
		if notifier.HasNotifiers() {
			notifier.Attach(eng.Bus())
			logger.Info().Msg("Operator notifications enabled")
		}
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Port:           cfg.ServerConfig.Port,
			Host:           cfg.ServerConfig.Host,
			AllowedOrigins: splitOrigins(cfg.ServerConfig.AllowedOrigins),
			ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
			WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
			ProductionMode: !cfg.BrokerConfig.PaperMode,
		}, api.Deps{
			Ledger:   eng.Ledger(),
			Monitor:  eng.Monitor(),
			Recovery: eng,
			Journal:  journal,
			Breaker:  eng.Breaker(),
			Bus:      eng.Bus(),
			Checks:   checks,
		}, tokens, logger)

		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	logger.Info().
		Bool("paper_mode", cfg.BrokerConfig.PaperMode).
		Int("seats", len(cfg.TradingConfig.Seats)).
		Msg("Starting order lifecycle engine")

	runErr := eng.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Error shutting down web server")
		}
	}
	return runErr
}

func splitOrigins(v string) []string {
	var out []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
