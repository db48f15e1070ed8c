// Package notification forwards order lifecycle events that need an
// operator's attention to chat channels.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyError      NotificationType = "error"
	NotifyConversion NotificationType = "conversion"
	NotifyRejected   NotificationType = "rejected"
	NotifyGate       NotificationType = "gate"
	NotifyRecovery   NotificationType = "recovery"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	OrderID   string
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	retries   uint64
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		retries:   2,
		logger:    logger.With().Str("component", "Notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// HasNotifiers reports whether any enabled provider is configured
func (m *Manager) HasNotifiers() bool {
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			return true
		}
	}
	return false
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), m.retries)
		if err := backoff.Retry(func() error { return n.Send(notification) }, policy); err != nil {
			m.logger.Warn().Err(err).Str("notifier", n.Name()).Str("title", notification.Title).Msg("Notification failed")
			lastErr = err
		}
	}
	return lastErr
}

// Attach forwards the alert-worthy events of bus
func (m *Manager) Attach(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventError,
		events.EventOrderConverted,
		events.EventOrderRejected,
		events.EventGateChanged,
		events.EventRecoveryCompleted,
	} {
		bus.Subscribe(t, m.handle)
	}
}

func (m *Manager) handle(ev events.Event) {
	n := FromEvent(ev)
	if n == nil {
		return
	}
	m.Send(n)
}

// FromEvent builds the notification for ev, or nil when ev needs none
func FromEvent(ev events.Event) *Notification {
	n := &Notification{
		Symbol:    ev.String("symbol"),
		OrderID:   ev.String("order_id"),
		Timestamp: ev.Timestamp,
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	switch ev.Type {
	case events.EventError:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Error in %s", ev.String("source"))
		n.Message = ev.String("message")
	case events.EventOrderConverted:
		n.Type = NotifyConversion
		n.Title = fmt.Sprintf("Sell timed out: %s", n.Symbol)
		n.Message = fmt.Sprintf("Order %s resubmitted at market as %s for %v shares",
			ev.String("from_order_id"), n.OrderID, ev.Data["quantity"])
	case events.EventOrderRejected:
		n.Type = NotifyRejected
		n.Title = fmt.Sprintf("Order rejected: %s", n.Symbol)
		n.Message = fmt.Sprintf("%s %s for %v shares was rejected", ev.String("side"), n.OrderID, ev.Data["quantity"])
	case events.EventGateChanged:
		n.Type = NotifyGate
		state := "closed"
		if open, _ := ev.Data["open"].(bool); open {
			state = "opened"
		}
		n.Title = fmt.Sprintf("Execution gate %s", state)
		n.Message = fmt.Sprintf("source: %s", ev.String("source"))
		if reason := ev.String("reason"); reason != "" {
			n.Message += ", reason: " + reason
		}
	case events.EventRecoveryCompleted:
		unmatched, _ := ev.Data["unmatched"].(int64)
		if unmatched <= 0 {
			return nil
		}
		n.Type = NotifyRecovery
		n.Title = fmt.Sprintf("Recovery mismatch: %s", n.Symbol)
		n.Message = fmt.Sprintf("%d sold shares matched no recorded lot", unmatched)
	default:
		return nil
	}
	return n
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	APIBase  string // defaults to the public Bot API
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	base := config.APIBase
	if base == "" {
		base = telegramAPI
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		apiBase:  base,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message),
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal telegram payload: %w", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	return statusError("telegram", resp.StatusCode, http.StatusOK)
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0xFFA500 // Orange
	switch notification.Type {
	case NotifyError, NotifyRejected, NotifyRecovery:
		color = 0xFF0000 // Red
	case NotifyGate:
		color = 0x3498DB
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	var fields []map[string]interface{}
	if notification.Symbol != "" {
		fields = append(fields, map[string]interface{}{"name": "Symbol", "value": notification.Symbol, "inline": true})
	}
	if notification.OrderID != "" {
		fields = append(fields, map[string]interface{}{"name": "Order", "value": notification.OrderID, "inline": true})
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	jsonData, err := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal discord payload: %w", err))
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	return statusError("discord", resp.StatusCode, http.StatusOK, http.StatusNoContent)
}

// statusError maps an unexpected response status to an error. Client errors
// are not retried.
func statusError(provider string, status int, ok ...int) error {
	for _, code := range ok {
		if status == code {
			return nil
		}
	}
	err := fmt.Errorf("%s API returned status %d", provider, status)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
