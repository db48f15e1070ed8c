// Package vault reads brokerage credentials from HashiCorp Vault (KV v2).
// With Vault disabled the client serves credentials seeded from the
// environment, so the engine runs the same way in development.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"longbridge-quant-bot/config"
)

// ErrCredentialsNotFound is returned when no credential exists for an account
var ErrCredentialsNotFound = errors.New("broker credentials not found")

// Credentials are the brokerage OpenAPI credentials of one account
type Credentials struct {
	AppKey      string `json:"app_key"`
	AppSecret   string `json:"app_secret"`
	AccessToken string `json:"access_token"`
}

// Complete reports whether every field is present
func (c Credentials) Complete() bool {
	return c.AppKey != "" && c.AppSecret != "" && c.AccessToken != ""
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string]*Credentials // account -> credentials
	cacheEnabled bool
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cache:        make(map[string]*Credentials),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*Credentials),
		cacheEnabled: true,
	}, nil
}

// Seed places credentials in the cache, e.g. from the environment when
// Vault is disabled
func (c *Client) Seed(account string, creds Credentials) {
	c.mu.Lock()
	c.cache[account] = &creds
	c.mu.Unlock()
}

// StoreCredentials writes the credentials of an account
func (c *Client) StoreCredentials(ctx context.Context, account string, creds Credentials) error {
	if !c.config.Enabled {
		c.Seed(account, creds)
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"app_key":      creds.AppKey,
			"app_secret":   creds.AppSecret,
			"access_token": creds.AccessToken,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(account), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	if c.cacheEnabled {
		c.Seed(account, creds)
	}
	return nil
}

// GetCredentials returns the credentials of an account
func (c *Client) GetCredentials(ctx context.Context, account string) (*Credentials, error) {
	if c.cacheEnabled || !c.config.Enabled {
		c.mu.RLock()
		cached, ok := c.cache[account]
		c.mu.RUnlock()
		if ok {
			out := *cached
			return &out, nil
		}
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("%w for %q and vault is disabled", ErrCredentialsNotFound, account)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(account))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w for %q", ErrCredentialsNotFound, account)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	creds := &Credentials{
		AppKey:      getString(data, "app_key"),
		AppSecret:   getString(data, "app_secret"),
		AccessToken: getString(data, "access_token"),
	}
	if !creds.Complete() {
		return nil, fmt.Errorf("incomplete credentials for %q", account)
	}

	if c.cacheEnabled {
		c.Seed(account, *creds)
	}
	return creds, nil
}

// DeleteCredentials removes all versions of an account's credentials
func (c *Client) DeleteCredentials(ctx context.Context, account string) error {
	c.mu.Lock()
	delete(c.cache, account)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(account)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}

// ClearCache clears the in-memory cache. Access tokens rotate, so the
// engine clears it before the daily reconnect.
func (c *Client) ClearCache() {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	c.cache = make(map[string]*Credentials)
	c.mu.Unlock()
}

// SetCacheEnabled enables or disables caching
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(account string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, account)
}

func (c *Client) metadataPath(account string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, account)
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
