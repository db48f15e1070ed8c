package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"longbridge-quant-bot/config"
)

// ==================== Disabled mode ====================

func TestDisabledClientServesSeededCredentials(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = c.GetCredentials(context.Background(), "main")
	if !errors.Is(err, ErrCredentialsNotFound) {
		t.Fatalf("Expected ErrCredentialsNotFound, got %v", err)
	}

	c.Seed("main", Credentials{AppKey: "k", AppSecret: "s", AccessToken: "t"})
	c.ClearCache() // no-op without vault

	creds, err := c.GetCredentials(context.Background(), "main")
	if err != nil {
		t.Fatalf("GetCredentials failed: %v", err)
	}
	if creds.AppKey != "k" || !creds.Complete() {
		t.Errorf("Expected seeded credentials, got %+v", creds)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Expected healthy disabled client, got %v", err)
	}
}

// ==================== KV v2 over HTTP ====================

func newFakeVault(t *testing.T, reads *atomic.Int32, sealed bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/quant-bot/broker/main":
			reads.Add(1)
			if r.Header.Get("X-Vault-Token") != "root" {
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]interface{}{"errors": []string{"permission denied"}})
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data": map[string]interface{}{
						"app_key":      "vault-key",
						"app_secret":   "vault-secret",
						"access_token": "vault-token",
					},
					"metadata": map[string]interface{}{"version": 1},
				},
			})
		case "/v1/sys/health":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"initialized": true,
				"sealed":      sealed,
				"standby":     false,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]interface{}{"errors": []string{}})
		}
	}))
}

func TestGetCredentialsFromVault(t *testing.T) {
	var reads atomic.Int32
	srv := newFakeVault(t, &reads, false)
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "root",
		MountPath:  "secret",
		SecretPath: "quant-bot/broker",
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		creds, err := c.GetCredentials(context.Background(), "main")
		if err != nil {
			t.Fatalf("GetCredentials failed: %v", err)
		}
		if creds.AppKey != "vault-key" || creds.AccessToken != "vault-token" {
			t.Errorf("Expected vault credentials, got %+v", creds)
		}
	}
	if reads.Load() != 1 {
		t.Errorf("Expected 1 vault read with cache, got %d", reads.Load())
	}

	c.ClearCache()
	if _, err := c.GetCredentials(context.Background(), "main"); err != nil {
		t.Fatalf("GetCredentials after clear failed: %v", err)
	}
	if reads.Load() != 2 {
		t.Errorf("Expected re-read after cache clear, got %d reads", reads.Load())
	}

	if _, err := c.GetCredentials(context.Background(), "other"); err == nil {
		t.Error("Expected error for unknown account")
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Expected healthy vault, got %v", err)
	}
}

func TestHealthReportsSealedVault(t *testing.T) {
	var reads atomic.Int32
	srv := newFakeVault(t, &reads, true)
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, Token: "root", MountPath: "secret", SecretPath: "quant-bot/broker"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Health(context.Background()); err == nil {
		t.Error("Expected sealed vault to fail health check")
	}
}
