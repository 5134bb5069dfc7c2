package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Unset the env vars exercised below to get defaults.
	for _, k := range []string{
		"SYSMANAGE_LISTEN", "SYSMANAGE_DB_DSN", "SYSMANAGE_STATE_PATH",
		"SYSMANAGE_CERT_DIR", "SYSMANAGE_DISPATCH_INTERVAL", "SYSMANAGE_DISPATCH_BATCH",
		"SYSMANAGE_ACK_TIMEOUT", "SYSMANAGE_SHUTDOWN_TIMEOUT", "SYSMANAGE_LOG_JSON",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.Listen != ":8443" {
		t.Errorf("Listen = %q, want :8443", cfg.Listen)
	}
	if cfg.DBDSN != "sysmanage.db" {
		t.Errorf("DBDSN = %q, want sysmanage.db", cfg.DBDSN)
	}
	if cfg.CertDir != "certs" {
		t.Errorf("CertDir = %q, want certs", cfg.CertDir)
	}
	if cfg.DispatchInterval != 250*time.Millisecond {
		t.Errorf("DispatchInterval = %s, want 250ms", cfg.DispatchInterval)
	}
	if cfg.DispatchBatch != 10 {
		t.Errorf("DispatchBatch = %d, want 10", cfg.DispatchBatch)
	}
	if cfg.AckTimeout != 5*time.Minute {
		t.Errorf("AckTimeout = %s, want 5m", cfg.AckTimeout)
	}
	if cfg.ShutdownTimeout != 5*time.Minute {
		t.Errorf("ShutdownTimeout = %s, want 5m", cfg.ShutdownTimeout)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYSMANAGE_DISPATCH_INTERVAL", "1s")
	t.Setenv("SYSMANAGE_DISPATCH_BATCH", "25")
	t.Setenv("SYSMANAGE_ACK_TIMEOUT", "2m")
	t.Setenv("SYSMANAGE_LOG_JSON", "false")
	t.Setenv("SYSMANAGE_DB_DSN", "postgres://sm:sm@db/sysmanage")

	cfg := Load()
	if cfg.DispatchInterval != time.Second {
		t.Errorf("DispatchInterval = %s, want 1s", cfg.DispatchInterval)
	}
	if cfg.DispatchBatch != 25 {
		t.Errorf("DispatchBatch = %d, want 25", cfg.DispatchBatch)
	}
	if cfg.AckTimeout != 2*time.Minute {
		t.Errorf("AckTimeout = %s, want 2m", cfg.AckTimeout)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
	if !cfg.PostgresDSN() {
		t.Error("PostgresDSN() = false for postgres:// DSN")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid baseline", func(_ *Config) {}, false},
		{"zero dispatch interval", func(c *Config) { c.DispatchInterval = 0 }, true},
		{"zero dispatch batch", func(c *Config) { c.DispatchBatch = 0 }, true},
		{"zero ack timeout", func(c *Config) { c.AckTimeout = 0 }, true},
		{"zero retry check", func(c *Config) { c.RetryCheckEvery = 0 }, true},
		{"zero idle timeout", func(c *Config) { c.SessionIdleTimeout = 0 }, true},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, true},
		{"empty hostname", func(c *Config) { c.Hostname = "" }, true},
		{"partial oidc", func(c *Config) { c.OIDCIssuer = "https://idp.example.com" }, true},
		{"complete oidc", func(c *Config) {
			c.OIDCIssuer = "https://idp.example.com"
			c.OIDCClientID = "sysmanage"
			c.OIDCSecret = "s3cret"
			c.OIDCRedirect = "https://sm.example.com/api/auth/oidc/callback"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Hostname:           "sm.example.com",
				DispatchInterval:   250 * time.Millisecond,
				DispatchBatch:      10,
				AckTimeout:         5 * time.Minute,
				RetryCheckEvery:    240,
				SessionIdleTimeout: 90 * time.Second,
				ShutdownTimeout:    5 * time.Minute,
			}
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "SM_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("SM_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "SM_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "SM_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "SM_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}
