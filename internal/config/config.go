package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all SysManage server configuration from environment variables.
type Config struct {
	// Listeners
	Listen   string // operator API + agent WebSocket listener, host:port
	Hostname string // public hostname baked into the server certificate

	// Storage
	DBDSN     string // sqlite3 path or postgres:// URL
	StatePath string // bbolt file for operator accounts, tokens, license, settings

	// Certificates
	CertDir string

	// Dispatch loop
	DispatchInterval time.Duration // tick between queue pumps
	DispatchBatch    int           // max outbound messages per host per tick
	AckTimeout       time.Duration // sent messages unacknowledged longer than this are retried
	RetryCheckEvery  int           // run the unacknowledged sweep every N ticks

	// Sessions
	SessionIdleTimeout time.Duration // close agent sockets idle longer than this
	HandlerTimeout     time.Duration // per-message handler deadline

	// Reboot orchestration
	ShutdownTimeout time.Duration // default child drain timeout

	// Queue maintenance
	QueueMaxAge    time.Duration // pending rows older than this expire
	QueueRetention time.Duration // terminal rows older than this are pruned
	CleanupSpec    string        // cron expression for the maintenance sweep

	// License
	LicensePath string // optional license token file applied at boot

	// Operator auth
	JWTSecret     string        // HMAC secret for operator bearer tokens
	TokenLifetime time.Duration // operator token validity
	AdminPassword string        // bootstrap admin password (first boot only)
	OIDCIssuer    string        // optional OIDC issuer URL
	OIDCClientID  string
	OIDCSecret    string
	OIDCRedirect  string

	// Ops eventing
	MQTTBroker string // optional mqtt(s)://host:port; empty disables
	MQTTPrefix string

	// Metrics
	TextfileDir string // optional node-exporter textfile directory

	// Logging
	LogJSON  bool
	LogLevel string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Listen:             envStr("SYSMANAGE_LISTEN", ":8443"),
		Hostname:           envStr("SYSMANAGE_HOSTNAME", defaultHostname()),
		DBDSN:              envStr("SYSMANAGE_DB_DSN", "sysmanage.db"),
		StatePath:          envStr("SYSMANAGE_STATE_PATH", "sysmanage-state.db"),
		CertDir:            envStr("SYSMANAGE_CERT_DIR", "certs"),
		DispatchInterval:   envDuration("SYSMANAGE_DISPATCH_INTERVAL", 250*time.Millisecond),
		DispatchBatch:      envInt("SYSMANAGE_DISPATCH_BATCH", 10),
		AckTimeout:         envDuration("SYSMANAGE_ACK_TIMEOUT", 5*time.Minute),
		RetryCheckEvery:    envInt("SYSMANAGE_RETRY_CHECK_EVERY", 240),
		SessionIdleTimeout: envDuration("SYSMANAGE_SESSION_IDLE_TIMEOUT", 90*time.Second),
		HandlerTimeout:     envDuration("SYSMANAGE_HANDLER_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    envDuration("SYSMANAGE_SHUTDOWN_TIMEOUT", 5*time.Minute),
		QueueMaxAge:        envDuration("SYSMANAGE_QUEUE_MAX_AGE", 24*time.Hour),
		QueueRetention:     envDuration("SYSMANAGE_QUEUE_RETENTION", 7*24*time.Hour),
		CleanupSpec:        envStr("SYSMANAGE_CLEANUP_SPEC", "@hourly"),
		LicensePath:        envStr("SYSMANAGE_LICENSE_PATH", ""),
		JWTSecret:          envStr("SYSMANAGE_JWT_SECRET", ""),
		TokenLifetime:      envDuration("SYSMANAGE_TOKEN_LIFETIME", 12*time.Hour),
		AdminPassword:      envStr("SYSMANAGE_ADMIN_PASSWORD", ""),
		OIDCIssuer:         envStr("SYSMANAGE_OIDC_ISSUER", ""),
		OIDCClientID:       envStr("SYSMANAGE_OIDC_CLIENT_ID", ""),
		OIDCSecret:         envStr("SYSMANAGE_OIDC_CLIENT_SECRET", ""),
		OIDCRedirect:       envStr("SYSMANAGE_OIDC_REDIRECT_URL", ""),
		MQTTBroker:         envStr("SYSMANAGE_MQTT_BROKER", ""),
		MQTTPrefix:         envStr("SYSMANAGE_MQTT_PREFIX", "sysmanage"),
		TextfileDir:        envStr("SYSMANAGE_TEXTFILE_DIR", ""),
		LogJSON:            envBool("SYSMANAGE_LOG_JSON", true),
		LogLevel:           envStr("SYSMANAGE_LOG_LEVEL", "info"),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.DispatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("SYSMANAGE_DISPATCH_INTERVAL must be > 0, got %s", c.DispatchInterval))
	}
	if c.DispatchBatch <= 0 {
		errs = append(errs, fmt.Errorf("SYSMANAGE_DISPATCH_BATCH must be > 0, got %d", c.DispatchBatch))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SYSMANAGE_ACK_TIMEOUT must be > 0, got %s", c.AckTimeout))
	}
	if c.RetryCheckEvery <= 0 {
		errs = append(errs, fmt.Errorf("SYSMANAGE_RETRY_CHECK_EVERY must be > 0, got %d", c.RetryCheckEvery))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SYSMANAGE_SESSION_IDLE_TIMEOUT must be > 0, got %s", c.SessionIdleTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SYSMANAGE_SHUTDOWN_TIMEOUT must be > 0, got %s", c.ShutdownTimeout))
	}
	if c.Hostname == "" {
		errs = append(errs, errors.New("SYSMANAGE_HOSTNAME must not be empty"))
	}
	oidcSet := 0
	for _, v := range []string{c.OIDCIssuer, c.OIDCClientID, c.OIDCSecret, c.OIDCRedirect} {
		if v != "" {
			oidcSet++
		}
	}
	if oidcSet != 0 && oidcSet != 4 {
		errs = append(errs, errors.New("OIDC requires SYSMANAGE_OIDC_ISSUER, SYSMANAGE_OIDC_CLIENT_ID, SYSMANAGE_OIDC_CLIENT_SECRET and SYSMANAGE_OIDC_REDIRECT_URL together"))
	}
	return errors.Join(errs...)
}

// PostgresDSN reports whether the configured DSN targets PostgreSQL rather
// than the embedded SQLite database.
func (c *Config) PostgresDSN() bool {
	return strings.HasPrefix(c.DBDSN, "postgres://") || strings.HasPrefix(c.DBDSN, "postgresql://")
}

func defaultHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
