// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"wavefed/backend/internal/security"
)

// ErrConfiguration marks a fatal boot-time misconfiguration. The server must refuse to start.
var ErrConfiguration = errors.New("configuration error")

// EncryptionKeySize is the required length of the decoded SESSION_ENCRYPTION_KEY.
const EncryptionKeySize = 32

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the browser/API HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health endpoint (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL enables the distributed refresh lock and redis health checks when set.
	RedisURL string `mapstructure:"REDIS_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// PublicURL is this service's externally reachable base URL; redirect_uri and client_id derive from it.
	PublicURL string `mapstructure:"PUBLIC_URL"`
	// FrontendURL is where the browser lands after a callback (with the exchange token).
	FrontendURL string `mapstructure:"FRONTEND_URL"`

	// SessionEncryptionKey is the base64-encoded 32-byte AEAD key for credentials at rest. Required.
	SessionEncryptionKey string `mapstructure:"SESSION_ENCRYPTION_KEY"`

	// OAuthIssuer is the default identity provider used when no identity hint is supplied.
	OAuthIssuer string `mapstructure:"OAUTH_ISSUER"`
	// ResourceServerURL is the default resource server used when no identity hint is supplied.
	ResourceServerURL string `mapstructure:"RESOURCE_SERVER_URL"`
	// PLCDirectoryURL resolves did:plc documents to the account's resource server. Empty skips
	// did:plc resolution and keeps RESOURCE_SERVER_URL.
	PLCDirectoryURL string `mapstructure:"PLC_DIRECTORY_URL"`
	// OAuthBaseScope is requested on every authorization.
	OAuthBaseScope string `mapstructure:"OAUTH_BASE_SCOPE"`
	// OAuthExtendedScope is added for users that opted in. Empty disables the opt-in.
	OAuthExtendedScope string `mapstructure:"OAUTH_EXTENDED_SCOPE"`
	// OAuthExtendedCollectionPrefix is the record collection prefix that requires OAuthExtendedScope.
	OAuthExtendedCollectionPrefix string `mapstructure:"OAUTH_EXTENDED_COLLECTION_PREFIX"`
	// ScopePolicyPath optionally replaces the built-in route to scope Rego policy.
	ScopePolicyPath string `mapstructure:"SCOPE_POLICY_PATH"`
	// OAuthClientPrivateKey is an ES256 PEM (inline or path). When set the service acts as a confidential client.
	OAuthClientPrivateKey string `mapstructure:"OAUTH_CLIENT_PRIVATE_KEY"`
	// OAuthClientKeyID is the kid published in the JWKS and used in client assertions.
	OAuthClientKeyID string `mapstructure:"OAUTH_CLIENT_KEY_ID"`

	SessionTTLDaysPublic       int `mapstructure:"SESSION_TTL_DAYS_PUBLIC"`
	SessionTTLDaysConfidential int `mapstructure:"SESSION_TTL_DAYS_CONFIDENTIAL"`
	DevTokenMaxTTLDays         int `mapstructure:"DEV_TOKEN_MAX_TTL_DAYS"`

	// ExchangeTokenTTLRaw is the one-time exchange token lifetime (e.g. "60s").
	ExchangeTokenTTLRaw string `mapstructure:"EXCHANGE_TOKEN_TTL"`
	// PendingFlowTTLRaw bounds how long an authorization may stay open (e.g. "10m").
	PendingFlowTTLRaw string `mapstructure:"PENDING_FLOW_TTL"`
	// OutboundTimeoutRaw bounds every call to the identity provider and resource server.
	OutboundTimeoutRaw string `mapstructure:"OUTBOUND_TIMEOUT"`
	// RefreshRetryPauseRaw is the fixed pause before the post-failure re-read.
	RefreshRetryPauseRaw string `mapstructure:"REFRESH_RETRY_PAUSE"`
	// RefreshDistributedLock takes a redis advisory lock around refresh in addition to the process-local one.
	RefreshDistributedLock bool `mapstructure:"REFRESH_DISTRIBUTED_LOCK"`

	// JanitorIntervalRaw is how often expired rows are purged eagerly (e.g. "5m").
	JanitorIntervalRaw string `mapstructure:"JANITOR_INTERVAL"`

	CookieName         string `mapstructure:"COOKIE_NAME"`
	CookieSecure       bool   `mapstructure:"COOKIE_SECURE"`
	RateLimitPerMinute int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for session events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// Worker-only: Loki URL for the event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Every validation failure wraps ErrConfiguration.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("PUBLIC_URL", "http://127.0.0.1:8080")
	v.SetDefault("FRONTEND_URL", "http://127.0.0.1:5173")
	v.SetDefault("SESSION_ENCRYPTION_KEY", "")
	v.SetDefault("OAUTH_ISSUER", "https://bsky.social")
	v.SetDefault("RESOURCE_SERVER_URL", "https://bsky.social")
	v.SetDefault("PLC_DIRECTORY_URL", "https://plc.directory")
	v.SetDefault("OAUTH_BASE_SCOPE", "atproto transition:generic")
	v.SetDefault("OAUTH_EXTENDED_SCOPE", "")
	v.SetDefault("OAUTH_EXTENDED_COLLECTION_PREFIX", "fm.teal.")
	v.SetDefault("SCOPE_POLICY_PATH", "")
	v.SetDefault("OAUTH_CLIENT_PRIVATE_KEY", "")
	v.SetDefault("OAUTH_CLIENT_KEY_ID", "client-key-1")
	v.SetDefault("SESSION_TTL_DAYS_PUBLIC", 14)
	v.SetDefault("SESSION_TTL_DAYS_CONFIDENTIAL", 180)
	v.SetDefault("DEV_TOKEN_MAX_TTL_DAYS", 365)
	v.SetDefault("EXCHANGE_TOKEN_TTL", "60s")
	v.SetDefault("PENDING_FLOW_TTL", "10m")
	v.SetDefault("OUTBOUND_TIMEOUT", "10s")
	v.SetDefault("REFRESH_RETRY_PAUSE", "500ms")
	v.SetDefault("REFRESH_DISTRIBUTED_LOCK", false)
	v.SetDefault("JANITOR_INTERVAL", "5m")
	v.SetDefault("COOKIE_NAME", "session_id")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "wavefed-session-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "wavefed-session-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if cfg.HTTPAddr == "" {
		return nil, fmt.Errorf("%w: HTTP_ADDR must be set", ErrConfiguration)
	}
	if _, err := cfg.EncryptionKey(); err != nil {
		return nil, err
	}
	if cfg.Confidential() {
		if _, err := cfg.ClientSigningKey(); err != nil {
			return nil, err
		}
	}
	if cfg.SessionTTLDaysPublic <= 0 || cfg.SessionTTLDaysConfidential <= 0 {
		return nil, fmt.Errorf("%w: SESSION_TTL_DAYS_PUBLIC and SESSION_TTL_DAYS_CONFIDENTIAL must be positive", ErrConfiguration)
	}
	if cfg.RefreshDistributedLock && cfg.RedisURL == "" {
		return nil, fmt.Errorf("%w: REFRESH_DISTRIBUTED_LOCK requires REDIS_URL", ErrConfiguration)
	}

	return &cfg, nil
}

// EncryptionKey decodes SessionEncryptionKey. A missing or malformed key is a ConfigurationError:
// the service never runs without at-rest protection.
func (c *Config) EncryptionKey() ([]byte, error) {
	raw := strings.TrimSpace(c.SessionEncryptionKey)
	if raw == "" {
		return nil, fmt.Errorf("%w: SESSION_ENCRYPTION_KEY must be set", ErrConfiguration)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: SESSION_ENCRYPTION_KEY is not valid base64", ErrConfiguration)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("%w: SESSION_ENCRYPTION_KEY must decode to %d bytes, got %d", ErrConfiguration, EncryptionKeySize, len(key))
	}
	return key, nil
}

// Confidential reports whether a client signing key is configured.
func (c *Config) Confidential() bool {
	return strings.TrimSpace(c.OAuthClientPrivateKey) != ""
}

// ClientSigningKey parses OAuthClientPrivateKey as an ES256 key. A malformed key is a ConfigurationError.
func (c *Config) ClientSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := security.ParseES256PrivateKey(c.OAuthClientPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: OAUTH_CLIENT_PRIVATE_KEY: %v", ErrConfiguration, err)
	}
	return key, nil
}

// SessionTTLDays is the session lifetime for the configured client type. Confidential clients get
// longer-lived refresh tokens, so their sessions last longer.
func (c *Config) SessionTTLDays() int {
	if c.Confidential() {
		return c.SessionTTLDaysConfidential
	}
	return c.SessionTTLDaysPublic
}

// JanitorInterval parses JanitorIntervalRaw. Returns 5m if unset or invalid.
func (c *Config) JanitorInterval() time.Duration {
	return parseDuration(c.JanitorIntervalRaw, 5*time.Minute)
}

// ExchangeTokenTTL parses ExchangeTokenTTLRaw. Returns 60s if unset or invalid.
func (c *Config) ExchangeTokenTTL() time.Duration {
	return parseDuration(c.ExchangeTokenTTLRaw, 60*time.Second)
}

// PendingFlowTTL parses PendingFlowTTLRaw. Returns 10m if unset or invalid.
func (c *Config) PendingFlowTTL() time.Duration {
	return parseDuration(c.PendingFlowTTLRaw, 10*time.Minute)
}

// OutboundTimeout parses OutboundTimeoutRaw. Returns 10s if unset or invalid.
func (c *Config) OutboundTimeout() time.Duration {
	return parseDuration(c.OutboundTimeoutRaw, 10*time.Second)
}

// RefreshRetryPause parses RefreshRetryPauseRaw. Returns 500ms if unset or invalid.
func (c *Config) RefreshRetryPause() time.Duration {
	return parseDuration(c.RefreshRetryPauseRaw, 500*time.Millisecond)
}

// ClientID is the OAuth client_id: the URL of the client metadata document.
func (c *Config) ClientID() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/oauth-client-metadata.json"
}

// RedirectURI is the callback URL registered in the client metadata.
func (c *Config) RedirectURI() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/auth/callback"
}

// JWKSURI is where the confidential client's public key is published.
func (c *Config) JWKSURI() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/.well-known/jwks.json"
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
