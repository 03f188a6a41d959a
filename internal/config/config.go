// Package config provides the configuration schema and loading for the
// SARK gateway.
package config

import (
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the inbound API listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Auth configures credential verification.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures the sliding-window limiter.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Cache configures the decision cache sweeper.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Policy configures the rule bundle.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Budget configures per-principal daily limits.
	Budget BudgetConfig `yaml:"budget" mapstructure:"budget"`

	// Storage configures durable state.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// SIEM configures downstream audit forwarding.
	SIEM SIEMConfig `yaml:"siem" mapstructure:"siem"`

	// Adapters configures the protocol adapter layer.
	Adapters AdaptersConfig `yaml:"adapters" mapstructure:"adapters"`

	// Cost configures pricing models.
	Cost CostConfig `yaml:"cost" mapstructure:"cost"`

	// DevMode enables permissive development defaults.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the inbound API listener.
type ServerConfig struct {
	// Addr is the listen address. Defaults to "127.0.0.1:8443".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	// LogLevel is the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`
	// TracingStdout writes otel spans to stdout (development).
	TracingStdout bool `yaml:"tracing_stdout" mapstructure:"tracing_stdout"`
}

// AuthConfig configures credential verification.
type AuthConfig struct {
	// JWT configures bearer-token verification.
	JWT JWTConfig `yaml:"jwt" mapstructure:"jwt"`
	// Principals seeds the identity store.
	Principals []PrincipalConfig `yaml:"principals" mapstructure:"principals" validate:"omitempty,dive"`
	// APIKeys seeds hashed API keys.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// JWTConfig configures bearer-token verification. Tokens are issued
// elsewhere; the gateway only verifies them.
type JWTConfig struct {
	// Issuer is the required iss claim.
	Issuer string `yaml:"issuer" mapstructure:"issuer"`
	// Audience is the required aud claim.
	Audience string `yaml:"audience" mapstructure:"audience"`
	// Algorithm is the only accepted signing algorithm.
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm" validate:"omitempty,oneof=HS256 HS384 HS512 RS256 RS384 RS512 ES256 ES384 ES512"`
	// HMACSecret is the shared secret for HMAC algorithms.
	HMACSecret string `yaml:"hmac_secret" mapstructure:"hmac_secret"`
	// PublicKeyFile is the PEM path for asymmetric algorithms.
	PublicKeyFile string `yaml:"public_key_file" mapstructure:"public_key_file"`
}

// PrincipalConfig seeds one identity.
type PrincipalConfig struct {
	ID    string   `yaml:"id" mapstructure:"id" validate:"required"`
	Email string   `yaml:"email" mapstructure:"email" validate:"omitempty,email"`
	Type  string   `yaml:"type" mapstructure:"type" validate:"omitempty,oneof=human service agent device"`
	Roles []string `yaml:"roles" mapstructure:"roles"`
	Teams []string `yaml:"teams" mapstructure:"teams"`
	Admin bool     `yaml:"admin" mapstructure:"admin"`
	// Capabilities are labels granted to agent principals.
	Capabilities []string `yaml:"capabilities" mapstructure:"capabilities"`
}

// APIKeyConfig seeds one hashed API key.
type APIKeyConfig struct {
	// KeyHash is the stored hash: "sha256:<hex>" or a full "$argon2id$" hash.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`
	// PrincipalID references a principal in Auth.Principals.
	PrincipalID string `yaml:"principal_id" mapstructure:"principal_id" validate:"required"`
	// ExpiresAt is an optional RFC-3339 expiry.
	ExpiresAt string `yaml:"expires_at" mapstructure:"expires_at"`
	// Scopes restrict what the key may do.
	Scopes []string `yaml:"scopes" mapstructure:"scopes"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	// Enabled turns rate limiting on. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Window is the sliding window length. Defaults to "1h".
	Window string `yaml:"window" mapstructure:"window"`
	// PerIP, PerPrincipal, PerAPIKey are per-window admit limits.
	PerIP        int `yaml:"per_ip" mapstructure:"per_ip" validate:"omitempty,min=1"`
	PerPrincipal int `yaml:"per_principal" mapstructure:"per_principal" validate:"omitempty,min=1"`
	PerAPIKey    int `yaml:"per_api_key" mapstructure:"per_api_key" validate:"omitempty,min=1"`
	// AdminBypass lets admin principals skip the limiter.
	AdminBypass bool `yaml:"admin_bypass" mapstructure:"admin_bypass"`
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// CacheConfig configures the decision cache.
type CacheConfig struct {
	// SweepInterval is how often expired entries are removed. Defaults to "60s".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// PolicyConfig configures the rule bundle source.
type PolicyConfig struct {
	// BundleFile is the YAML bundle path. Empty means the built-in
	// default-deny bundle.
	BundleFile string `yaml:"bundle_file" mapstructure:"bundle_file"`
	// Plugins configures sandboxed WASM decision plugins.
	Plugins []PluginConfig `yaml:"plugins" mapstructure:"plugins" validate:"omitempty,dive"`
}

// PluginConfig configures one sandboxed decision plugin.
type PluginConfig struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// File is the path to the compiled WASM module.
	File string `yaml:"file" mapstructure:"file" validate:"required"`
	// Priority orders plugin execution, highest first.
	Priority int `yaml:"priority" mapstructure:"priority"`
}

// BudgetConfig configures per-principal spending limits.
type BudgetConfig struct {
	// Limits maps principal id to daily USD limit (decimal string).
	Limits map[string]string `yaml:"limits" mapstructure:"limits"`
}

// StorageConfig configures durable state.
type StorageConfig struct {
	// SQLitePath is the database file. Defaults to "sark.db"; ":memory:"
	// keeps everything ephemeral.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	// AuditRetentionDays bounds how long audit events are kept. Zero
	// disables purging.
	AuditRetentionDays int `yaml:"audit_retention_days" mapstructure:"audit_retention_days" validate:"omitempty,min=1"`
}

// SIEMConfig configures audit forwarding.
type SIEMConfig struct {
	// QueueSize is the bounded forwarding queue capacity. Defaults to 10000.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`
	// BatchSize is envelopes per batch. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	// FlushInterval drains partial batches. Defaults to "5s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval"`
	// MaxRetries is the per-batch retry budget. Defaults to 3.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0"`
	// Splunk configures the HEC sink.
	Splunk SplunkConfig `yaml:"splunk" mapstructure:"splunk"`
	// Datadog configures the Datadog logs sink.
	Datadog DatadogConfig `yaml:"datadog" mapstructure:"datadog"`
}

// SplunkConfig configures the Splunk HEC sink.
type SplunkConfig struct {
	URL   string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Token string `yaml:"token" mapstructure:"token"`
}

// DatadogConfig configures the Datadog logs sink.
type DatadogConfig struct {
	URL    string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Tags   string `yaml:"tags" mapstructure:"tags"`
}

// AdaptersConfig configures the protocol adapter layer.
type AdaptersConfig struct {
	// Enabled lists the active protocols. Defaults to all three.
	Enabled []string `yaml:"enabled" mapstructure:"enabled" validate:"omitempty,dive,oneof=mcp http grpc"`
	// Resilience sets the uniform wrapper defaults.
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	// Resources statically registers providers.
	Resources []ResourceConfig `yaml:"resources" mapstructure:"resources" validate:"omitempty,dive"`
}

// ResilienceConfig sets retry, breaker, and limiter defaults for adapters.
type ResilienceConfig struct {
	// RPS caps calls per second per adapter instance; zero disables.
	RPS float64 `yaml:"rps" mapstructure:"rps" validate:"omitempty,min=0"`
	// MaxRetries bounds retries over retryable errors. Defaults to 3.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0"`
	// BreakerFailures opens the circuit. Defaults to 5.
	BreakerFailures int `yaml:"breaker_failures" mapstructure:"breaker_failures" validate:"omitempty,min=1"`
	// BreakerCooldown is the open duration. Defaults to "60s".
	BreakerCooldown string `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
	// CallTimeout bounds one provider call. Defaults to "30s".
	CallTimeout string `yaml:"call_timeout" mapstructure:"call_timeout"`
}

// ResourceConfig statically registers one provider.
type ResourceConfig struct {
	ID       string `yaml:"id" mapstructure:"id" validate:"required"`
	Name     string `yaml:"name" mapstructure:"name" validate:"required"`
	Protocol string `yaml:"protocol" mapstructure:"protocol" validate:"required,oneof=mcp http grpc"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required"`
	// Sensitivity classifies the provider: low, medium, high, critical.
	Sensitivity string `yaml:"sensitivity" mapstructure:"sensitivity" validate:"omitempty,oneof=low medium high critical"`
	// Metadata carries protocol-specific configuration (operation
	// catalogs, TLS, cost provider).
	Metadata map[string]any `yaml:"metadata" mapstructure:"metadata"`
	// Auth configures outbound credential injection for this provider.
	Auth ResourceAuthConfig `yaml:"auth" mapstructure:"auth"`
}

// ResourceAuthConfig configures outbound credential injection.
type ResourceAuthConfig struct {
	Mode         string            `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=none bearer api_key mtls metadata"`
	Token        string            `yaml:"token" mapstructure:"token"`
	APIKeyHeader string            `yaml:"api_key_header" mapstructure:"api_key_header"`
	APIKey       string            `yaml:"api_key" mapstructure:"api_key"`
	CertFile     string            `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string            `yaml:"key_file" mapstructure:"key_file"`
	CAFile       string            `yaml:"ca_file" mapstructure:"ca_file"`
	Metadata     map[string]string `yaml:"metadata" mapstructure:"metadata"`
}

// CostConfig configures pricing models.
type CostConfig struct {
	// Models maps model name to per-million-token prices (decimal strings).
	Models map[string]ModelPriceConfig `yaml:"models" mapstructure:"models"`
}

// ModelPriceConfig is one model's token pricing.
type ModelPriceConfig struct {
	InputPerMTok  string `yaml:"input_per_mtok" mapstructure:"input_per_mtok"`
	OutputPerMTok string `yaml:"output_per_mtok" mapstructure:"output_per_mtok"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8443"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.RateLimit.Window == "" {
		c.RateLimit.Window = "1h"
	}
	if c.RateLimit.PerIP == 0 {
		c.RateLimit.PerIP = 100
	}
	if c.RateLimit.PerPrincipal == 0 {
		c.RateLimit.PerPrincipal = 1000
	}
	if c.RateLimit.PerAPIKey == 0 {
		c.RateLimit.PerAPIKey = 1000
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}

	if c.Cache.SweepInterval == "" {
		c.Cache.SweepInterval = "60s"
	}

	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "sark.db"
	}

	if c.SIEM.QueueSize == 0 {
		c.SIEM.QueueSize = 10000
	}
	if c.SIEM.BatchSize == 0 {
		c.SIEM.BatchSize = 100
	}
	if c.SIEM.FlushInterval == "" {
		c.SIEM.FlushInterval = "5s"
	}
	if c.SIEM.MaxRetries == 0 {
		c.SIEM.MaxRetries = 3
	}

	if len(c.Adapters.Enabled) == 0 {
		c.Adapters.Enabled = []string{"mcp", "http", "grpc"}
	}
	if c.Adapters.Resilience.MaxRetries == 0 {
		c.Adapters.Resilience.MaxRetries = 3
	}
	if c.Adapters.Resilience.BreakerFailures == 0 {
		c.Adapters.Resilience.BreakerFailures = 5
	}
	if c.Adapters.Resilience.BreakerCooldown == "" {
		c.Adapters.Resilience.BreakerCooldown = "60s"
	}
	if c.Adapters.Resilience.CallTimeout == "" {
		c.Adapters.Resilience.CallTimeout = "30s"
	}

	if c.Auth.JWT.Algorithm == "" {
		c.Auth.JWT.Algorithm = "HS256"
	}
}

// SetDevDefaults applies permissive defaults for development. Applied
// before validation so a bare dev_mode config can start.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	c.Server.TracingStdout = true

	if len(c.Auth.Principals) == 0 {
		c.Auth.Principals = []PrincipalConfig{{
			ID:    "dev-user",
			Type:  "human",
			Roles: []string{"admin"},
			Admin: true,
		}}
	}
	if len(c.Auth.APIKeys) == 0 && c.Auth.JWT.HMACSecret == "" {
		// SHA-256 of "dev-api-key".
		c.Auth.APIKeys = []APIKeyConfig{{
			KeyHash:     "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274",
			PrincipalID: "dev-user",
		}}
	}
	if c.Storage.SQLitePath == "" || c.Storage.SQLitePath == "sark.db" {
		c.Storage.SQLitePath = ":memory:"
	}
}

// Duration parses a config duration string, falling back when empty or
// malformed.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
