package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes viper with the config file and environment
// variables. If configFile is empty, standard locations are searched for
// sark.yaml/.yml; the explicit extension requirement keeps viper from
// matching the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("sark")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: SARK_SERVER_ADDR overrides server.addr.
	viper.SetEnvPrefix("SARK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Booleans defaulting to true cannot be defaulted post-unmarshal.
	viper.SetDefault("rate_limit.enabled", true)

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".sark"),
		"/etc/sark",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sark"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar keys for env override support.
// List-valued keys (principals, resources, plugins) require the file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.tls_cert_file")
	_ = viper.BindEnv("server.tls_key_file")
	_ = viper.BindEnv("server.tracing_stdout")

	_ = viper.BindEnv("auth.jwt.issuer")
	_ = viper.BindEnv("auth.jwt.audience")
	_ = viper.BindEnv("auth.jwt.algorithm")
	_ = viper.BindEnv("auth.jwt.hmac_secret")
	_ = viper.BindEnv("auth.jwt.public_key_file")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.window")
	_ = viper.BindEnv("rate_limit.per_ip")
	_ = viper.BindEnv("rate_limit.per_principal")
	_ = viper.BindEnv("rate_limit.per_api_key")
	_ = viper.BindEnv("rate_limit.admin_bypass")

	_ = viper.BindEnv("cache.sweep_interval")
	_ = viper.BindEnv("policy.bundle_file")
	_ = viper.BindEnv("storage.sqlite_path")
	_ = viper.BindEnv("storage.audit_retention_days")

	_ = viper.BindEnv("siem.queue_size")
	_ = viper.BindEnv("siem.batch_size")
	_ = viper.BindEnv("siem.flush_interval")
	_ = viper.BindEnv("siem.splunk.url")
	_ = viper.BindEnv("siem.splunk.token")
	_ = viper.BindEnv("siem.datadog.url")
	_ = viper.BindEnv("siem.datadog.api_key")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the file, applies env overrides and defaults, and
// validates. A missing config file is not an error: env-only operation is
// supported.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads and defaults the config without dev defaults or
// validation, so CLI flags can override DevMode first.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the loaded config path, empty in env-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
