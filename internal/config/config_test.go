package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

func TestSetDefaults(t *testing.T) {
	c := &Config{}
	c.SetDefaults()

	if c.Server.Addr != "127.0.0.1:8443" {
		t.Errorf("Addr = %q, want loopback default", c.Server.Addr)
	}
	if c.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", c.Server.LogLevel)
	}
	if c.RateLimit.Window != "1h" || c.RateLimit.PerIP != 100 {
		t.Errorf("rate limit defaults = %q/%d", c.RateLimit.Window, c.RateLimit.PerIP)
	}
	if c.SIEM.QueueSize != 10000 || c.SIEM.BatchSize != 100 {
		t.Errorf("siem defaults = %d/%d", c.SIEM.QueueSize, c.SIEM.BatchSize)
	}
	if len(c.Adapters.Enabled) != 3 {
		t.Errorf("Enabled = %v, want all three protocols", c.Adapters.Enabled)
	}
	if c.Auth.JWT.Algorithm != "HS256" {
		t.Errorf("Algorithm = %q, want HS256", c.Auth.JWT.Algorithm)
	}
}

func TestSetDefaults_PreservesExplicitValues(t *testing.T) {
	c := &Config{}
	c.Server.Addr = "0.0.0.0:9000"
	c.RateLimit.PerIP = 7
	c.SetDefaults()

	if c.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("Addr = %q, explicit value overwritten", c.Server.Addr)
	}
	if c.RateLimit.PerIP != 7 {
		t.Errorf("PerIP = %d, explicit value overwritten", c.RateLimit.PerIP)
	}
}

func TestSetDevDefaults(t *testing.T) {
	c := &Config{DevMode: true}
	c.SetDevDefaults()

	if len(c.Auth.Principals) != 1 || c.Auth.Principals[0].ID != "dev-user" {
		t.Errorf("Principals = %v, want the seeded dev user", c.Auth.Principals)
	}
	if len(c.Auth.APIKeys) != 1 {
		t.Errorf("APIKeys = %v, want the seeded dev key", c.Auth.APIKeys)
	}
	if c.Storage.SQLitePath != ":memory:" {
		t.Errorf("SQLitePath = %q, want :memory:", c.Storage.SQLitePath)
	}
}

func TestSetDevDefaults_NoopWithoutDevMode(t *testing.T) {
	c := &Config{}
	c.SetDevDefaults()
	if len(c.Auth.Principals) != 0 {
		t.Error("dev defaults must not apply outside dev mode")
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		fallback time.Duration
		want     time.Duration
	}{
		{"parses", "90s", time.Minute, 90 * time.Second},
		{"empty falls back", "", time.Minute, time.Minute},
		{"malformed falls back", "ninety", time.Minute, time.Minute},
		{"non-positive falls back", "-5s", time.Minute, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Duration(tt.raw, tt.fallback); got != tt.want {
				t.Errorf("Duration(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestValidate_DefaultsPass(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() error on defaults: %v", err)
	}
}

func TestValidate_APIKeyReferences(t *testing.T) {
	c := validConfig()
	c.Auth.APIKeys = []APIKeyConfig{{
		KeyHash:     "sha256:abcd",
		PrincipalID: "ghost",
	}}
	if err := c.Validate(); err == nil {
		t.Error("key referencing an unknown principal must fail validation")
	}

	c.Auth.Principals = []PrincipalConfig{{ID: "ghost"}}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error with resolved reference: %v", err)
	}
}

func TestValidate_KeyHashFormat(t *testing.T) {
	c := validConfig()
	c.Auth.Principals = []PrincipalConfig{{ID: "p1"}}
	c.Auth.APIKeys = []APIKeyConfig{{KeyHash: "plaintext-key", PrincipalID: "p1"}}
	if err := c.Validate(); err == nil {
		t.Error("raw key material in key_hash must be rejected")
	}
}

func TestValidate_ExpiryFormat(t *testing.T) {
	c := validConfig()
	c.Auth.Principals = []PrincipalConfig{{ID: "p1"}}
	c.Auth.APIKeys = []APIKeyConfig{{
		KeyHash: "sha256:abcd", PrincipalID: "p1", ExpiresAt: "tomorrow",
	}}
	if err := c.Validate(); err == nil {
		t.Error("non-RFC-3339 expiry must be rejected")
	}
}

func TestValidate_HMACNeedsSecret(t *testing.T) {
	c := validConfig()
	c.Auth.JWT.Issuer = "sark"
	c.Auth.JWT.HMACSecret = ""
	if err := c.Validate(); err == nil {
		t.Error("HMAC issuer without a secret must be rejected")
	}
	c.Auth.JWT.HMACSecret = "shhh"
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error with secret set: %v", err)
	}
}

func TestValidate_Durations(t *testing.T) {
	c := validConfig()
	c.RateLimit.Window = "one hour"
	if err := c.Validate(); err == nil {
		t.Error("malformed duration must be rejected")
	}
}

func TestValidate_BudgetDecimals(t *testing.T) {
	c := validConfig()
	c.Budget.Limits = map[string]string{"p1": "ten dollars"}
	if err := c.Validate(); err == nil {
		t.Error("non-decimal budget limit must be rejected")
	}

	c.Budget.Limits = map[string]string{"p1": "-5"}
	if err := c.Validate(); err == nil {
		t.Error("negative budget limit must be rejected")
	}

	c.Budget.Limits = map[string]string{"p1": "12.50"}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error on a valid limit: %v", err)
	}
}

func TestValidate_ModelPrices(t *testing.T) {
	c := validConfig()
	c.Cost.Models = map[string]ModelPriceConfig{
		"gpt-x": {InputPerMTok: "not a number"},
	}
	if err := c.Validate(); err == nil {
		t.Error("malformed model price must be rejected")
	}
}

func TestValidate_SinksNeedCredentials(t *testing.T) {
	c := validConfig()
	c.SIEM.Splunk.URL = "https://splunk.example.com/services/collector"
	if err := c.Validate(); err == nil {
		t.Error("splunk url without token must be rejected")
	}
	c.SIEM.Splunk.Token = "hec-token"
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error with token: %v", err)
	}

	c.SIEM.Datadog.URL = "https://http-intake.logs.datadoghq.com"
	if err := c.Validate(); err == nil {
		t.Error("datadog url without api key must be rejected")
	}
}

func TestValidate_StructTags(t *testing.T) {
	c := validConfig()
	c.Server.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Error("unknown log level must be rejected")
	}

	c = validConfig()
	c.Adapters.Resources = []ResourceConfig{{
		ID: "r1", Name: "thing", Protocol: "carrier-pigeon", Endpoint: "coop:1",
	}}
	if err := c.Validate(); err == nil {
		t.Error("unknown protocol must be rejected")
	}
}
