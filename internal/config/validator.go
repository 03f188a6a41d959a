package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Validate runs struct-tag validation plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateDurations(); err != nil {
		return err
	}
	if err := c.validateBudgets(); err != nil {
		return err
	}
	if err := c.validateSinks(); err != nil {
		return err
	}
	return nil
}

// validateAuth checks key references and the JWT key material.
func (c *Config) validateAuth() error {
	known := make(map[string]struct{}, len(c.Auth.Principals))
	for _, p := range c.Auth.Principals {
		known[p.ID] = struct{}{}
	}
	for i, key := range c.Auth.APIKeys {
		if _, ok := known[key.PrincipalID]; !ok {
			return fmt.Errorf("auth.api_keys[%d]: references unknown principal_id %q", i, key.PrincipalID)
		}
		if !strings.HasPrefix(key.KeyHash, "sha256:") && !strings.HasPrefix(key.KeyHash, "$argon2id$") {
			return fmt.Errorf("auth.api_keys[%d]: key_hash must be sha256:<hex> or an argon2id hash", i)
		}
		if key.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, key.ExpiresAt); err != nil {
				return fmt.Errorf("auth.api_keys[%d]: expires_at must be RFC-3339: %v", i, err)
			}
		}
	}

	if strings.HasPrefix(c.Auth.JWT.Algorithm, "HS") && c.Auth.JWT.Issuer != "" && c.Auth.JWT.HMACSecret == "" {
		return errors.New("auth.jwt: HMAC algorithm configured without hmac_secret")
	}
	return nil
}

// validateDurations checks every duration-typed string parses.
func (c *Config) validateDurations() error {
	durations := map[string]string{
		"rate_limit.window":                    c.RateLimit.Window,
		"rate_limit.cleanup_interval":          c.RateLimit.CleanupInterval,
		"cache.sweep_interval":                 c.Cache.SweepInterval,
		"siem.flush_interval":                  c.SIEM.FlushInterval,
		"adapters.resilience.breaker_cooldown": c.Adapters.Resilience.BreakerCooldown,
		"adapters.resilience.call_timeout":     c.Adapters.Resilience.CallTimeout,
	}
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, raw)
		}
	}
	return nil
}

// validateBudgets checks limit and price strings parse as decimals.
func (c *Config) validateBudgets() error {
	for principalID, raw := range c.Budget.Limits {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("budget.limits[%s]: invalid decimal %q", principalID, raw)
		}
		if d.IsNegative() {
			return fmt.Errorf("budget.limits[%s]: limit must not be negative", principalID)
		}
	}
	for model, price := range c.Cost.Models {
		for field, raw := range map[string]string{"input_per_mtok": price.InputPerMTok, "output_per_mtok": price.OutputPerMTok} {
			if raw == "" {
				continue
			}
			if _, err := decimal.NewFromString(raw); err != nil {
				return fmt.Errorf("cost.models[%s].%s: invalid decimal %q", model, field, raw)
			}
		}
	}
	return nil
}

// validateSinks requires credentials alongside sink URLs.
func (c *Config) validateSinks() error {
	if c.SIEM.Splunk.URL != "" && c.SIEM.Splunk.Token == "" {
		return errors.New("siem.splunk: url configured without token")
	}
	if c.SIEM.Datadog.URL != "" && c.SIEM.Datadog.APIKey == "" {
		return errors.New("siem.datadog: url configured without api_key")
	}
	return nil
}

// formatValidationErrors converts validator errors to actionable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
