package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sark-gateway/sark/internal/domain/filter"
	"github.com/sark-gateway/sark/internal/domain/policy"
)

// bundleFile is the YAML schema of a policy bundle file.
type bundleFile struct {
	Name               string        `yaml:"name"`
	SalientContextKeys []string      `yaml:"salient_context_keys"`
	Packages           []packageFile `yaml:"packages"`
}

type packageFile struct {
	Name  string     `yaml:"name"`
	Rules []ruleFile `yaml:"rules"`
}

type ruleFile struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Priority    int             `yaml:"priority"`
	ActionMatch string          `yaml:"action_match"`
	Condition   string          `yaml:"condition"`
	Effect      string          `yaml:"effect"`
	Reason      string          `yaml:"reason"`
	Filters     []directiveFile `yaml:"filters"`
	CacheTTL    *int            `yaml:"cache_ttl_seconds"`
}

type directiveFile struct {
	Op    string   `yaml:"op"`
	Path  string   `yaml:"path"`
	Token string   `yaml:"token"`
	Keys  []string `yaml:"keys"`
}

// LoadBundleFile parses a YAML policy bundle.
func LoadBundleFile(path string) (*policy.Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle: %w", err)
	}

	var bf bundleFile
	if err := yaml.Unmarshal(raw, &bf); err != nil {
		return nil, fmt.Errorf("parse policy bundle %s: %w", path, err)
	}
	if len(bf.Packages) == 0 {
		return nil, fmt.Errorf("policy bundle %s has no packages", path)
	}

	b := &policy.Bundle{
		ID:                 bf.Name,
		Name:               bf.Name,
		Version:            1,
		SalientContextKeys: bf.SalientContextKeys,
		Enabled:            true,
		UpdatedAt:          time.Now().UTC(),
	}
	for pi, pf := range bf.Packages {
		if pf.Name == "" {
			return nil, fmt.Errorf("policy bundle %s: packages[%d] has no name", path, pi)
		}
		pkg := policy.Package{Name: pf.Name}
		for ri, rf := range pf.Rules {
			rule, err := rf.toRule()
			if err != nil {
				return nil, fmt.Errorf("policy bundle %s: %s rules[%d]: %w", path, pf.Name, ri, err)
			}
			pkg.Rules = append(pkg.Rules, rule)
		}
		b.Packages = append(b.Packages, pkg)
	}
	return b, nil
}

func (rf ruleFile) toRule() (policy.Rule, error) {
	var effect policy.Effect
	switch rf.Effect {
	case "allow":
		effect = policy.EffectAllow
	case "deny":
		effect = policy.EffectDeny
	case "approval_required":
		effect = policy.EffectApprovalNeeded
	default:
		return policy.Rule{}, fmt.Errorf("effect must be allow, deny, or approval_required, got %q", rf.Effect)
	}
	if rf.ID == "" {
		return policy.Rule{}, fmt.Errorf("rule has no id")
	}

	rule := policy.Rule{
		ID:              rf.ID,
		Name:            rf.Name,
		Priority:        rf.Priority,
		ActionMatch:     rf.ActionMatch,
		Condition:       rf.Condition,
		Effect:          effect,
		Reason:          rf.Reason,
		CacheTTLSeconds: rf.CacheTTL,
		CreatedAt:       time.Now().UTC(),
	}
	for _, df := range rf.Filters {
		rule.FilterDirectives = append(rule.FilterDirectives, filter.Directive{
			Op:    filter.Op(df.Op),
			Path:  df.Path,
			Token: df.Token,
			Keys:  df.Keys,
		})
	}
	return rule, nil
}

// DefaultBundle is the built-in default-deny bundle used when no bundle
// file is configured.
func DefaultBundle() *policy.Bundle {
	return &policy.Bundle{
		ID:      "default",
		Name:    "default",
		Version: 1,
		Packages: []policy.Package{{
			Name: "default",
			Rules: []policy.Rule{{
				ID:          "default-deny",
				Name:        "default deny",
				ActionMatch: "*",
				Effect:      policy.EffectDeny,
				Reason:      "no policy bundle configured",
				CreatedAt:   time.Now().UTC(),
			}},
		}},
		Enabled:   true,
		UpdatedAt: time.Now().UTC(),
	}
}

// DevBundle is the permissive bundle used in dev mode when no bundle file
// is configured.
func DevBundle() *policy.Bundle {
	return &policy.Bundle{
		ID:      "dev",
		Name:    "dev",
		Version: 1,
		Packages: []policy.Package{{
			Name: "dev",
			Rules: []policy.Rule{{
				ID:          "dev-allow-all",
				Name:        "allow all",
				ActionMatch: "*",
				Effect:      policy.EffectAllow,
				Reason:      "dev mode",
				CreatedAt:   time.Now().UTC(),
			}},
		}},
		Enabled:   true,
		UpdatedAt: time.Now().UTC(),
	}
}
