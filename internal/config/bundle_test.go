package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sark-gateway/sark/internal/domain/filter"
	"github.com/sark-gateway/sark/internal/domain/policy"
)

func writeBundle(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func TestLoadBundleFile(t *testing.T) {
	path := writeBundle(t, `
name: production
salient_context_keys: [environment, ticket]
packages:
  - name: database
    rules:
      - id: allow-reads
        name: allow read queries
        priority: 100
        action_match: "db:query:*"
        condition: '"analyst" in principal.roles'
        effect: allow
        cache_ttl_seconds: 60
        filters:
          - op: redact
            path: connection_string
      - id: deny-writes
        action_match: "db:write:*"
        effect: deny
        reason: writes are locked down
`)

	b, err := LoadBundleFile(path)
	if err != nil {
		t.Fatalf("LoadBundleFile() error: %v", err)
	}
	if b.Name != "production" || !b.Enabled || b.Version != 1 {
		t.Errorf("bundle = %+v", b)
	}
	if len(b.SalientContextKeys) != 2 {
		t.Errorf("SalientContextKeys = %v", b.SalientContextKeys)
	}
	if len(b.Packages) != 1 || b.Packages[0].Name != "database" {
		t.Fatalf("Packages = %+v", b.Packages)
	}

	rules := b.Packages[0].Rules
	if len(rules) != 2 {
		t.Fatalf("rules = %+v", rules)
	}
	r := rules[0]
	if r.ID != "allow-reads" || r.Priority != 100 || r.Effect != policy.EffectAllow {
		t.Errorf("rule = %+v", r)
	}
	if r.CacheTTLSeconds == nil || *r.CacheTTLSeconds != 60 {
		t.Errorf("CacheTTLSeconds = %v, want 60", r.CacheTTLSeconds)
	}
	if len(r.FilterDirectives) != 1 || r.FilterDirectives[0].Op != filter.OpRedact {
		t.Errorf("FilterDirectives = %+v", r.FilterDirectives)
	}
	if rules[1].Effect != policy.EffectDeny || rules[1].Reason != "writes are locked down" {
		t.Errorf("deny rule = %+v", rules[1])
	}
	if rules[1].CacheTTLSeconds != nil {
		t.Error("absent cache_ttl_seconds must stay nil")
	}
}

func TestLoadBundleFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			"no packages",
			"name: empty\n",
			"no packages",
		},
		{
			"unnamed package",
			"packages:\n  - rules:\n      - id: r1\n        effect: allow\n",
			"has no name",
		},
		{
			"rule without id",
			"packages:\n  - name: p\n    rules:\n      - effect: allow\n",
			"no id",
		},
		{
			"bad effect",
			"packages:\n  - name: p\n    rules:\n      - id: r1\n        effect: maybe\n",
			"effect must be",
		},
		{
			"malformed yaml",
			"packages: [\n",
			"parse policy bundle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBundleFile(writeBundle(t, tt.yaml))
			if err == nil {
				t.Fatal("LoadBundleFile() expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %q, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadBundleFile_MissingFile(t *testing.T) {
	if _, err := LoadBundleFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file must error")
	}
}

func TestDefaultBundle_DeniesEverything(t *testing.T) {
	b := DefaultBundle()
	if len(b.Packages) != 1 || len(b.Packages[0].Rules) != 1 {
		t.Fatalf("bundle = %+v", b)
	}
	r := b.Packages[0].Rules[0]
	if r.Effect != policy.EffectDeny || r.ActionMatch != "*" {
		t.Errorf("rule = %+v, want a catch-all deny", r)
	}
}

func TestDevBundle_AllowsEverything(t *testing.T) {
	b := DevBundle()
	r := b.Packages[0].Rules[0]
	if r.Effect != policy.EffectAllow || r.ActionMatch != "*" {
		t.Errorf("rule = %+v, want a catch-all allow", r)
	}
}
