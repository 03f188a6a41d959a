package filter

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApply_NoDirectives(t *testing.T) {
	args := map[string]any{"query": "hello"}
	out := Apply(args, nil, testLogger())
	if out["query"] != "hello" {
		t.Errorf("expected passthrough, got %v", out)
	}
}

func TestApply_Drop(t *testing.T) {
	args := map[string]any{"query": "hello", "api_token": "secret"}
	out := Apply(args, []Directive{{Op: OpDrop, Path: "api_token"}}, testLogger())
	if _, ok := out["api_token"]; ok {
		t.Error("api_token should be dropped")
	}
	if out["query"] != "hello" {
		t.Error("query should survive")
	}
}

func TestApply_RedactDefaultToken(t *testing.T) {
	args := map[string]any{"password": "hunter2"}
	out := Apply(args, []Directive{{Op: OpRedact, Path: "password"}}, testLogger())
	if out["password"] != DefaultRedactionToken {
		t.Errorf("password = %v, want %q", out["password"], DefaultRedactionToken)
	}
}

func TestApply_RedactCustomToken(t *testing.T) {
	args := map[string]any{"ssn": "123-45-6789"}
	out := Apply(args, []Directive{{Op: OpRedact, Path: "ssn", Token: "[MASKED]"}}, testLogger())
	if out["ssn"] != "[MASKED]" {
		t.Errorf("ssn = %v, want [MASKED]", out["ssn"])
	}
}

func TestApply_NestedPath(t *testing.T) {
	args := map[string]any{
		"config": map[string]any{
			"auth": map[string]any{"token": "abc"},
		},
	}
	out := Apply(args, []Directive{{Op: OpRedact, Path: "config.auth.token"}}, testLogger())
	token := out["config"].(map[string]any)["auth"].(map[string]any)["token"]
	if token != DefaultRedactionToken {
		t.Errorf("nested token = %v, want redacted", token)
	}
}

func TestApply_ArrayIndexPath(t *testing.T) {
	args := map[string]any{
		"filters": []any{
			map[string]any{"value": "keep"},
			map[string]any{"value": "hide"},
		},
	}
	out := Apply(args, []Directive{{Op: OpRedact, Path: "filters.1.value"}}, testLogger())
	filters := out["filters"].([]any)
	if filters[0].(map[string]any)["value"] != "keep" {
		t.Error("index 0 should be untouched")
	}
	if filters[1].(map[string]any)["value"] != DefaultRedactionToken {
		t.Error("index 1 should be redacted")
	}
}

func TestApply_Allowlist(t *testing.T) {
	args := map[string]any{
		"options": map[string]any{
			"limit":  10,
			"debug":  true,
			"secret": "x",
		},
	}
	out := Apply(args, []Directive{{Op: OpAllowlist, Path: "options", Keys: []string{"limit"}}}, testLogger())
	opts := out["options"].(map[string]any)
	if len(opts) != 1 {
		t.Fatalf("options has %d keys, want 1", len(opts))
	}
	if opts["limit"] != 10 {
		t.Errorf("limit = %v, want 10", opts["limit"])
	}
}

func TestApply_UnknownPathIsNoop(t *testing.T) {
	args := map[string]any{"query": "hello"}
	out := Apply(args, []Directive{{Op: OpDrop, Path: "missing.deeply.nested"}}, testLogger())
	if out["query"] != "hello" {
		t.Error("unknown path must leave arguments intact")
	}
}

func TestApply_MalformedDirectiveSkipped(t *testing.T) {
	args := map[string]any{"query": "hello"}
	out := Apply(args, []Directive{
		{Op: "explode", Path: "query"},
		{Op: OpDrop, Path: ""},
	}, testLogger())
	if out["query"] != "hello" {
		t.Error("malformed directives must be skipped, not applied")
	}
}

func TestApply_DoesNotMutateOriginal(t *testing.T) {
	args := map[string]any{
		"outer": map[string]any{"token": "secret"},
		"list":  []any{"a", "b"},
	}
	out := Apply(args, []Directive{
		{Op: OpRedact, Path: "outer.token"},
		{Op: OpRedact, Path: "list.0"},
	}, testLogger())

	if args["outer"].(map[string]any)["token"] != "secret" {
		t.Error("original nested map was mutated")
	}
	if args["list"].([]any)[0] != "a" {
		t.Error("original slice was mutated")
	}
	if out["outer"].(map[string]any)["token"] != DefaultRedactionToken {
		t.Error("copy should carry the redaction")
	}
}
