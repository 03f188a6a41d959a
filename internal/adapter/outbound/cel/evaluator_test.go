package cel

import (
	"context"
	"strings"
	"testing"

	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/principal"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	eval, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	return eval
}

func testInput() policy.Input {
	return policy.Input{
		Principal: &principal.Principal{
			ID:    "user-1",
			Type:  principal.TypeHuman,
			Roles: []string{"analyst", "admin"},
			Teams: []string{"platform"},
		},
		Action: "gateway:tool:invoke",
		Resource: &resource.Resource{
			ID:          "res-1",
			Protocol:    resource.ProtocolMCP,
			Sensitivity: resource.SensitivityHigh,
		},
		Capability: &resource.Capability{
			ID:   "cap-1",
			Name: "search_logs",
		},
		Arguments: map[string]any{"query": "error", "limit": 10},
		Context:   map[string]any{"environment": "production"},
	}
}

func TestCompile_ValidExpression(t *testing.T) {
	eval := newTestEvaluator(t)
	prg, err := eval.Compile(`action == "gateway:tool:invoke"`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if prg == nil {
		t.Fatal("Compile() returned nil program")
	}
}

func TestCompile_EmptyExpressionIsTrue(t *testing.T) {
	eval := newTestEvaluator(t)
	prg, err := eval.Compile("")
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	verdict, err := eval.Evaluate(context.Background(), prg, testInput())
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !verdict {
		t.Error("empty condition must always apply")
	}
}

func TestCompile_InvalidExpression(t *testing.T) {
	eval := newTestEvaluator(t)
	if _, err := eval.Compile(`this is not CEL !!!`); err == nil {
		t.Error("Compile() expected error for invalid expression")
	}
}

func TestEvaluate_Conditions(t *testing.T) {
	eval := newTestEvaluator(t)
	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"role check", `principal.roles.exists(r, r == "admin")`, true},
		{"missing role", `principal.roles.exists(r, r == "auditor")`, false},
		{"sensitivity", `resource.sensitivity == "high"`, true},
		{"capability name", `capability.name.startsWith("search")`, true},
		{"argument access", `arguments.limit <= 100`, true},
		{"context key", `context.environment == "production"`, true},
		{"mfa not verified", `principal.mfa_verified`, false},
		{"team membership", `"platform" in principal.teams`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prg, err := eval.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error: %v", tt.expr, err)
			}
			got, err := eval.Evaluate(context.Background(), prg, testInput())
			if err != nil {
				t.Fatalf("Evaluate(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluate_NonBooleanResult(t *testing.T) {
	eval := newTestEvaluator(t)
	prg, err := eval.Compile(`action`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if _, err := eval.Evaluate(context.Background(), prg, testInput()); err == nil {
		t.Error("non-boolean results must be errors")
	}
}

func TestEvaluate_NilPrincipalDocuments(t *testing.T) {
	eval := newTestEvaluator(t)
	prg, err := eval.Compile(`size(principal) == 0 && size(arguments) == 0`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	verdict, err := eval.Evaluate(context.Background(), prg, policy.Input{Action: "x"})
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if !verdict {
		t.Error("nil input sections must become empty documents")
	}
}

func TestValidateExpression(t *testing.T) {
	eval := newTestEvaluator(t)

	if err := eval.ValidateExpression(`action == "x"`); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := eval.ValidateExpression(""); err == nil {
		t.Error("empty expression must be rejected for persistence")
	}
	if err := eval.ValidateExpression(strings.Repeat("a", maxExpressionLength+1)); err == nil {
		t.Error("oversized expression must be rejected")
	}
	deep := strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)
	if err := eval.ValidateExpression(deep); err == nil {
		t.Error("deeply nested expression must be rejected")
	}
}

func TestEvaluate_CancelledContext(t *testing.T) {
	eval := newTestEvaluator(t)
	prg, err := eval.Compile(`[1, 2, 3, 4, 5].all(x, [1, 2, 3, 4, 5].all(y, x + y > 0))`)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Cancellation may land before or mid-evaluation; either an error or a
	// completed verdict is acceptable, a hang is not.
	_, _ = eval.Evaluate(ctx, prg, testInput())
}
