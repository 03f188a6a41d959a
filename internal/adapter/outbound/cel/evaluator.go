// Package cel provides the CEL expression evaluator behind policy rule
// conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/sark-gateway/sark/internal/domain/policy"
)

// maxExpressionLength bounds rule condition size.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit preventing cost-exhaustion.
const maxCostBudget = 100_000

// maxNestingDepth bounds parenthesis/bracket nesting in conditions.
const maxNestingDepth = 50

// evalTimeout bounds a single CEL evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions over decision inputs.
type Evaluator struct {
	env *cel.Env
}

// newDecisionEnvironment declares the decision input document variables.
// Keys mirror the canonical input document: principal, action, resource,
// capability, arguments, context.
func newDecisionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("capability", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewEvaluator creates an evaluator with the decision environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := newDecisionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create decision environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks an expression into a runnable program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if expression == "" {
		expression = "true"
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// ValidateExpression checks an expression is syntactically valid and within
// the safety limits before it is persisted into a bundle.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// validateNesting rejects expressions nested deeper than maxNestingDepth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Evaluate runs a compiled program against a decision input. It returns the
// boolean verdict; non-boolean results are errors.
func (e *Evaluator) Evaluate(ctx context.Context, prg cel.Program, in policy.Input) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, BuildActivation(in))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	verdict, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return verdict, nil
}

// BuildActivation converts a decision input into the CEL variable bindings.
func BuildActivation(in policy.Input) map[string]any {
	principalDoc := map[string]any{}
	if p := in.Principal; p != nil {
		principalDoc = map[string]any{
			"id":           p.ID,
			"type":         string(p.Type),
			"roles":        toAnySlice(p.Roles),
			"teams":        toAnySlice(p.Teams),
			"permissions":  toAnySlice(p.Permissions),
			"capabilities": toAnySlice(p.Capabilities),
			"trust_level":  string(p.TrustLevel),
			"environment":  p.Environment,
			"mfa_verified": p.MFAVerifiedAt != nil,
		}
		if p.MFAVerifiedAt != nil {
			principalDoc["mfa_timestamp"] = p.MFAVerifiedAt.UTC().Format(time.RFC3339)
		}
	}

	resourceDoc := map[string]any{}
	if r := in.Resource; r != nil {
		resourceDoc = map[string]any{
			"id":          r.ID,
			"protocol":    string(r.Protocol),
			"sensitivity": string(r.Sensitivity),
		}
	}

	capabilityDoc := map[string]any{}
	if c := in.Capability; c != nil {
		capabilityDoc = map[string]any{
			"id":                c.ID,
			"name":              c.Name,
			"sensitivity":       string(c.Sensitivity),
			"requires_approval": c.RequiresApproval,
		}
	}

	args := in.Arguments
	if args == nil {
		args = map[string]any{}
	}
	reqCtx := in.Context
	if reqCtx == nil {
		reqCtx = map[string]any{}
	}

	return map[string]any{
		"principal":  principalDoc,
		"action":     in.Action,
		"resource":   resourceDoc,
		"capability": capabilityDoc,
		"arguments":  args,
		"context":    reqCtx,
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
