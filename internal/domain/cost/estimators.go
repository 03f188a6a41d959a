package cost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// ModelPrice is the per-million-token pricing for one model.
type ModelPrice struct {
	InputPerMTok  decimal.Decimal
	OutputPerMTok decimal.Decimal
}

// charsPerToken is the estimation heuristic: roughly four characters of
// serialized prompt per token.
const charsPerToken = 4

// defaultOutputFactor estimates output tokens as half the prompt when the
// request declares no max_tokens.
const defaultOutputFactor = 2

// TokenEstimator prices LLM-backed capabilities from token counts. The
// pre-call estimate is deliberately pessimistic; the post-call actual from
// provider usage replaces it in budget accounting.
type TokenEstimator struct {
	prices       map[string]ModelPrice
	defaultPrice ModelPrice
}

// NewTokenEstimator creates an estimator over a model pricing table.
// defaultPrice applies to models missing from the table.
func NewTokenEstimator(prices map[string]ModelPrice, defaultPrice ModelPrice) *TokenEstimator {
	return &TokenEstimator{prices: prices, defaultPrice: defaultPrice}
}

// ProviderName identifies the pricing model.
func (e *TokenEstimator) ProviderName() string { return "token" }

// Estimate prices the request from its serialized argument size and the
// declared max_tokens.
func (e *TokenEstimator) Estimate(_ context.Context, req *adapter.InvocationRequest, res *resource.Resource) (Estimate, error) {
	price := e.priceFor(res)

	raw, err := json.Marshal(req.Arguments)
	if err != nil {
		return Estimate{}, fmt.Errorf("serialize arguments for estimation: %w", err)
	}
	inputTokens := int64(len(raw)) / charsPerToken
	if inputTokens == 0 {
		inputTokens = 1
	}

	outputTokens := inputTokens / defaultOutputFactor
	if maxTok, ok := numericArg(req.Arguments, "max_tokens"); ok && maxTok > 0 {
		outputTokens = maxTok
	}
	if outputTokens == 0 {
		outputTokens = 1
	}

	amount := tokenCost(inputTokens, price.InputPerMTok).
		Add(tokenCost(outputTokens, price.OutputPerMTok))
	return Estimate{
		AmountUSD: RoundUSD(amount),
		Provider:  e.ProviderName(),
		Breakdown: map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
			"input_price":   price.InputPerMTok.String(),
			"output_price":  price.OutputPerMTok.String(),
		},
	}, nil
}

// RecordActual extracts true token counts from the provider usage block.
// Responses without usage information return nil.
func (e *TokenEstimator) RecordActual(_ context.Context, _ *adapter.InvocationRequest, result *adapter.InvocationResult, res *resource.Resource) (*Estimate, error) {
	if result == nil || result.Metadata == nil {
		return nil, nil
	}
	usage, ok := result.Metadata["usage"].(map[string]any)
	if !ok {
		return nil, nil
	}
	inputTokens, inOK := usageField(usage, "prompt_tokens", "input_tokens")
	outputTokens, outOK := usageField(usage, "completion_tokens", "output_tokens")
	if !inOK && !outOK {
		return nil, nil
	}

	price := e.priceFor(res)
	amount := tokenCost(inputTokens, price.InputPerMTok).
		Add(tokenCost(outputTokens, price.OutputPerMTok))
	return &Estimate{
		AmountUSD: RoundUSD(amount),
		Provider:  e.ProviderName(),
		Breakdown: map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}, nil
}

func (e *TokenEstimator) priceFor(res *resource.Resource) ModelPrice {
	if res == nil || res.Metadata == nil {
		return e.defaultPrice
	}
	model, _ := res.Metadata["model"].(string)
	if price, ok := e.prices[model]; ok {
		return price
	}
	return e.defaultPrice
}

// tokenCost computes tokens * pricePerMTok / 1e6 in decimal space.
func tokenCost(tokens int64, pricePerMTok decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(tokens).Mul(pricePerMTok).Div(decimal.NewFromInt(1_000_000))
}

func numericArg(args map[string]any, key string) (int64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func usageField(usage map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		if n, ok := numericArg(usage, k); ok {
			return n, true
		}
	}
	return 0, false
}

var _ Estimator = (*TokenEstimator)(nil)

// FixedEstimator prices every invocation at a flat per-call rate declared
// in resource metadata under "cost_per_call_usd", falling back to its
// configured default.
type FixedEstimator struct {
	defaultPerCall decimal.Decimal
}

// NewFixedEstimator creates a flat-rate estimator.
func NewFixedEstimator(defaultPerCall decimal.Decimal) *FixedEstimator {
	return &FixedEstimator{defaultPerCall: defaultPerCall}
}

// ProviderName identifies the pricing model.
func (e *FixedEstimator) ProviderName() string { return "fixed" }

// Estimate returns the per-call rate.
func (e *FixedEstimator) Estimate(_ context.Context, _ *adapter.InvocationRequest, res *resource.Resource) (Estimate, error) {
	amount := e.defaultPerCall
	if res != nil && res.Metadata != nil {
		if s, ok := res.Metadata["cost_per_call_usd"].(string); ok {
			parsed, err := decimal.NewFromString(s)
			if err != nil {
				return Estimate{}, fmt.Errorf("resource %s cost_per_call_usd is malformed: %w", res.Name, err)
			}
			amount = parsed
		}
	}
	return Estimate{
		AmountUSD: RoundUSD(amount),
		Provider:  e.ProviderName(),
		Breakdown: map[string]any{"per_call": amount.String()},
	}, nil
}

// RecordActual reports no post-call adjustment; flat rates are exact.
func (e *FixedEstimator) RecordActual(context.Context, *adapter.InvocationRequest, *adapter.InvocationResult, *resource.Resource) (*Estimate, error) {
	return nil, nil
}

var _ Estimator = (*FixedEstimator)(nil)

// FreeEstimator prices everything at zero. Internal tools with no metered
// backend use it so budget checks stay uniform.
type FreeEstimator struct{}

// ProviderName identifies the pricing model.
func (FreeEstimator) ProviderName() string { return "free" }

// Estimate returns zero.
func (FreeEstimator) Estimate(context.Context, *adapter.InvocationRequest, *resource.Resource) (Estimate, error) {
	return Estimate{AmountUSD: decimal.Zero, Provider: "free"}, nil
}

// RecordActual reports no post-call adjustment.
func (FreeEstimator) RecordActual(context.Context, *adapter.InvocationRequest, *adapter.InvocationResult, *resource.Resource) (*Estimate, error) {
	return nil, nil
}

var _ Estimator = (FreeEstimator{})
