package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/filter"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// InvokeRequest is one end-to-end invocation through the gateway.
type InvokeRequest struct {
	Authorize AuthorizeRequest
	// TraceID correlates authorization, invocation, cost, and audit.
	// Generated when empty.
	TraceID string
	// Stream requests a streaming invocation.
	Stream bool
}

// InvokeResponse is the collected invocation outcome.
type InvokeResponse struct {
	Result     *adapter.InvocationResult
	Chunks     <-chan adapter.StreamChunk
	Decision   *AuthorizeResponse
	TraceID    string
	Estimated  decimal.Decimal
	BudgetMeta map[string]string
}

// Invoker orchestrates the full invocation path: authorize, filter
// arguments, budget check, schema validation, provider call, cost
// attribution, audit.
type Invoker struct {
	authorizer *Authorizer
	registry   *adapter.Registry
	resources  resource.Store
	budgets    budget.Controller
	estimators map[string]cost.Estimator
	recorder   *AuditRecorder
	metrics    *Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewInvoker creates the orchestrator. estimators maps provider names to
// pricing models; resources missing a cost_provider default to free.
func NewInvoker(authorizer *Authorizer, registry *adapter.Registry, resources resource.Store, budgets budget.Controller, estimators map[string]cost.Estimator, recorder *AuditRecorder, metrics *Metrics, logger *slog.Logger, tracer trace.Tracer) *Invoker {
	return &Invoker{
		authorizer: authorizer,
		registry:   registry,
		resources:  resources,
		budgets:    budgets,
		estimators: estimators,
		recorder:   recorder,
		metrics:    metrics,
		logger:     logger,
		tracer:     tracer,
		now:        time.Now,
	}
}

// Invoke runs the full flow. Denials and budget rejections surface as
// typed errors; provider failures surface inside the result.
func (v *Invoker) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	ctx, span := v.tracer.Start(ctx, "gateway.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("gateway.trace_id", req.TraceID))

	authz, err := v.authorizer.Authorize(ctx, &req.Authorize)
	if err != nil {
		return nil, err
	}
	if authz.Decision.RequiresApproval {
		return nil, gateway.New(gateway.KindAuthorization, "capability requires approval").
			WithDetail("audit_id", authz.AuditID)
	}
	res, cap := authz.Resource, authz.Capability
	if res == nil || cap == nil {
		return nil, gateway.New(gateway.KindValidation, "invocation requires a resource and capability")
	}

	proto := v.registry.Lookup(res.Protocol)
	if proto == nil {
		return nil, gateway.Newf(gateway.KindInternal, "no adapter registered for protocol %s", res.Protocol)
	}

	// Policy filter directives rewrite arguments before anything else sees
	// them: validation, estimation, and the provider all get the filtered view.
	args := filter.Apply(req.Authorize.Arguments, authz.Decision.FilterDirectives, v.logger)

	invocation := &adapter.InvocationRequest{
		CapabilityID:   cap.ID,
		CapabilityName: cap.Name,
		PrincipalID:    req.Authorize.Principal.ID,
		Arguments:      args,
		Context:        req.Authorize.Context,
		TraceID:        req.TraceID,
	}

	if verrs := proto.ValidateRequest(ctx, invocation, cap); len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, ve := range verrs {
			msgs[i] = ve.String()
		}
		return nil, gateway.New(gateway.KindValidation, "arguments failed schema validation").
			WithDetail("violations", msgs)
	}

	estimator := estimatorFor(v.estimators, res, v.logger)
	estimate, err := estimator.Estimate(ctx, invocation, res)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "cost estimation failed", err)
	}

	check, err := v.budgets.CheckBudget(ctx, req.Authorize.Principal.ID, estimate.AmountUSD)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "budget check failed", err)
	}
	if !check.Allowed {
		v.auditBudgetDenied(ctx, req, res, cap, estimate, check)
		gerr := gateway.New(gateway.KindBudgetExceeded, check.Reason)
		for k, val := range check.Metadata {
			gerr = gerr.WithDetail(k, val)
		}
		return nil, gerr
	}

	resp := &InvokeResponse{
		Decision:   authz,
		TraceID:    req.TraceID,
		Estimated:  estimate.AmountUSD,
		BudgetMeta: check.Metadata,
	}

	if req.Stream {
		chunks, err := proto.InvokeStreaming(ctx, invocation, res)
		if err != nil {
			return nil, err
		}
		resp.Chunks = v.watchStream(ctx, req, invocation, res, cap, estimator, estimate, chunks)
		return resp, nil
	}

	start := v.now()
	result, invokeErr := proto.Invoke(ctx, invocation, res)
	if result == nil {
		result = &adapter.InvocationResult{
			Success:    false,
			Err:        invokeErr,
			DurationMS: time.Since(start).Milliseconds(),
		}
	}
	v.settle(ctx, req, invocation, res, cap, estimator, estimate, result, ctx.Err())
	resp.Result = result
	if invokeErr != nil {
		return resp, invokeErr
	}
	return resp, nil
}

// watchStream consumes the adapter stream, forwards chunks to the caller,
// and settles cost and audit when the stream terminates.
func (v *Invoker) watchStream(ctx context.Context, req *InvokeRequest, invocation *adapter.InvocationRequest, res *resource.Resource, cap *resource.Capability, estimator cost.Estimator, estimate cost.Estimate, in <-chan adapter.StreamChunk) <-chan adapter.StreamChunk {
	out := make(chan adapter.StreamChunk)
	start := v.now()
	go func() {
		defer close(out)
		var streamErr error
		chunks := 0
		for chunk := range in {
			chunks++
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				streamErr = ctx.Err()
			}
			if streamErr != nil && ctx.Err() != nil {
				break
			}
		}
		result := &adapter.InvocationResult{
			Success:    streamErr == nil,
			Err:        streamErr,
			DurationMS: time.Since(start).Milliseconds(),
			Metadata:   map[string]any{"chunks": chunks},
		}
		// Settlement happens after the inbound context may be gone.
		settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		v.settle(settleCtx, req, invocation, res, cap, estimator, estimate, result, ctx.Err())
	}()
	return out
}

// settle attributes cost and writes the invocation audit event. Settlement
// errors are logged, never propagated: the provider call already happened.
func (v *Invoker) settle(ctx context.Context, req *InvokeRequest, invocation *adapter.InvocationRequest, res *resource.Resource, cap *resource.Capability, estimator cost.Estimator, estimate cost.Estimate, result *adapter.InvocationResult, cancelCause error) {
	var actual *decimal.Decimal
	if result.Success {
		if actualEst, err := estimator.RecordActual(ctx, invocation, result, res); err != nil {
			v.logger.Warn("actual cost extraction failed", "trace_id", invocation.TraceID, "error", err)
		} else if actualEst != nil {
			actual = &actualEst.AmountUSD
		}
	}

	rec := cost.Record{
		PrincipalID:    invocation.PrincipalID,
		ResourceID:     res.ID,
		CapabilityName: cap.Name,
		TraceID:        invocation.TraceID,
		EstimatedUSD:   estimate.AmountUSD,
		ActualUSD:      actual,
		Provider:       estimate.Provider,
		Breakdown:      estimate.Breakdown,
		Timestamp:      v.now().UTC(),
	}
	if err := v.budgets.Record(ctx, rec); err != nil {
		v.logger.Error("cost record failed", "trace_id", invocation.TraceID, "error", err)
	}

	outcome := audit.OutcomeSuccess
	severity := audit.SeverityLow
	switch {
	case errors.Is(cancelCause, context.Canceled) || errors.Is(cancelCause, context.DeadlineExceeded):
		outcome = audit.OutcomeCancelled
		severity = audit.SeverityMedium
	case !result.Success:
		outcome = audit.OutcomeFailure
		severity = audit.SeverityMedium
	}

	if v.metrics != nil {
		v.metrics.Invocations.WithLabelValues(string(res.Protocol), outcome).Inc()
		v.metrics.InvocationSeconds.WithLabelValues(string(res.Protocol)).
			Observe(float64(result.DurationMS) / 1000)
	}

	details := map[string]any{
		"trace_id":      invocation.TraceID,
		"estimated_usd": estimate.AmountUSD.String(),
		"arguments":     audit.RedactArgs(invocation.Arguments, cap.SensitiveParams),
	}
	if actual != nil {
		details["actual_usd"] = actual.String()
	}
	if result.Err != nil {
		details["error"] = summarizeError(result.Err)
	}

	e := audit.Event{
		Timestamp:  v.now().UTC(),
		EventType:  audit.EventInvocation,
		Severity:   severity,
		Actor:      audit.Actor{ID: invocation.PrincipalID, Type: string(req.Authorize.Principal.Type)},
		Action:     req.Authorize.Action,
		Resource:   audit.Target{ID: res.ID, Name: res.Name},
		Capability: audit.CapabilityRef{Name: cap.Name},
		Outcome:    outcome,
		DurationMS: result.DurationMS,
		Network:    audit.Network{ClientIP: req.Authorize.ClientIP, UserAgent: req.Authorize.UserAgent},
		Details:    details,
	}
	e.CorrelationID = req.Authorize.CorrelationID
	if _, err := v.recorder.Record(ctx, e); err != nil {
		v.logger.Error("invocation audit write failed", "trace_id", invocation.TraceID, "error", err)
	}
}

// estimatorFor picks the pricing model a resource selects through its
// metadata.cost_provider entry. Unknown providers degrade to free with a
// warning.
func estimatorFor(estimators map[string]cost.Estimator, res *resource.Resource, logger *slog.Logger) cost.Estimator {
	provider := "free"
	if res.Metadata != nil {
		if p, ok := res.Metadata["cost_provider"].(string); ok && p != "" {
			provider = p
		}
	}
	if est, ok := estimators[provider]; ok {
		return est
	}
	logger.Warn("unknown cost provider, defaulting to free", "provider", provider, "resource", res.Name)
	return cost.FreeEstimator{}
}

func (v *Invoker) auditBudgetDenied(ctx context.Context, req *InvokeRequest, res *resource.Resource, cap *resource.Capability, estimate cost.Estimate, check budget.CheckResult) {
	details := map[string]any{
		"trace_id":      req.TraceID,
		"estimated_usd": estimate.AmountUSD.String(),
		"reason":        check.Reason,
	}
	for k, val := range check.Metadata {
		details[k] = val
	}
	e := audit.Event{
		Timestamp:  v.now().UTC(),
		EventType:  audit.EventBudgetDenied,
		Severity:   audit.SeverityMedium,
		Actor:      audit.Actor{ID: req.Authorize.Principal.ID, Type: string(req.Authorize.Principal.Type)},
		Action:     req.Authorize.Action,
		Resource:   audit.Target{ID: res.ID, Name: res.Name},
		Capability: audit.CapabilityRef{Name: cap.Name},
		Decision:   audit.DecisionDeny,
		Details:    details,
	}
	e.CorrelationID = req.Authorize.CorrelationID
	if _, err := v.recorder.Record(ctx, e); err != nil {
		v.logger.Error("budget denial audit write failed", "error", err)
	}
}

// summarizeError keeps provider error text out of audit details when it
// might carry sensitive payload fragments; kinds are always safe.
func summarizeError(err error) string {
	kind := string(gateway.KindOf(err))
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return kind + ": " + strings.SplitN(msg, "\n", 2)[0]
}
