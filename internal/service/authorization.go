package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/decision"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/principal"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// AuthorizeRequest is one authorization question for the orchestrator.
// The principal is already authenticated; the orchestrator decides whether
// the action is permitted.
type AuthorizeRequest struct {
	Principal    *principal.Principal
	Action       string
	ResourceID   string
	CapabilityID string
	Arguments    map[string]any
	Context      map[string]any

	// RateKind/RateValue identify the rate-limit bucket, chosen by the
	// caller under the precedence api_key > principal > token hash > ip.
	RateKind  ratelimit.IdentifierKind
	RateValue string

	ClientIP      string
	UserAgent     string
	CorrelationID string
}

// AuthorizeResponse is the orchestrator's answer.
type AuthorizeResponse struct {
	Decision   policy.Decision
	RateResult ratelimit.Result
	CacheHit   bool
	AuditID    string
	// CacheTTL is the decision TTL the orchestrator applied.
	CacheTTL time.Duration
	// Resource and Capability are the resolved targets, when any.
	Resource   *resource.Resource
	Capability *resource.Capability
}

// Authorizer runs the decision flow: revocation, rate limit, target
// resolution, decision cache, policy engine, audit. Policy failures deny;
// rate limiter and cache failures degrade.
type Authorizer struct {
	engine    policy.Engine
	cache     decision.Cache
	limiter   ratelimit.Limiter
	resources resource.Store
	recorder  *AuditRecorder
	metrics   *Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	limits      map[ratelimit.IdentifierKind]ratelimit.Limit
	adminBypass bool
	budgets     budget.Controller
	estimators  map[string]cost.Estimator
	group       singleflight.Group
	now         func() time.Time
}

// AuthorizerOption configures the Authorizer.
type AuthorizerOption func(*Authorizer)

// WithRateLimits sets the per-identifier-kind limits.
func WithRateLimits(limits map[ratelimit.IdentifierKind]ratelimit.Limit) AuthorizerOption {
	return func(a *Authorizer) {
		a.limits = limits
	}
}

// WithAdminBypass lets admin principals skip rate limiting.
func WithAdminBypass(enabled bool) AuthorizerOption {
	return func(a *Authorizer) {
		a.adminBypass = enabled
	}
}

// WithBudget enforces per-principal spending limits on allowed decisions.
// estimators maps provider names to pricing models, as in NewInvoker.
func WithBudget(budgets budget.Controller, estimators map[string]cost.Estimator) AuthorizerOption {
	return func(a *Authorizer) {
		a.budgets = budgets
		a.estimators = estimators
	}
}

// NewAuthorizer creates the orchestrator.
func NewAuthorizer(engine policy.Engine, cache decision.Cache, limiter ratelimit.Limiter, resources resource.Store, recorder *AuditRecorder, metrics *Metrics, logger *slog.Logger, tracer trace.Tracer, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		engine:    engine,
		cache:     cache,
		limiter:   limiter,
		resources: resources,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger,
		tracer:    tracer,
		limits:    make(map[ratelimit.IdentifierKind]ratelimit.Limit),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize answers one authorization question. The returned error carries
// the failure kind; a deny is not an error, it is a Decision with
// Allow=false and a recorded audit id.
func (a *Authorizer) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResponse, error) {
	start := a.now()
	ctx, span := a.tracer.Start(ctx, "gateway.authorize")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.action", req.Action),
		attribute.String("gateway.principal", req.Principal.ID),
	)

	if req.Principal.Revoked(a.now()) {
		resp, err := a.deny(ctx, req, "principal is revoked", "")
		return resp, err
	}

	// Rate limiting precedes policy so abusive callers never reach the
	// engine. Limiter backend errors fail open.
	rateResult, limited := a.checkRate(ctx, req)
	if limited {
		a.auditRateLimited(ctx, req, rateResult)
		return &AuthorizeResponse{RateResult: rateResult},
			gateway.New(gateway.KindRateLimitExceeded, "rate limit exceeded").
				WithDetail("retry_after_seconds", int(rateResult.RetryAfter.Seconds()))
	}

	res, cap, err := a.resolveTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	// Agent principals must hold every capability label the target demands.
	if cap != nil && len(cap.RequiredCapabilities) > 0 {
		if missing := missingCapabilities(req.Principal, cap); missing != "" {
			resp, err := a.deny(ctx, req, "principal lacks required capability "+missing, "")
			resp.Resource, resp.Capability = res, cap
			resp.RateResult = rateResult
			return resp, err
		}
	}

	key, keyErr := decision.Key(req.Principal.ID, req.Action, req.ResourceID, req.CapabilityID, req.Context, a.engine.SalientContextKeys())
	if keyErr != nil {
		// An unkeyable input skips the cache, never the decision.
		a.logger.Warn("decision cache key derivation failed", "error", keyErr)
		key = ""
	}

	if key != "" {
		if cached, ok := a.cache.Get(ctx, key); ok {
			a.observe("hit", cached, start)
			auditID, err := a.auditDecision(ctx, req, res, cap, cached, true)
			if err != nil {
				return nil, err
			}
			cached.AuditID = auditID
			resp := &AuthorizeResponse{
				Decision: cached, RateResult: rateResult, CacheHit: true,
				AuditID: auditID, CacheTTL: a.cacheTTL(cached, res, cap),
				Resource: res, Capability: cap,
			}
			if !cached.Allow {
				return resp, gateway.Wrap(gateway.KindAuthorization, cached.Reason, gateway.ErrDenied)
			}
			if gerr := a.budgetGate(ctx, req, res, cap, resp); gerr != nil {
				return resp, gerr
			}
			return resp, nil
		}
	}
	if a.metrics != nil {
		a.metrics.CacheHits.WithLabelValues("miss").Inc()
	}

	d, err := a.evaluate(ctx, req, res, cap, key)
	if err != nil {
		// Engine failure is a deny: fail closed at the security boundary.
		a.observe("error", policy.Decision{}, start)
		if _, aerr := a.auditError(ctx, req, res, cap, err); aerr != nil {
			a.logger.Error("audit write failed while recording engine failure", "error", aerr)
		}
		return nil, gateway.Wrap(gateway.KindAuthorization, "policy evaluation failed", err)
	}

	ttl := a.cacheTTL(d, res, cap)
	if key != "" {
		a.cache.Put(ctx, key, d, ttl)
	}
	a.observe("engine", d, start)

	auditID, err := a.auditDecision(ctx, req, res, cap, d, false)
	if err != nil {
		return nil, err
	}
	d.AuditID = auditID

	resp := &AuthorizeResponse{Decision: d, RateResult: rateResult, AuditID: auditID, CacheTTL: ttl, Resource: res, Capability: cap}
	if !d.Allow {
		return resp, gateway.Wrap(gateway.KindAuthorization, d.Reason, gateway.ErrDenied)
	}
	if gerr := a.budgetGate(ctx, req, res, cap, resp); gerr != nil {
		return resp, gerr
	}
	return resp, nil
}

// budgetGate converts an allowed decision into a budget denial when the
// projected spend would exceed the principal's limit. It runs after the
// decision cache on purpose: only the policy verdict is cached, so a
// replenished budget takes effect immediately. Estimation and backend
// errors fail open; budgets are cost control, not the security boundary.
func (a *Authorizer) budgetGate(ctx context.Context, req *AuthorizeRequest, res *resource.Resource, cap *resource.Capability, resp *AuthorizeResponse) error {
	if a.budgets == nil || res == nil {
		return nil
	}

	inv := &adapter.InvocationRequest{
		CapabilityID: req.CapabilityID,
		PrincipalID:  req.Principal.ID,
		Arguments:    req.Arguments,
		Context:      req.Context,
	}
	if cap != nil {
		inv.CapabilityName = cap.Name
	}
	estimate, err := estimatorFor(a.estimators, res, a.logger).Estimate(ctx, inv, res)
	if err != nil {
		a.logger.Warn("cost estimation failed, skipping budget check",
			"principal", req.Principal.ID, "error", err)
		return nil
	}
	check, err := a.budgets.CheckBudget(ctx, req.Principal.ID, estimate.AmountUSD)
	if err != nil {
		a.logger.Warn("budget check failed, admitting", "principal", req.Principal.ID, "error", err)
		return nil
	}
	if check.Allowed {
		return nil
	}

	a.auditBudgetDenied(ctx, req, res, cap, estimate, check)
	resp.Decision.Allow = false
	resp.Decision.Reason = check.Reason
	gerr := gateway.Wrap(gateway.KindBudgetExceeded, check.Reason, gateway.ErrDenied)
	for k, val := range check.Metadata {
		gerr = gerr.WithDetail(k, val)
	}
	return gerr
}

// evaluate runs the policy engine behind a singleflight group so a burst
// of identical cache misses costs one evaluation.
func (a *Authorizer) evaluate(ctx context.Context, req *AuthorizeRequest, res *resource.Resource, cap *resource.Capability, key string) (policy.Decision, error) {
	in := policy.Input{
		Principal:   req.Principal,
		Action:      req.Action,
		Resource:    res,
		Capability:  cap,
		Arguments:   req.Arguments,
		Context:     req.Context,
		RequestTime: a.now().UTC(),
	}
	if key == "" {
		return a.engine.Evaluate(ctx, in)
	}
	out, err, _ := a.group.Do(key, func() (any, error) {
		return a.engine.Evaluate(ctx, in)
	})
	if err != nil {
		return policy.Decision{}, err
	}
	return out.(policy.Decision), nil
}

// checkRate returns the limiter verdict; the second return is true when
// the request must be rejected.
func (a *Authorizer) checkRate(ctx context.Context, req *AuthorizeRequest) (ratelimit.Result, bool) {
	if a.adminBypass && req.Principal.Admin {
		return ratelimit.Result{Allowed: true}, false
	}
	limit, ok := a.limits[req.RateKind]
	if !ok || req.RateValue == "" {
		return ratelimit.Result{Allowed: true}, false
	}
	result, err := a.limiter.Check(ctx, ratelimit.FormatKey(req.RateKind, req.RateValue), limit)
	if err != nil {
		// Best-effort abuse control fails open.
		a.logger.Warn("rate limiter backend failed, admitting", "error", err)
		return ratelimit.Result{Allowed: true}, false
	}
	if !result.Allowed {
		if a.metrics != nil {
			a.metrics.RateLimited.WithLabelValues(string(req.RateKind)).Inc()
		}
		return result, true
	}
	return result, false
}

// resolveTarget loads the resource and capability the action names, when
// any. Unknown targets are validation failures, not denials.
func (a *Authorizer) resolveTarget(ctx context.Context, req *AuthorizeRequest) (*resource.Resource, *resource.Capability, error) {
	var res *resource.Resource
	var cap *resource.Capability

	if req.ResourceID != "" {
		var err error
		res, err = a.resources.GetResource(ctx, req.ResourceID)
		if err != nil {
			return nil, nil, gateway.Wrap(gateway.KindInternal, "resolve resource", err)
		}
		if res == nil {
			return nil, nil, gateway.Newf(gateway.KindValidation, "resource %q not found", req.ResourceID)
		}
		if res.Status == resource.StatusDecommissioned {
			return nil, nil, gateway.Newf(gateway.KindValidation, "resource %q is decommissioned", req.ResourceID)
		}
	}
	if req.CapabilityID != "" {
		var err error
		cap, err = a.resources.GetCapability(ctx, req.CapabilityID)
		if err != nil {
			return nil, nil, gateway.Wrap(gateway.KindInternal, "resolve capability", err)
		}
		if cap == nil {
			return nil, nil, gateway.Newf(gateway.KindValidation, "capability %q not found", req.CapabilityID)
		}
		if res != nil && cap.ResourceID != res.ID {
			return nil, nil, gateway.Newf(gateway.KindValidation,
				"capability %q does not belong to resource %q", req.CapabilityID, req.ResourceID)
		}
	}
	return res, cap, nil
}

// cacheTTL derives the decision TTL: rule override first, then the target
// sensitivity class. Critical never caches.
func (a *Authorizer) cacheTTL(d policy.Decision, res *resource.Resource, cap *resource.Capability) time.Duration {
	if d.CacheTTLOverride != nil {
		return *d.CacheTTLOverride
	}
	if cap != nil {
		return cap.EffectiveSensitivity(res).CacheTTL()
	}
	if res != nil {
		return res.Sensitivity.CacheTTL()
	}
	return resource.SensitivityMedium.CacheTTL()
}

// deny records a denial that happened before policy evaluation.
func (a *Authorizer) deny(ctx context.Context, req *AuthorizeRequest, reason, ruleID string) (*AuthorizeResponse, error) {
	d := policy.Decision{Allow: false, Reason: reason, RuleID: ruleID}
	auditID, err := a.auditDecision(ctx, req, nil, nil, d, false)
	if err != nil {
		return nil, err
	}
	d.AuditID = auditID
	return &AuthorizeResponse{Decision: d, AuditID: auditID},
		gateway.Wrap(gateway.KindAuthorization, reason, gateway.ErrDenied)
}

func (a *Authorizer) observe(source string, d policy.Decision, start time.Time) {
	if a.metrics == nil {
		return
	}
	label := audit.DecisionDeny
	if d.Allow {
		label = audit.DecisionAllow
	}
	if source == "error" {
		label = audit.DecisionError
	} else if source == "hit" {
		a.metrics.CacheHits.WithLabelValues("hit").Inc()
	}
	a.metrics.AuthzDecisions.WithLabelValues(label, source).Inc()
	a.metrics.AuthzDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}

// auditDecision writes the authorization event. Audit write failure fails
// the request: an unauditable decision must not take effect.
func (a *Authorizer) auditDecision(ctx context.Context, req *AuthorizeRequest, res *resource.Resource, cap *resource.Capability, d policy.Decision, fromCache bool) (string, error) {
	version, _ := a.engine.BundleVersion()
	decisionLabel := audit.DecisionDeny
	severity := audit.SeverityMedium
	if d.Allow {
		decisionLabel = audit.DecisionAllow
		severity = audit.SeverityLow
	}

	e := audit.Event{
		Timestamp: a.now().UTC(),
		EventType: audit.EventAuthorization,
		Severity:  severity,
		Actor: audit.Actor{
			ID:    req.Principal.ID,
			Email: req.Principal.Email,
			Type:  string(req.Principal.Type),
		},
		Action:        req.Action,
		Decision:      decisionLabel,
		Policy:        audit.PolicyRef{Version: version},
		Network:       audit.Network{ClientIP: req.ClientIP, UserAgent: req.UserAgent},
		CorrelationID: req.CorrelationID,
		Details: map[string]any{
			"reason":     d.Reason,
			"from_cache": fromCache,
		},
	}
	if d.RuleID != "" {
		e.Details["rule_id"] = d.RuleID
	}
	if res != nil {
		e.Resource = audit.Target{ID: res.ID, Name: res.Name}
	}
	if cap != nil {
		e.Capability = audit.CapabilityRef{Name: cap.Name}
		if len(req.Arguments) > 0 {
			e.Details["arguments"] = audit.RedactArgs(req.Arguments, cap.SensitiveParams)
		}
	}

	auditID, err := a.recorder.Record(ctx, e)
	if err != nil {
		return "", gateway.Wrap(gateway.KindInternal, "audit write failed", err)
	}
	return auditID, nil
}

func (a *Authorizer) auditError(ctx context.Context, req *AuthorizeRequest, res *resource.Resource, cap *resource.Capability, evalErr error) (string, error) {
	e := audit.Event{
		Timestamp: a.now().UTC(),
		EventType: audit.EventAuthorization,
		Severity:  audit.SeverityHigh,
		Actor:     audit.Actor{ID: req.Principal.ID, Type: string(req.Principal.Type)},
		Action:    req.Action,
		Decision:  audit.DecisionError,
		Network:   audit.Network{ClientIP: req.ClientIP, UserAgent: req.UserAgent},
		Details:   map[string]any{"error": evalErr.Error()},
	}
	if res != nil {
		e.Resource = audit.Target{ID: res.ID, Name: res.Name}
	}
	if cap != nil {
		e.Capability = audit.CapabilityRef{Name: cap.Name}
	}
	e.CorrelationID = req.CorrelationID
	return a.recorder.Record(ctx, e)
}

func (a *Authorizer) auditRateLimited(ctx context.Context, req *AuthorizeRequest, result ratelimit.Result) {
	e := audit.Event{
		Timestamp: a.now().UTC(),
		EventType: audit.EventRateLimited,
		Severity:  audit.SeverityMedium,
		Actor:     audit.Actor{ID: req.Principal.ID, Type: string(req.Principal.Type)},
		Action:    req.Action,
		Decision:  audit.DecisionDeny,
		Network:   audit.Network{ClientIP: req.ClientIP, UserAgent: req.UserAgent},
		Details: map[string]any{
			"identifier_kind":     string(req.RateKind),
			"limit":               result.Limit,
			"retry_after_seconds": int(result.RetryAfter.Seconds()),
		},
	}
	e.CorrelationID = req.CorrelationID
	if _, err := a.recorder.Record(ctx, e); err != nil {
		a.logger.Error("audit write failed for rate-limited request", "error", err)
	}
}

func (a *Authorizer) auditBudgetDenied(ctx context.Context, req *AuthorizeRequest, res *resource.Resource, cap *resource.Capability, estimate cost.Estimate, check budget.CheckResult) {
	details := map[string]any{
		"estimated_usd": estimate.AmountUSD.String(),
		"reason":        check.Reason,
	}
	for k, val := range check.Metadata {
		details[k] = val
	}
	e := audit.Event{
		Timestamp: a.now().UTC(),
		EventType: audit.EventBudgetDenied,
		Severity:  audit.SeverityMedium,
		Actor:     audit.Actor{ID: req.Principal.ID, Type: string(req.Principal.Type)},
		Action:    req.Action,
		Resource:  audit.Target{ID: res.ID, Name: res.Name},
		Decision:  audit.DecisionDeny,
		Network:   audit.Network{ClientIP: req.ClientIP, UserAgent: req.UserAgent},
		Details:   details,
	}
	if cap != nil {
		e.Capability = audit.CapabilityRef{Name: cap.Name}
	}
	e.CorrelationID = req.CorrelationID
	if _, err := a.recorder.Record(ctx, e); err != nil {
		a.logger.Error("budget denial audit write failed", "error", err)
	}
}

func missingCapabilities(p *principal.Principal, cap *resource.Capability) string {
	held := make(map[string]struct{}, len(p.Capabilities))
	for _, c := range p.Capabilities {
		held[c] = struct{}{}
	}
	for _, required := range cap.RequiredCapabilities {
		if _, ok := held[required]; !ok {
			return required
		}
	}
	return ""
}
