package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/decision"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/principal"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("test")
}

// fakeEngine returns a fixed decision or error.
type fakeEngine struct {
	decision policy.Decision
	err      error
	salient  []string
	calls    int
}

func (e *fakeEngine) Evaluate(context.Context, policy.Input) (policy.Decision, error) {
	e.calls++
	return e.decision, e.err
}
func (e *fakeEngine) Reload(context.Context) error { return nil }
func (e *fakeEngine) BundleVersion() (int, string) { return 7, "hash" }
func (e *fakeEngine) SalientContextKeys() []string { return e.salient }

var _ policy.Engine = (*fakeEngine)(nil)

// fakeCache records puts and serves a single primed entry.
type fakeCache struct {
	entries map[string]policy.Decision
	putTTL  time.Duration
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]policy.Decision)}
}

func (c *fakeCache) Get(_ context.Context, key string) (policy.Decision, bool) {
	d, ok := c.entries[key]
	return d, ok
}
func (c *fakeCache) Put(_ context.Context, key string, d policy.Decision, ttl time.Duration) {
	c.puts++
	c.putTTL = ttl
	if ttl > 0 {
		c.entries[key] = d
	}
}
func (c *fakeCache) Invalidate(context.Context, string) int { return 0 }
func (c *fakeCache) CleanupExpired(context.Context) decision.SweepStats {
	return decision.SweepStats{}
}
func (c *fakeCache) Len() int { return len(c.entries) }

var _ decision.Cache = (*fakeCache)(nil)

// fakeLimiter returns a scripted verdict or a backend error.
type fakeLimiter struct {
	result ratelimit.Result
	err    error
	calls  int
}

func (l *fakeLimiter) Check(context.Context, string, ratelimit.Limit) (ratelimit.Result, error) {
	l.calls++
	return l.result, l.err
}

var _ ratelimit.Limiter = (*fakeLimiter)(nil)

// fakeResourceStore serves fixed resources and capabilities.
type fakeResourceStore struct {
	resources map[string]*resource.Resource
	caps      map[string]*resource.Capability
	failWith  error
}

func newFakeResourceStore() *fakeResourceStore {
	return &fakeResourceStore{
		resources: make(map[string]*resource.Resource),
		caps:      make(map[string]*resource.Capability),
	}
}

func (s *fakeResourceStore) GetResource(_ context.Context, id string) (*resource.Resource, error) {
	return s.resources[id], s.failWith
}
func (s *fakeResourceStore) ListResources(context.Context) ([]*resource.Resource, error) {
	return nil, nil
}
func (s *fakeResourceStore) SaveResource(_ context.Context, r *resource.Resource) error {
	s.resources[r.ID] = r
	return nil
}
func (s *fakeResourceStore) DeleteResource(context.Context, string) error { return nil }
func (s *fakeResourceStore) SetStatus(context.Context, string, resource.Status) error {
	return nil
}
func (s *fakeResourceStore) GetCapability(_ context.Context, id string) (*resource.Capability, error) {
	return s.caps[id], s.failWith
}
func (s *fakeResourceStore) ListCapabilities(context.Context, string) ([]*resource.Capability, error) {
	return nil, nil
}
func (s *fakeResourceStore) SaveCapability(_ context.Context, c *resource.Capability) error {
	s.caps[c.ID] = c
	return nil
}

var _ resource.Store = (*fakeResourceStore)(nil)

// fakeAuditStore appends into memory, optionally failing.
type fakeAuditStore struct {
	events   []audit.Event
	failWith error
}

func (s *fakeAuditStore) Append(_ context.Context, events ...audit.Event) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.events = append(s.events, events...)
	return nil
}
func (s *fakeAuditStore) Recent(_ context.Context, n int, _ bool) ([]audit.Event, error) {
	out := make([]audit.Event, 0, n)
	for i := len(s.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}
func (s *fakeAuditStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }

var _ audit.Store = (*fakeAuditStore)(nil)

func (s *fakeAuditStore) lastType(t *testing.T) string {
	t.Helper()
	if len(s.events) == 0 {
		t.Fatal("no audit events recorded")
	}
	return s.events[len(s.events)-1].EventType
}

type authzFixture struct {
	engine    *fakeEngine
	cache     *fakeCache
	limiter   *fakeLimiter
	resources *fakeResourceStore
	auditdb   *fakeAuditStore
	authz     *Authorizer
}

func newAuthzFixture(t *testing.T, opts ...AuthorizerOption) *authzFixture {
	t.Helper()
	f := &authzFixture{
		engine:    &fakeEngine{decision: policy.Decision{Allow: true, Reason: "matched", RuleID: "rule-1"}},
		cache:     newFakeCache(),
		limiter:   &fakeLimiter{result: ratelimit.Result{Allowed: true, Remaining: 9}},
		resources: newFakeResourceStore(),
		auditdb:   &fakeAuditStore{},
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	recorder := NewAuditRecorder(f.auditdb, nil, metrics, testLogger(), 8)
	f.authz = NewAuthorizer(f.engine, f.cache, f.limiter, f.resources, recorder, metrics, testLogger(), testTracer(), opts...)
	return f
}

func allowRequest() *AuthorizeRequest {
	return &AuthorizeRequest{
		Principal: &principal.Principal{ID: "user-1", Type: principal.TypeHuman},
		Action:    "gateway:tool:invoke",
		ClientIP:  "10.0.0.1",
	}
}

func TestAuthorize_Allow(t *testing.T) {
	f := newAuthzFixture(t)
	resp, err := f.authz.Authorize(context.Background(), allowRequest())
	if err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if !resp.Decision.Allow {
		t.Error("expected allow decision")
	}
	if resp.AuditID == "" {
		t.Error("allow must carry an audit id")
	}
	if f.auditdb.lastType(t) != audit.EventAuthorization {
		t.Errorf("audit event type = %v, want authorization", f.auditdb.lastType(t))
	}
	if f.auditdb.events[0].Decision != audit.DecisionAllow {
		t.Errorf("audit decision = %v, want allow", f.auditdb.events[0].Decision)
	}
}

func TestAuthorize_DenyWrapsSentinel(t *testing.T) {
	f := newAuthzFixture(t)
	f.engine.decision = policy.Decision{Allow: false, Reason: "no matching allow rule"}

	resp, err := f.authz.Authorize(context.Background(), allowRequest())
	if !errors.Is(err, gateway.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied in the chain", err)
	}
	if gateway.KindOf(err) != gateway.KindAuthorization {
		t.Errorf("KindOf(err) = %v, want authorization_denied", gateway.KindOf(err))
	}
	if resp == nil || resp.AuditID == "" {
		t.Error("denial must still return the audited response")
	}
	if f.auditdb.events[0].Decision != audit.DecisionDeny {
		t.Errorf("audit decision = %v, want deny", f.auditdb.events[0].Decision)
	}
}

func TestAuthorize_CacheHitSkipsEngine(t *testing.T) {
	f := newAuthzFixture(t)
	req := allowRequest()

	if _, err := f.authz.Authorize(context.Background(), req); err != nil {
		t.Fatalf("first Authorize() error: %v", err)
	}
	resp, err := f.authz.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("second Authorize() error: %v", err)
	}
	if !resp.CacheHit {
		t.Error("second identical request should hit the decision cache")
	}
	if f.engine.calls != 1 {
		t.Errorf("engine calls = %d, want 1", f.engine.calls)
	}
	// Cached decisions are audited too.
	if len(f.auditdb.events) != 2 {
		t.Errorf("audit events = %d, want 2", len(f.auditdb.events))
	}
}

func TestAuthorize_SensitivityDrivesCacheTTL(t *testing.T) {
	tests := []struct {
		name        string
		sensitivity resource.Sensitivity
		want        time.Duration
	}{
		{"low", resource.SensitivityLow, 30 * time.Minute},
		{"high", resource.SensitivityHigh, time.Minute},
		{"critical never cached", resource.SensitivityCritical, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthzFixture(t)
			f.resources.resources["res-1"] = &resource.Resource{
				ID: "res-1", Status: resource.StatusActive, Sensitivity: tt.sensitivity,
			}
			req := allowRequest()
			req.ResourceID = "res-1"

			resp, err := f.authz.Authorize(context.Background(), req)
			if err != nil {
				t.Fatalf("Authorize() error: %v", err)
			}
			if resp.CacheTTL != tt.want {
				t.Errorf("CacheTTL = %v, want %v", resp.CacheTTL, tt.want)
			}
			if f.cache.putTTL != tt.want {
				t.Errorf("cache put ttl = %v, want %v", f.cache.putTTL, tt.want)
			}
		})
	}
}

func TestAuthorize_RuleTTLOverridesSensitivity(t *testing.T) {
	f := newAuthzFixture(t)
	override := 10 * time.Second
	f.engine.decision.CacheTTLOverride = &override
	f.resources.resources["res-1"] = &resource.Resource{
		ID: "res-1", Status: resource.StatusActive, Sensitivity: resource.SensitivityLow,
	}
	req := allowRequest()
	req.ResourceID = "res-1"

	resp, err := f.authz.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if resp.CacheTTL != override {
		t.Errorf("CacheTTL = %v, want the rule override %v", resp.CacheTTL, override)
	}
}

func TestAuthorize_RateLimited(t *testing.T) {
	f := newAuthzFixture(t, WithRateLimits(map[ratelimit.IdentifierKind]ratelimit.Limit{
		ratelimit.KindPrincipal: {Requests: 1, Window: time.Minute},
	}))
	f.limiter.result = ratelimit.Result{Allowed: false, Limit: 1, RetryAfter: 30 * time.Second}
	req := allowRequest()
	req.RateKind, req.RateValue = ratelimit.KindPrincipal, "user-1"

	_, err := f.authz.Authorize(context.Background(), req)
	if gateway.KindOf(err) != gateway.KindRateLimitExceeded {
		t.Fatalf("KindOf(err) = %v, want rate_limit_exceeded", gateway.KindOf(err))
	}
	if f.engine.calls != 0 {
		t.Error("rate-limited requests must not reach the policy engine")
	}
	if f.auditdb.lastType(t) != audit.EventRateLimited {
		t.Errorf("audit event type = %v, want rate_limited", f.auditdb.lastType(t))
	}
}

func TestAuthorize_LimiterErrorFailsOpen(t *testing.T) {
	f := newAuthzFixture(t, WithRateLimits(map[ratelimit.IdentifierKind]ratelimit.Limit{
		ratelimit.KindClientIP: {Requests: 1, Window: time.Minute},
	}))
	f.limiter.err = errors.New("backend down")
	req := allowRequest()
	req.RateKind, req.RateValue = ratelimit.KindClientIP, "10.0.0.1"

	resp, err := f.authz.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if !resp.Decision.Allow {
		t.Error("limiter backend failure must admit the request")
	}
}

func TestAuthorize_AdminBypassesRateLimit(t *testing.T) {
	f := newAuthzFixture(t,
		WithRateLimits(map[ratelimit.IdentifierKind]ratelimit.Limit{
			ratelimit.KindPrincipal: {Requests: 1, Window: time.Minute},
		}),
		WithAdminBypass(true),
	)
	f.limiter.result = ratelimit.Result{Allowed: false}
	req := allowRequest()
	req.Principal.Admin = true
	req.RateKind, req.RateValue = ratelimit.KindPrincipal, "user-1"

	if _, err := f.authz.Authorize(context.Background(), req); err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if f.limiter.calls != 0 {
		t.Error("admin principals must skip the limiter entirely")
	}
}

func TestAuthorize_EngineErrorFailsClosed(t *testing.T) {
	f := newAuthzFixture(t)
	f.engine.err = errors.New("bundle compile exploded")

	_, err := f.authz.Authorize(context.Background(), allowRequest())
	if gateway.KindOf(err) != gateway.KindAuthorization {
		t.Fatalf("KindOf(err) = %v, want authorization_denied", gateway.KindOf(err))
	}
	if errors.Is(err, gateway.ErrDenied) {
		t.Error("an engine failure is not a policy denial")
	}
	if f.auditdb.events[0].Decision != audit.DecisionError {
		t.Errorf("audit decision = %v, want error", f.auditdb.events[0].Decision)
	}
}

func TestAuthorize_RevokedPrincipalDenied(t *testing.T) {
	f := newAuthzFixture(t)
	past := time.Now().Add(-time.Hour)
	req := allowRequest()
	req.Principal.RevokedAt = &past

	_, err := f.authz.Authorize(context.Background(), req)
	if !errors.Is(err, gateway.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if f.engine.calls != 0 {
		t.Error("revoked principals must be denied before policy evaluation")
	}
}

func TestAuthorize_MissingRequiredCapability(t *testing.T) {
	f := newAuthzFixture(t)
	f.resources.resources["res-1"] = &resource.Resource{ID: "res-1", Status: resource.StatusActive}
	f.resources.caps["cap-1"] = &resource.Capability{
		ID: "cap-1", ResourceID: "res-1", Name: "deploy",
		RequiredCapabilities: []string{"deploy:production"},
	}
	req := allowRequest()
	req.Principal.Type = principal.TypeAgent
	req.ResourceID, req.CapabilityID = "res-1", "cap-1"

	resp, err := f.authz.Authorize(context.Background(), req)
	if !errors.Is(err, gateway.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if resp.Decision.Reason == "" {
		t.Error("denial reason should name the missing capability")
	}
	if f.engine.calls != 0 {
		t.Error("capability gating precedes the policy engine")
	}
}

func TestAuthorize_HeldCapabilityPasses(t *testing.T) {
	f := newAuthzFixture(t)
	f.resources.resources["res-1"] = &resource.Resource{ID: "res-1", Status: resource.StatusActive}
	f.resources.caps["cap-1"] = &resource.Capability{
		ID: "cap-1", ResourceID: "res-1", Name: "deploy",
		RequiredCapabilities: []string{"deploy:production"},
	}
	req := allowRequest()
	req.Principal.Capabilities = []string{"deploy:production"}
	req.ResourceID, req.CapabilityID = "res-1", "cap-1"

	if _, err := f.authz.Authorize(context.Background(), req); err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
}

func TestAuthorize_TargetValidation(t *testing.T) {
	f := newAuthzFixture(t)
	f.resources.resources["gone"] = &resource.Resource{ID: "gone", Status: resource.StatusDecommissioned}
	f.resources.resources["res-1"] = &resource.Resource{ID: "res-1", Status: resource.StatusActive}
	f.resources.caps["cap-other"] = &resource.Capability{ID: "cap-other", ResourceID: "other"}

	tests := []struct {
		name         string
		resourceID   string
		capabilityID string
	}{
		{"unknown resource", "nope", ""},
		{"decommissioned resource", "gone", ""},
		{"unknown capability", "res-1", "nope"},
		{"capability of another resource", "res-1", "cap-other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := allowRequest()
			req.ResourceID, req.CapabilityID = tt.resourceID, tt.capabilityID
			_, err := f.authz.Authorize(context.Background(), req)
			if gateway.KindOf(err) != gateway.KindValidation {
				t.Errorf("KindOf(err) = %v, want validation_error", gateway.KindOf(err))
			}
		})
	}
}

func TestAuthorize_BudgetExceededDenies(t *testing.T) {
	store := newFakeBudgetStore()
	setLimit(t, store, "user-1", "1", "2")
	f := newAuthzFixture(t, WithBudget(NewBudgetController(store, nil, testLogger()), nil))
	f.resources.resources["res-1"] = &resource.Resource{ID: "res-1", Status: resource.StatusActive}
	req := allowRequest()
	req.ResourceID = "res-1"

	resp, err := f.authz.Authorize(context.Background(), req)
	if !errors.Is(err, gateway.ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied in the chain", err)
	}
	if gateway.KindOf(err) != gateway.KindBudgetExceeded {
		t.Errorf("KindOf(err) = %v, want budget_exceeded", gateway.KindOf(err))
	}
	if resp.Decision.Allow {
		t.Error("a budget denial must convert the decision to deny")
	}
	if resp.Decision.Reason != "daily budget exceeded" {
		t.Errorf("Reason = %q", resp.Decision.Reason)
	}
	if f.auditdb.lastType(t) != audit.EventBudgetDenied {
		t.Errorf("audit event type = %v, want budget_denied", f.auditdb.lastType(t))
	}
}

func TestAuthorize_BudgetVerdictNotCached(t *testing.T) {
	store := newFakeBudgetStore()
	setLimit(t, store, "user-1", "1", "2")
	f := newAuthzFixture(t, WithBudget(NewBudgetController(store, nil, testLogger()), nil))
	f.resources.resources["res-1"] = &resource.Resource{ID: "res-1", Status: resource.StatusActive}
	req := allowRequest()
	req.ResourceID = "res-1"

	if _, err := f.authz.Authorize(context.Background(), req); !errors.Is(err, gateway.ErrDenied) {
		t.Fatalf("err = %v, want the first request denied on budget", err)
	}

	// The cache holds the policy verdict, not the budget verdict: once
	// spending resets, the same request passes without re-evaluation.
	setLimit(t, store, "user-1", "1", "0")
	resp, err := f.authz.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("Authorize() after budget reset error: %v", err)
	}
	if !resp.CacheHit {
		t.Error("second request should hit the decision cache")
	}
	if !resp.Decision.Allow {
		t.Error("request within budget must be allowed")
	}
	if f.engine.calls != 1 {
		t.Errorf("engine calls = %d, want 1", f.engine.calls)
	}
}

func TestAuthorize_NoResourceSkipsBudget(t *testing.T) {
	store := newFakeBudgetStore()
	setLimit(t, store, "user-1", "1", "2")
	f := newAuthzFixture(t, WithBudget(NewBudgetController(store, nil, testLogger()), nil))

	// Nothing to invoke means nothing to spend.
	resp, err := f.authz.Authorize(context.Background(), allowRequest())
	if err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if !resp.Decision.Allow {
		t.Error("resourceless questions are not budget-gated")
	}
}

func TestAuthorize_AuditWriteFailureFailsRequest(t *testing.T) {
	f := newAuthzFixture(t)
	f.auditdb.failWith = errors.New("disk full")

	_, err := f.authz.Authorize(context.Background(), allowRequest())
	if err == nil {
		t.Fatal("an unauditable decision must not take effect")
	}
	if gateway.KindOf(err) != gateway.KindInternal {
		t.Errorf("KindOf(err) = %v, want internal_error", gateway.KindOf(err))
	}
}

func TestAuthorize_SensitiveArgumentsRedactedInAudit(t *testing.T) {
	f := newAuthzFixture(t)
	f.resources.resources["res-1"] = &resource.Resource{ID: "res-1", Status: resource.StatusActive}
	f.resources.caps["cap-1"] = &resource.Capability{
		ID: "cap-1", ResourceID: "res-1", Name: "query",
		SensitiveParams: []string{"connection_string"},
	}
	req := allowRequest()
	req.ResourceID, req.CapabilityID = "res-1", "cap-1"
	req.Arguments = map[string]any{
		"query":             "select 1",
		"connection_string": "postgres://user:pw@host/db",
	}

	if _, err := f.authz.Authorize(context.Background(), req); err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	args, ok := f.auditdb.events[0].Details["arguments"].(map[string]any)
	if !ok {
		t.Fatal("audit event should carry redacted arguments")
	}
	if args["connection_string"] == "postgres://user:pw@host/db" {
		t.Error("sensitive parameter must be redacted in the audit trail")
	}
	if args["query"] != "select 1" {
		t.Errorf("plain argument = %v, want preserved", args["query"])
	}
}
