package protocol

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/metadata"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// authHeadersKey carries outbound auth headers through the context so the
// underlying transport applies them without the wrapper knowing the
// protocol.
type authHeadersKey struct{}

func withAuthHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, authHeadersKey{}, headers)
}

// applyAuthHeaders copies context-carried auth headers onto an HTTP request.
func applyAuthHeaders(ctx context.Context, req *http.Request) {
	headers, _ := ctx.Value(authHeadersKey{}).(map[string]string)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// Resilient wraps an adapter with the uniform outbound protections:
// rate limit, circuit breaker, bounded retry with exponential backoff,
// per-call deadline, and authentication injection. Only Invoke and
// InvokeStreaming pass through the full stack; discovery and health calls
// bypass the limiter so probes cannot starve invocations.
type Resilient struct {
	inner   adapter.Adapter
	cfg     adapter.ResilienceConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewResilient wraps inner with the given resilience configuration.
func NewResilient(inner adapter.Adapter, cfg adapter.ResilienceConfig, logger *slog.Logger) *Resilient {
	if cfg.BackoffBase <= 1 {
		cfg.BackoffBase = 2.0
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 60 * time.Second
	}

	r := &Resilient{inner: inner, cfg: cfg, logger: logger}

	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(math.Max(1, cfg.RPS))
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	failures := uint32(cfg.BreakerFailures)
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("adapter-%s", inner.Protocol()),
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Protocol-level rejections are the provider working correctly;
			// only transport failures count against the circuit.
			return err == nil || !gateway.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("adapter circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return r
}

// Protocol returns the wrapped adapter's protocol tag.
func (r *Resilient) Protocol() resource.Protocol { return r.inner.Protocol() }

// DiscoverResources passes through with auth injection.
func (r *Resilient) DiscoverResources(ctx context.Context, cfg map[string]any) ([]*resource.Resource, error) {
	ctx, err := r.injectAuth(ctx)
	if err != nil {
		return nil, err
	}
	return r.inner.DiscoverResources(ctx, cfg)
}

// GetCapabilities passes through with auth injection.
func (r *Resilient) GetCapabilities(ctx context.Context, res *resource.Resource) ([]*resource.Capability, error) {
	ctx, err := r.injectAuth(ctx)
	if err != nil {
		return nil, err
	}
	return r.inner.GetCapabilities(ctx, res)
}

// ValidateRequest passes through.
func (r *Resilient) ValidateRequest(ctx context.Context, req *adapter.InvocationRequest, cap *resource.Capability) []adapter.ValidationError {
	return r.inner.ValidateRequest(ctx, req, cap)
}

// Invoke runs the full protection stack around the wrapped call.
func (r *Resilient) Invoke(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (*adapter.InvocationResult, error) {
	if err := r.admit(ctx); err != nil {
		return nil, err
	}
	ctx, err := r.injectAuth(ctx)
	if err != nil {
		return nil, err
	}

	out, err := r.breaker.Execute(func() (any, error) {
		return r.invokeWithRetry(ctx, req, res)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, gateway.Wrap(gateway.KindCircuitOpen,
				fmt.Sprintf("%s adapter circuit is open", r.inner.Protocol()), err)
		}
		if result, ok := out.(*adapter.InvocationResult); ok {
			return result, err
		}
		return nil, err
	}
	return out.(*adapter.InvocationResult), nil
}

// InvokeStreaming applies admission, auth, and breaker state but never
// retries: a consumed stream is not replayable.
func (r *Resilient) InvokeStreaming(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (<-chan adapter.StreamChunk, error) {
	if err := r.admit(ctx); err != nil {
		return nil, err
	}
	ctx, err := r.injectAuth(ctx)
	if err != nil {
		return nil, err
	}
	if r.breaker.State() == gobreaker.StateOpen {
		return nil, gateway.Newf(gateway.KindCircuitOpen, "%s adapter circuit is open", r.inner.Protocol())
	}
	return r.inner.InvokeStreaming(ctx, req, res)
}

// HealthCheck bypasses the limiter and breaker; probes must run even while
// the circuit is open so it can close again.
func (r *Resilient) HealthCheck(ctx context.Context, res *resource.Resource) bool {
	ctx, err := r.injectAuth(ctx)
	if err != nil {
		return false
	}
	return r.inner.HealthCheck(ctx, res)
}

// OnResourceUnregistered passes through.
func (r *Resilient) OnResourceUnregistered(res *resource.Resource) {
	r.inner.OnResourceUnregistered(res)
}

// admit waits for a rate limiter token.
func (r *Resilient) admit(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return gateway.Wrap(gateway.KindRateLimitExceeded, "adapter rate limit wait aborted", err)
	}
	return nil
}

// invokeWithRetry retries transport-level failures with full-jitter
// exponential backoff. Protocol and validation failures propagate
// immediately.
func (r *Resilient) invokeWithRetry(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (*adapter.InvocationResult, error) {
	var lastResult *adapter.InvocationResult
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			sleep := r.backoff(attempt)
			r.logger.Debug("retrying adapter call",
				"protocol", r.inner.Protocol(),
				"capability", req.CapabilityName,
				"attempt", attempt,
				"backoff", sleep)
			select {
			case <-ctx.Done():
				return lastResult, gateway.Wrap(gateway.KindAdapterTimeout, "retry budget exhausted by deadline", ctx.Err())
			case <-time.After(sleep):
			}
		}

		callCtx := ctx
		if r.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
			result, err := r.inner.Invoke(callCtx, req, res)
			cancel()
			lastResult, lastErr = result, err
		} else {
			lastResult, lastErr = r.inner.Invoke(callCtx, req, res)
		}

		if lastErr == nil || !gateway.IsRetryable(lastErr) {
			return lastResult, lastErr
		}
	}
	return lastResult, lastErr
}

// backoff computes a full-jitter exponential delay for the attempt.
func (r *Resilient) backoff(attempt int) time.Duration {
	ceiling := float64(time.Second) * math.Pow(r.cfg.BackoffBase, float64(attempt-1))
	if ceiling > float64(r.cfg.BackoffCap) {
		ceiling = float64(r.cfg.BackoffCap)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(ceiling)))
	if err != nil {
		return time.Duration(ceiling / 2)
	}
	return time.Duration(n.Int64())
}

// injectAuth materializes the configured credentials into the context in
// the form each transport consumes.
func (r *Resilient) injectAuth(ctx context.Context) (context.Context, error) {
	auth := r.cfg.Auth
	switch auth.Mode {
	case "", adapter.AuthNone:
		return ctx, nil
	case adapter.AuthBearer:
		if auth.Token == "" {
			return nil, gateway.New(gateway.KindValidation, "bearer auth configured without a token")
		}
		ctx = withAuthHeaders(ctx, map[string]string{"Authorization": "Bearer " + auth.Token})
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+auth.Token), nil
	case adapter.AuthAPIKey:
		header := auth.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		if auth.APIKey == "" {
			return nil, gateway.New(gateway.KindValidation, "api key auth configured without a key")
		}
		ctx = withAuthHeaders(ctx, map[string]string{header: auth.APIKey})
		return metadata.AppendToOutgoingContext(ctx, header, auth.APIKey), nil
	case adapter.AuthMetadata:
		headers := make(map[string]string, len(auth.Metadata))
		pairs := make([]string, 0, len(auth.Metadata)*2)
		for k, v := range auth.Metadata {
			headers[k] = v
			pairs = append(pairs, k, v)
		}
		ctx = withAuthHeaders(ctx, headers)
		return metadata.AppendToOutgoingContext(ctx, pairs...), nil
	case adapter.AuthMTLS:
		// mTLS is transport-level; adapters build their TLS config from
		// AuthConfig at construction. Nothing to inject per call.
		return ctx, nil
	default:
		return nil, gateway.Newf(gateway.KindValidation, "unknown auth mode %q", auth.Mode)
	}
}

var _ adapter.Adapter = (*Resilient)(nil)
