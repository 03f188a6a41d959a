package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sark-gateway/sark/internal/domain/budget"
	"github.com/sark-gateway/sark/internal/domain/filter"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
	"github.com/sark-gateway/sark/internal/service"
)

// maxRequestBodySize caps inbound request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// Handler serves the gateway's authorization and invocation endpoints.
type Handler struct {
	authorizer *service.Authorizer
	invoker    *service.Invoker
	recorder   *service.AuditRecorder
	budgets    budget.Controller
	logger     *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(authorizer *service.Authorizer, invoker *service.Invoker, recorder *service.AuditRecorder, budgets budget.Controller, logger *slog.Logger) *Handler {
	return &Handler{
		authorizer: authorizer,
		invoker:    invoker,
		recorder:   recorder,
		budgets:    budgets,
		logger:     logger,
	}
}

// authorizeRequest is the authorization wire format.
type authorizeRequest struct {
	Action       string         `json:"action"`
	ResourceID   string         `json:"resource_id,omitempty"`
	CapabilityID string         `json:"capability_id,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// authorizeResponse is the authorization answer on the wire.
type authorizeResponse struct {
	Allow             bool           `json:"allow"`
	Reason            string         `json:"reason"`
	FilteredArguments map[string]any `json:"filtered_arguments,omitempty"`
	AuditID           string         `json:"audit_id"`
	CacheTTLSeconds   int            `json:"cache_ttl_seconds"`
}

// invokeRequest is the invocation wire format.
type invokeRequest struct {
	authorizeRequest
	TraceID string `json:"trace_id,omitempty"`
	Stream  bool   `json:"stream,omitempty"`
}

// invokeResponse is the invocation answer on the wire.
type invokeResponse struct {
	Success          bool           `json:"success"`
	Result           any            `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	DurationMS       int64          `json:"duration_ms"`
	TraceID          string         `json:"trace_id"`
	AuditID          string         `json:"audit_id,omitempty"`
	EstimatedCostUSD string         `json:"estimated_cost_usd,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Authorize answers POST /v1/authorize. Denials are 200 responses with
// allow=false; only transport-level failures surface as error statuses.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var body authorizeRequest
	if !h.decode(w, r, &body) {
		return
	}
	if body.Action == "" {
		writeError(w, gateway.New(gateway.KindValidation, "action is required"))
		return
	}

	req := h.buildAuthorizeRequest(r, body)
	resp, err := h.authorizer.Authorize(r.Context(), req)
	if resp != nil {
		setRateLimitHeaders(w, resp.RateResult)
	}
	if err != nil && !errors.Is(err, gateway.ErrDenied) {
		writeError(w, err)
		return
	}

	out := authorizeResponse{
		Allow:           resp.Decision.Allow,
		Reason:          resp.Decision.Reason,
		AuditID:         resp.AuditID,
		CacheTTLSeconds: int(resp.CacheTTL.Seconds()),
	}
	if resp.Decision.Allow && len(resp.Decision.FilterDirectives) > 0 {
		out.FilteredArguments = filter.Apply(body.Arguments, resp.Decision.FilterDirectives, h.logger)
	}
	writeJSON(w, http.StatusOK, out)
}

// Invoke answers POST /v1/invoke, running the full authorize-then-invoke
// flow. stream=true switches the response to server-sent events.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	var body invokeRequest
	if !h.decode(w, r, &body) {
		return
	}
	if body.Action == "" || body.CapabilityID == "" {
		writeError(w, gateway.New(gateway.KindValidation, "action and capability_id are required"))
		return
	}

	req := &service.InvokeRequest{
		Authorize: *h.buildAuthorizeRequest(r, body.authorizeRequest),
		TraceID:   body.TraceID,
		Stream:    body.Stream,
	}

	resp, err := h.invoker.Invoke(r.Context(), req)
	if resp != nil && resp.Decision != nil {
		setRateLimitHeaders(w, resp.Decision.RateResult)
	}
	if err != nil && resp == nil {
		writeError(w, err)
		return
	}
	if err != nil && resp.Result == nil {
		writeError(w, err)
		return
	}

	if body.Stream {
		h.streamChunks(w, r, resp)
		return
	}

	out := invokeResponse{
		Success:          resp.Result.Success,
		Result:           resp.Result.Result,
		DurationMS:       resp.Result.DurationMS,
		TraceID:          resp.TraceID,
		EstimatedCostUSD: resp.Estimated.String(),
		Metadata:         resp.Result.Metadata,
	}
	if resp.Decision != nil {
		out.AuditID = resp.Decision.AuditID
	}
	status := http.StatusOK
	if resp.Result.Err != nil {
		out.Error = fmt.Sprintf("%s", gateway.KindOf(resp.Result.Err))
		status = statusFor(gateway.KindOf(resp.Result.Err))
	}
	writeJSON(w, status, out)
}

// streamChunks relays invocation chunks as server-sent events.
func (h *Handler) streamChunks(w http.ResponseWriter, r *http.Request, resp *service.InvokeResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gateway.New(gateway.KindValidation, "streaming not supported by this connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": stream %s\n\n", resp.TraceID)
	flusher.Flush()

	for chunk := range resp.Chunks {
		payload := map[string]any{
			"sequence": chunk.Sequence,
			"final":    chunk.Final,
		}
		if chunk.Err != nil {
			payload["error"] = string(gateway.KindOf(chunk.Err))
		} else {
			payload["data"] = chunk.Data
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			h.logger.Error("stream chunk encode failed", "trace_id", resp.TraceID, "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
		if r.Context().Err() != nil {
			return
		}
	}
}

// RecentAudit answers GET /v1/audit/recent. verify=true re-checks integrity
// hashes from the durable store.
func (h *Handler) RecentAudit(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil || !p.Admin {
		writeError(w, gateway.New(gateway.KindAuthorization, "audit access requires admin"))
		return
	}

	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, gateway.New(gateway.KindValidation, "n must be between 1 and 1000"))
			return
		}
		n = parsed
	}
	verify := r.URL.Query().Get("verify") == "true"

	events, err := h.recorder.Recent(r.Context(), n, verify)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// BudgetSummary answers GET /v1/budget for the authenticated principal.
func (h *Handler) BudgetSummary(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, gateway.New(gateway.KindAuthentication, "missing credential"))
		return
	}
	summary, err := h.budgets.Summary(r.Context(), p.ID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{
		"principal_id": summary.PrincipalID,
		"spent_usd":    summary.SpentUSD.String(),
		"period_start": summary.PeriodStart.Format(time.RFC3339),
	}
	if summary.DailyLimitUSD != nil {
		out["daily_limit_usd"] = summary.DailyLimitUSD.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) buildAuthorizeRequest(r *http.Request, body authorizeRequest) *service.AuthorizeRequest {
	ctx := r.Context()
	ident := rateIdentifierFromContext(ctx)
	return &service.AuthorizeRequest{
		Principal:     PrincipalFromContext(ctx),
		Action:        body.Action,
		ResourceID:    body.ResourceID,
		CapabilityID:  body.CapabilityID,
		Arguments:     body.Arguments,
		Context:       body.Context,
		RateKind:      ident.Kind,
		RateValue:     ident.Value,
		ClientIP:      ClientIPFromContext(ctx),
		UserAgent:     r.UserAgent(),
		CorrelationID: RequestIDFromContext(ctx),
	}
}

// decode reads and unmarshals the request body under the size cap.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, gateway.New(gateway.KindValidation, "request body too large (max 1MB)"))
			return false
		}
		writeError(w, gateway.New(gateway.KindValidation, "failed to read request body"))
		return false
	}
	if len(raw) == 0 {
		writeError(w, gateway.New(gateway.KindValidation, "empty request body"))
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeError(w, gateway.New(gateway.KindValidation, "invalid JSON body"))
		return false
	}
	return true
}

// setRateLimitHeaders exposes the limiter verdict on every response that
// passed through the limiter.
func setRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result) {
	if result.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
	if !result.Allowed {
		retry := int(result.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		h.Set("Retry-After", strconv.Itoa(retry))
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// writeError maps an error to its status class. Internal failures cross the
// boundary as a generic message only.
func writeError(w http.ResponseWriter, err error) {
	kind := gateway.KindOf(err)

	var body errorBody
	body.Error.Kind = string(kind)
	var ge *gateway.GatewayError
	if errors.As(err, &ge) && kind != gateway.KindInternal && kind != gateway.KindSandboxViolation {
		body.Error.Message = ge.Message
		body.Error.Details = ge.Details
	} else {
		body.Error.Message = "internal error"
	}
	writeJSON(w, statusFor(kind), body)
}

func statusFor(kind gateway.ErrorKind) int {
	switch kind {
	case gateway.KindAuthentication:
		return http.StatusUnauthorized
	case gateway.KindAuthorization:
		return http.StatusForbidden
	case gateway.KindValidation:
		return http.StatusBadRequest
	case gateway.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case gateway.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case gateway.KindAdapterConnection, gateway.KindAdapterProtocol:
		return http.StatusBadGateway
	case gateway.KindAdapterTimeout:
		return http.StatusGatewayTimeout
	case gateway.KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
