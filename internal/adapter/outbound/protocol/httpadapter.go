package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// maxHTTPResponseBytes caps a provider response body.
const maxHTTPResponseBytes = 10 * 1024 * 1024

// httpOperation is one catalog entry mapping a capability to an HTTP call.
// Catalogs are declared in resource metadata under "operations".
type httpOperation struct {
	Name        string          `json:"name"`
	Method      string          `json:"method"`
	Path        string          `json:"path"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Sensitivity string          `json:"sensitivity,omitempty"`
	// BodyParams lists argument keys sent in the JSON body; everything
	// else becomes a query parameter. Empty means all arguments in body
	// for non-GET methods.
	BodyParams []string `json:"body_params,omitempty"`
}

// HTTPAdapter forwards capability invocations to plain HTTP providers.
// Capabilities come from a declared operation catalog, not live discovery.
type HTTPAdapter struct {
	client    *http.Client
	validator *schemaValidator
	logger    *slog.Logger
}

// NewHTTPAdapter creates the adapter with a TLS 1.2 minimum transport.
func NewHTTPAdapter(logger *slog.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		validator: newSchemaValidator(),
		logger:    logger,
	}
}

// Protocol returns the protocol tag.
func (a *HTTPAdapter) Protocol() resource.Protocol { return resource.ProtocolHTTP }

// DiscoverResources builds resources from the configured service list.
// Each entry carries its operation catalog in metadata.
func (a *HTTPAdapter) DiscoverResources(_ context.Context, cfg map[string]any) ([]*resource.Resource, error) {
	services, ok := cfg["services"].([]any)
	if !ok {
		return nil, nil
	}
	var out []*resource.Resource
	for _, raw := range services {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		endpoint, _ := entry["base_url"].(string)
		if name == "" || endpoint == "" {
			return nil, gateway.New(gateway.KindValidation, "http service entry needs name and base_url")
		}
		sensitivity := resource.SensitivityMedium
		if s, ok := entry["sensitivity"].(string); ok && s != "" {
			sensitivity = resource.Sensitivity(s)
		}
		out = append(out, &resource.Resource{
			ID:          uuid.NewString(),
			Name:        name,
			Protocol:    resource.ProtocolHTTP,
			Endpoint:    endpoint,
			Sensitivity: sensitivity,
			Metadata:    map[string]any{"operations": entry["operations"]},
			Status:      resource.StatusRegistered,
		})
	}
	return out, nil
}

// GetCapabilities materializes the declared operation catalog.
func (a *HTTPAdapter) GetCapabilities(_ context.Context, res *resource.Resource) ([]*resource.Capability, error) {
	ops, err := a.operations(res)
	if err != nil {
		return nil, err
	}
	caps := make([]*resource.Capability, 0, len(ops))
	for _, op := range ops {
		caps = append(caps, &resource.Capability{
			ID:          uuid.NewString(),
			ResourceID:  res.ID,
			Name:        op.Name,
			InputSchema: op.InputSchema,
			Sensitivity: resource.Sensitivity(op.Sensitivity),
		})
	}
	return caps, nil
}

// ValidateRequest schema-checks arguments against the capability.
func (a *HTTPAdapter) ValidateRequest(_ context.Context, req *adapter.InvocationRequest, cap *resource.Capability) []adapter.ValidationError {
	return a.validator.validate(cap, req.Arguments)
}

// Invoke resolves the capability to its operation and performs the call.
// 4xx statuses are protocol errors; 5xx and transport failures are adapter
// errors the resilience wrapper may retry.
func (a *HTTPAdapter) Invoke(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (*adapter.InvocationResult, error) {
	op, err := a.lookupOperation(res, req.CapabilityName)
	if err != nil {
		return nil, err
	}

	httpReq, err := a.buildRequest(ctx, res, op, req.Arguments)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := a.client.Do(httpReq)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		var werr error
		if ctx.Err() != nil {
			werr = gateway.Wrap(gateway.KindAdapterTimeout, "http call timed out", err)
		} else {
			werr = gateway.Wrap(gateway.KindAdapterConnection, "http call failed", err)
		}
		return &adapter.InvocationResult{Success: false, Err: werr, DurationMS: elapsed}, werr
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxHTTPResponseBytes))
	if err != nil {
		werr := gateway.Wrap(gateway.KindAdapterConnection, "read http response", err)
		return &adapter.InvocationResult{Success: false, Err: werr, DurationMS: elapsed}, werr
	}

	meta := map[string]any{"status_code": httpResp.StatusCode}
	switch {
	case httpResp.StatusCode >= 500:
		werr := gateway.Newf(gateway.KindAdapterConnection, "provider returned status %d", httpResp.StatusCode)
		return &adapter.InvocationResult{Success: false, Err: werr, DurationMS: elapsed, Metadata: meta}, werr
	case httpResp.StatusCode >= 400:
		perr := gateway.Newf(gateway.KindAdapterProtocol, "provider rejected request with status %d", httpResp.StatusCode)
		return &adapter.InvocationResult{Success: false, Err: perr, DurationMS: elapsed, Metadata: meta}, nil
	}

	var payload any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = string(body)
		}
	}
	if doc, ok := payload.(map[string]any); ok {
		if usage, ok := doc["usage"]; ok {
			meta["usage"] = usage
		}
	}
	return &adapter.InvocationResult{Success: true, Result: payload, DurationMS: elapsed, Metadata: meta}, nil
}

// InvokeStreaming degrades to a single-chunk stream.
func (a *HTTPAdapter) InvokeStreaming(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (<-chan adapter.StreamChunk, error) {
	ch := make(chan adapter.StreamChunk, 1)
	go func() {
		defer close(ch)
		result, err := a.Invoke(ctx, req, res)
		chunk := adapter.StreamChunk{Sequence: 0, Final: true}
		if err != nil {
			chunk.Err = err
		} else {
			chunk.Data = result.Result
			chunk.Err = result.Err
		}
		select {
		case ch <- chunk:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// HealthCheck probes the base endpoint; any response is alive.
func (a *HTTPAdapter) HealthCheck(ctx context.Context, res *resource.Resource) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(res.Endpoint, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode < 500
}

// OnResourceUnregistered drops compiled schemas for the resource's
// capabilities. Schema cache keys are capability ids; the shared validator
// handles eviction lazily, so nothing to do here.
func (a *HTTPAdapter) OnResourceUnregistered(_ *resource.Resource) {}

func (a *HTTPAdapter) operations(res *resource.Resource) ([]httpOperation, error) {
	raw, ok := res.Metadata["operations"]
	if !ok || raw == nil {
		return nil, gateway.Newf(gateway.KindValidation, "resource %s declares no operations", res.Name)
	}
	// Metadata arrives as generic JSON; round trip into the typed catalog.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "marshal operation catalog", err)
	}
	var ops []httpOperation
	if err := json.Unmarshal(buf, &ops); err != nil {
		return nil, gateway.Wrap(gateway.KindValidation, "operation catalog is malformed", err)
	}
	return ops, nil
}

func (a *HTTPAdapter) lookupOperation(res *resource.Resource, name string) (*httpOperation, error) {
	ops, err := a.operations(res)
	if err != nil {
		return nil, err
	}
	for i := range ops {
		if ops[i].Name == name {
			return &ops[i], nil
		}
	}
	return nil, gateway.Newf(gateway.KindValidation, "operation %q not declared by resource %s", name, res.Name)
}

// buildRequest renders path templates ({param}), splits arguments between
// path, query, and body, and serializes the body as JSON.
func (a *HTTPAdapter) buildRequest(ctx context.Context, res *resource.Resource, op *httpOperation, args map[string]any) (*http.Request, error) {
	path := op.Path
	used := make(map[string]struct{})
	for key, val := range args {
		placeholder := "{" + key + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(fmt.Sprintf("%v", val)))
			used[key] = struct{}{}
		}
	}
	if strings.Contains(path, "{") {
		return nil, gateway.Newf(gateway.KindValidation, "operation %q has unresolved path parameters", op.Name)
	}

	endpoint := strings.TrimSuffix(res.Endpoint, "/") + path
	method := strings.ToUpper(op.Method)
	if method == "" {
		method = http.MethodPost
	}

	bodySet := make(map[string]struct{}, len(op.BodyParams))
	for _, k := range op.BodyParams {
		bodySet[k] = struct{}{}
	}

	body := make(map[string]any)
	query := url.Values{}
	for key, val := range args {
		if _, ok := used[key]; ok {
			continue
		}
		_, inBody := bodySet[key]
		if method == http.MethodGet || (!inBody && len(op.BodyParams) > 0) {
			query.Set(key, fmt.Sprintf("%v", val))
		} else {
			body[key] = val
		}
	}

	var reader io.Reader
	if method != http.MethodGet && len(body) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, gateway.Wrap(gateway.KindInternal, "marshal request body", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "build http request", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	applyAuthHeaders(ctx, req)
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	return req, nil
}

var _ adapter.Adapter = (*HTTPAdapter)(nil)
