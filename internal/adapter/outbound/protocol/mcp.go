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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/resource"
	"github.com/sark-gateway/sark/pkg/mcpwire"
)

// maxMCPResponseBytes caps a provider response body. Prevents OOM from a
// misbehaving upstream sending unbounded responses.
const maxMCPResponseBytes = 10 * 1024 * 1024

// mcpSession tracks the per-resource Streamable HTTP session.
type mcpSession struct {
	mu          sync.Mutex
	sessionID   string
	initialized bool
}

// MCPAdapter speaks JSON-RPC over MCP Streamable HTTP transport. Each
// resource endpoint gets one lazily-initialized session; tools map to
// capabilities one to one.
type MCPAdapter struct {
	client    *http.Client
	validator *schemaValidator
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*mcpSession

	nextID atomic.Int64
}

// NewMCPAdapter creates the adapter with a TLS 1.2 minimum transport.
func NewMCPAdapter(logger *slog.Logger) *MCPAdapter {
	return &MCPAdapter{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		validator: newSchemaValidator(),
		logger:    logger,
		sessions:  make(map[string]*mcpSession),
	}
}

// Protocol returns the protocol tag.
func (a *MCPAdapter) Protocol() resource.Protocol { return resource.ProtocolMCP }

// DiscoverResources builds resources from the configured server list. Each
// entry needs a name and an endpoint; sensitivity defaults to medium.
func (a *MCPAdapter) DiscoverResources(_ context.Context, cfg map[string]any) ([]*resource.Resource, error) {
	servers, ok := cfg["servers"].([]any)
	if !ok {
		return nil, nil
	}
	var out []*resource.Resource
	for _, raw := range servers {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		endpoint, _ := entry["endpoint"].(string)
		if name == "" || endpoint == "" {
			return nil, gateway.New(gateway.KindValidation, "mcp server entry needs name and endpoint")
		}
		sensitivity := resource.SensitivityMedium
		if s, ok := entry["sensitivity"].(string); ok && s != "" {
			sensitivity = resource.Sensitivity(s)
		}
		out = append(out, &resource.Resource{
			ID:          uuid.NewString(),
			Name:        name,
			Protocol:    resource.ProtocolMCP,
			Endpoint:    endpoint,
			Sensitivity: sensitivity,
			Status:      resource.StatusRegistered,
		})
	}
	return out, nil
}

// GetCapabilities enumerates the server's tools via tools/list.
func (a *MCPAdapter) GetCapabilities(ctx context.Context, res *resource.Resource) ([]*resource.Capability, error) {
	if err := a.ensureInitialized(ctx, res); err != nil {
		return nil, err
	}
	var caps []*resource.Capability
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := a.call(ctx, res, mcpwire.MethodToolsList, params)
		if err != nil {
			return nil, err
		}
		var result mcpwire.ToolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, gateway.Wrap(gateway.KindAdapterProtocol, "decode tools/list result", err)
		}
		for _, tool := range result.Tools {
			caps = append(caps, &resource.Capability{
				ID:          uuid.NewString(),
				ResourceID:  res.ID,
				Name:        tool.Name,
				InputSchema: tool.InputSchema,
			})
		}
		if result.NextCursor == "" {
			return caps, nil
		}
		cursor = result.NextCursor
	}
}

// ValidateRequest schema-checks arguments against the capability.
func (a *MCPAdapter) ValidateRequest(_ context.Context, req *adapter.InvocationRequest, cap *resource.Capability) []adapter.ValidationError {
	return a.validator.validate(cap, req.Arguments)
}

// Invoke forwards one tools/call and collects the result. A tool-level
// isError result is a protocol failure, not an adapter failure.
func (a *MCPAdapter) Invoke(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (*adapter.InvocationResult, error) {
	if err := a.ensureInitialized(ctx, res); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := a.call(ctx, res, mcpwire.MethodToolsCall, mcpwire.CallToolParams{
		Name:      req.CapabilityName,
		Arguments: req.Arguments,
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &adapter.InvocationResult{Success: false, Err: err, DurationMS: elapsed}, err
	}

	var result mcpwire.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		werr := gateway.Wrap(gateway.KindAdapterProtocol, "decode tools/call result", err)
		return &adapter.InvocationResult{Success: false, Err: werr, DurationMS: elapsed}, werr
	}
	if result.IsError {
		terr := gateway.Newf(gateway.KindAdapterProtocol, "tool %s reported an error", req.CapabilityName)
		return &adapter.InvocationResult{Success: false, Result: result, Err: terr, DurationMS: elapsed}, nil
	}
	return &adapter.InvocationResult{
		Success:    true,
		Result:     result,
		DurationMS: elapsed,
		Metadata:   result.Meta,
	}, nil
}

// InvokeStreaming degrades to a single-chunk stream. Streamable HTTP SSE
// responses collapse to the collected result at this layer.
func (a *MCPAdapter) InvokeStreaming(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (<-chan adapter.StreamChunk, error) {
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

// HealthCheck pings the server; an uninitialized session initializes first.
func (a *MCPAdapter) HealthCheck(ctx context.Context, res *resource.Resource) bool {
	if err := a.ensureInitialized(ctx, res); err != nil {
		return false
	}
	_, err := a.call(ctx, res, mcpwire.MethodPing, map[string]any{})
	return err == nil
}

// OnResourceUnregistered drops the session and compiled schemas.
func (a *MCPAdapter) OnResourceUnregistered(res *resource.Resource) {
	a.mu.Lock()
	delete(a.sessions, res.ID)
	a.mu.Unlock()
}

func (a *MCPAdapter) session(resourceID string) *mcpSession {
	a.mu.RLock()
	s, ok := a.sessions[resourceID]
	a.mu.RUnlock()
	if ok {
		return s
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[resourceID]; ok {
		return s
	}
	s = &mcpSession{}
	a.sessions[resourceID] = s
	return s
}

// ensureInitialized performs the MCP handshake once per resource session.
func (a *MCPAdapter) ensureInitialized(ctx context.Context, res *resource.Resource) error {
	s := a.session(res.ID)
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if initialized {
		return nil
	}

	resp, err := a.call(ctx, res, mcpwire.MethodInitialize, mcpwire.InitializeParams{
		ProtocolVersion: mcpwire.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      mcpwire.Implementation{Name: "sark-gateway", Version: "1.0"},
	})
	if err != nil {
		return err
	}
	var result mcpwire.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return gateway.Wrap(gateway.KindAdapterProtocol, "decode initialize result", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	a.logger.Debug("mcp session initialized",
		"resource", res.Name,
		"server", result.ServerInfo.Name,
		"protocol_version", result.ProtocolVersion)
	return nil
}

// call sends one JSON-RPC request and decodes the response envelope.
func (a *MCPAdapter) call(ctx context.Context, res *resource.Resource, method string, params any) (*mcpwire.Response, error) {
	req, err := mcpwire.NewRequest(a.nextID.Add(1), method, params)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "build jsonrpc request", err)
	}
	body, err := mcpwire.Encode(req)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "encode jsonrpc request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, res.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "build http request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	applyAuthHeaders(ctx, httpReq)

	s := a.session(res.ID)
	s.mu.Lock()
	if s.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", s.sessionID)
	}
	s.mu.Unlock()

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gateway.Wrap(gateway.KindAdapterTimeout, "mcp call timed out", err)
		}
		return nil, gateway.Wrap(gateway.KindAdapterConnection, "mcp call failed", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		s.mu.Lock()
		s.sessionID = sid
		s.mu.Unlock()
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxMCPResponseBytes))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindAdapterConnection, "read mcp response", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, gateway.Newf(gateway.KindAdapterProtocol, "mcp server returned status %d", httpResp.StatusCode)
	}

	resp, err := mcpwire.DecodeResponse(respBody)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindAdapterProtocol, "decode jsonrpc response", err)
	}
	if resp.Error != nil {
		return nil, gateway.Wrap(gateway.KindAdapterProtocol,
			fmt.Sprintf("mcp %s failed", method), resp.Error)
	}
	return resp, nil
}

var _ adapter.Adapter = (*MCPAdapter)(nil)
