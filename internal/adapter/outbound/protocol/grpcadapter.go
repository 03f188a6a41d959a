package protocol

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// grpcMethod is one catalog entry mapping a capability to a unary gRPC
// method. Providers exposing JSON-transcoding services declare these in
// resource metadata under "methods".
type grpcMethod struct {
	Name        string          `json:"name"`
	FullMethod  string          `json:"full_method"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Sensitivity string          `json:"sensitivity,omitempty"`
}

// jsonCodec marshals generic JSON documents for declared-method calls.
// Providers in the catalog accept JSON-encoded request payloads.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// GRPCAdapter forwards capability invocations to gRPC providers over
// declared unary methods. Connections are cached per resource.
type GRPCAdapter struct {
	validator *schemaValidator
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCAdapter creates the adapter.
func NewGRPCAdapter(logger *slog.Logger) *GRPCAdapter {
	return &GRPCAdapter{
		validator: newSchemaValidator(),
		logger:    logger,
		conns:     make(map[string]*grpc.ClientConn),
	}
}

// Protocol returns the protocol tag.
func (a *GRPCAdapter) Protocol() resource.Protocol { return resource.ProtocolGRPC }

// DiscoverResources builds resources from the configured service list.
func (a *GRPCAdapter) DiscoverResources(_ context.Context, cfg map[string]any) ([]*resource.Resource, error) {
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
		endpoint, _ := entry["target"].(string)
		if name == "" || endpoint == "" {
			return nil, gateway.New(gateway.KindValidation, "grpc service entry needs name and target")
		}
		sensitivity := resource.SensitivityMedium
		if s, ok := entry["sensitivity"].(string); ok && s != "" {
			sensitivity = resource.Sensitivity(s)
		}
		md := map[string]any{"methods": entry["methods"]}
		if tlsEnabled, ok := entry["tls"].(bool); ok {
			md["tls"] = tlsEnabled
		}
		out = append(out, &resource.Resource{
			ID:          uuid.NewString(),
			Name:        name,
			Protocol:    resource.ProtocolGRPC,
			Endpoint:    endpoint,
			Sensitivity: sensitivity,
			Metadata:    md,
			Status:      resource.StatusRegistered,
		})
	}
	return out, nil
}

// GetCapabilities materializes the declared method catalog.
func (a *GRPCAdapter) GetCapabilities(_ context.Context, res *resource.Resource) ([]*resource.Capability, error) {
	methods, err := a.methods(res)
	if err != nil {
		return nil, err
	}
	caps := make([]*resource.Capability, 0, len(methods))
	for _, m := range methods {
		caps = append(caps, &resource.Capability{
			ID:          uuid.NewString(),
			ResourceID:  res.ID,
			Name:        m.Name,
			InputSchema: m.InputSchema,
			Sensitivity: resource.Sensitivity(m.Sensitivity),
		})
	}
	return caps, nil
}

// ValidateRequest schema-checks arguments against the capability.
func (a *GRPCAdapter) ValidateRequest(_ context.Context, req *adapter.InvocationRequest, cap *resource.Capability) []adapter.ValidationError {
	return a.validator.validate(cap, req.Arguments)
}

// Invoke performs one unary call with a JSON payload.
func (a *GRPCAdapter) Invoke(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (*adapter.InvocationResult, error) {
	m, err := a.lookupMethod(res, req.CapabilityName)
	if err != nil {
		return nil, err
	}
	conn, err := a.conn(res)
	if err != nil {
		return nil, err
	}

	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	var reply json.RawMessage

	start := time.Now()
	err = conn.Invoke(ctx, m.FullMethod, args, &reply, grpc.ForceCodec(jsonCodec{}))
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		var werr error
		if ctx.Err() != nil {
			werr = gateway.Wrap(gateway.KindAdapterTimeout, "grpc call timed out", err)
		} else {
			werr = gateway.Wrap(gateway.KindAdapterConnection, "grpc call failed", err)
		}
		return &adapter.InvocationResult{Success: false, Err: werr, DurationMS: elapsed}, werr
	}

	var payload any
	if len(reply) > 0 {
		if err := json.Unmarshal(reply, &payload); err != nil {
			werr := gateway.Wrap(gateway.KindAdapterProtocol, "decode grpc reply", err)
			return &adapter.InvocationResult{Success: false, Err: werr, DurationMS: elapsed}, werr
		}
	}
	return &adapter.InvocationResult{Success: true, Result: payload, DurationMS: elapsed}, nil
}

// InvokeStreaming degrades to a single-chunk stream; declared methods are
// unary.
func (a *GRPCAdapter) InvokeStreaming(ctx context.Context, req *adapter.InvocationRequest, res *resource.Resource) (<-chan adapter.StreamChunk, error) {
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

// HealthCheck probes the standard gRPC health service.
func (a *GRPCAdapter) HealthCheck(ctx context.Context, res *resource.Resource) bool {
	conn, err := a.conn(res)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(probeCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// OnResourceUnregistered closes and drops the cached connection.
func (a *GRPCAdapter) OnResourceUnregistered(res *resource.Resource) {
	a.mu.Lock()
	conn, ok := a.conns[res.ID]
	delete(a.conns, res.ID)
	a.mu.Unlock()
	if ok {
		if err := conn.Close(); err != nil {
			a.logger.Warn("closing grpc connection failed", "resource", res.Name, "error", err)
		}
	}
}

func (a *GRPCAdapter) conn(res *resource.Resource) (*grpc.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn, ok := a.conns[res.ID]; ok {
		return conn, nil
	}

	creds := insecure.NewCredentials()
	if tlsEnabled, ok := res.Metadata["tls"].(bool); ok && tlsEnabled {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(res.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindAdapterConnection, "dial grpc provider", err)
	}
	a.conns[res.ID] = conn
	return conn, nil
}

func (a *GRPCAdapter) methods(res *resource.Resource) ([]grpcMethod, error) {
	raw, ok := res.Metadata["methods"]
	if !ok || raw == nil {
		return nil, gateway.Newf(gateway.KindValidation, "resource %s declares no methods", res.Name)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, "marshal method catalog", err)
	}
	var methods []grpcMethod
	if err := json.Unmarshal(buf, &methods); err != nil {
		return nil, gateway.Wrap(gateway.KindValidation, "method catalog is malformed", err)
	}
	for _, m := range methods {
		if !strings.HasPrefix(m.FullMethod, "/") {
			return nil, gateway.Newf(gateway.KindValidation,
				"method %q full_method must look like /package.Service/Method", m.Name)
		}
	}
	return methods, nil
}

func (a *GRPCAdapter) lookupMethod(res *resource.Resource, name string) (*grpcMethod, error) {
	methods, err := a.methods(res)
	if err != nil {
		return nil, err
	}
	for i := range methods {
		if methods[i].Name == name {
			return &methods[i], nil
		}
	}
	return nil, gateway.Newf(gateway.KindValidation, "method %q not declared by resource %s", name, res.Name)
}

var _ adapter.Adapter = (*GRPCAdapter)(nil)
