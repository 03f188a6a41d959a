package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/gateway"
	"github.com/sark-gateway/sark/internal/domain/resource"
)

// httpResource builds a resource whose catalog declares one search and one
// lookup operation.
func httpResource(endpoint string) *resource.Resource {
	return &resource.Resource{
		ID:       "res-http",
		Name:     "ticket-api",
		Protocol: resource.ProtocolHTTP,
		Endpoint: endpoint,
		Status:   resource.StatusActive,
		Metadata: map[string]any{
			"operations": []any{
				map[string]any{
					"name":   "search_tickets",
					"method": "POST",
					"path":   "/tickets/search",
				},
				map[string]any{
					"name":        "get_ticket",
					"method":      "GET",
					"path":        "/tickets/{id}",
					"sensitivity": "high",
				},
			},
		},
	}
}

func TestHTTPAdapter_InvokePostSendsJSONBody(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"matches": []any{"T-1"},
			"usage":   map[string]any{"total_tokens": 12},
		})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(testLogger())
	result, err := a.Invoke(context.Background(), &adapter.InvocationRequest{
		CapabilityName: "search_tickets",
		Arguments:      map[string]any{"query": "open"},
	}, httpResource(srv.URL))
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}

	if gotPath != "/tickets/search" {
		t.Errorf("path = %q", gotPath)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody["query"] != "open" {
		t.Errorf("body = %v", gotBody)
	}
	if !result.Success {
		t.Error("result should be successful")
	}
	if result.Metadata["status_code"] != 200 {
		t.Errorf("status_code = %v", result.Metadata["status_code"])
	}
	if result.Metadata["usage"] == nil {
		t.Error("usage block should be lifted into metadata")
	}
}

func TestHTTPAdapter_InvokeRendersPathTemplate(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "T-42"})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(testLogger())
	_, err := a.Invoke(context.Background(), &adapter.InvocationRequest{
		CapabilityName: "get_ticket",
		Arguments:      map[string]any{"id": "T-42", "expand": "comments"},
	}, httpResource(srv.URL))
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}

	if gotPath != "/tickets/T-42" {
		t.Errorf("path = %q, want the template rendered", gotPath)
	}
	// GET requests carry the remaining arguments in the query string.
	if gotQuery != "expand=comments" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestHTTPAdapter_UnresolvedPathParameter(t *testing.T) {
	a := NewHTTPAdapter(testLogger())
	_, err := a.Invoke(context.Background(), &adapter.InvocationRequest{
		CapabilityName: "get_ticket",
		Arguments:      map[string]any{},
	}, httpResource("http://127.0.0.1:0"))

	var gerr *gateway.GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != gateway.KindValidation {
		t.Errorf("error = %v, want validation kind", err)
	}
}

func TestHTTPAdapter_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(testLogger())
	result, err := a.Invoke(context.Background(), &adapter.InvocationRequest{
		CapabilityName: "search_tickets",
	}, httpResource(srv.URL))

	var gerr *gateway.GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != gateway.KindAdapterConnection {
		t.Errorf("error = %v, want adapter connection kind", err)
	}
	if result == nil || result.Success {
		t.Errorf("result = %+v, want a failure result", result)
	}
}

func TestHTTPAdapter_ClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(testLogger())
	result, err := a.Invoke(context.Background(), &adapter.InvocationRequest{
		CapabilityName: "search_tickets",
	}, httpResource(srv.URL))

	// 4xx is the provider's answer, not a transport fault: the call
	// returns a failed result without an error so the wrapper never
	// retries it.
	if err != nil {
		t.Fatalf("Invoke() error: %v, want nil for a 4xx", err)
	}
	if result.Success {
		t.Error("result should be a failure")
	}
	var gerr *gateway.GatewayError
	if !errors.As(result.Err, &gerr) || gerr.Kind != gateway.KindAdapterProtocol {
		t.Errorf("result.Err = %v, want adapter protocol kind", result.Err)
	}
}

func TestHTTPAdapter_UnknownOperation(t *testing.T) {
	a := NewHTTPAdapter(testLogger())
	_, err := a.Invoke(context.Background(), &adapter.InvocationRequest{
		CapabilityName: "delete_everything",
	}, httpResource("http://127.0.0.1:0"))

	var gerr *gateway.GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != gateway.KindValidation {
		t.Errorf("error = %v, want validation kind", err)
	}
}

func TestHTTPAdapter_AuthHeadersFromContext(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	ctx := withAuthHeaders(context.Background(), map[string]string{"Authorization": "Bearer outbound-tok"})
	a := NewHTTPAdapter(testLogger())
	if _, err := a.Invoke(ctx, &adapter.InvocationRequest{
		CapabilityName: "search_tickets",
	}, httpResource(srv.URL)); err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}

	if gotAuth != "Bearer outbound-tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestHTTPAdapter_GetCapabilities(t *testing.T) {
	a := NewHTTPAdapter(testLogger())
	caps, err := a.GetCapabilities(context.Background(), httpResource("http://example.com"))
	if err != nil {
		t.Fatalf("GetCapabilities() error: %v", err)
	}
	if len(caps) != 2 {
		t.Fatalf("caps = %d, want 2", len(caps))
	}
	if caps[0].Name != "search_tickets" || caps[1].Sensitivity != resource.SensitivityHigh {
		t.Errorf("caps = %+v, %+v", caps[0], caps[1])
	}
}

func TestHTTPAdapter_DiscoverResources(t *testing.T) {
	a := NewHTTPAdapter(testLogger())
	resources, err := a.DiscoverResources(context.Background(), map[string]any{
		"services": []any{
			map[string]any{
				"name":     "billing",
				"base_url": "https://billing.internal",
				"operations": []any{
					map[string]any{"name": "list_invoices", "method": "GET", "path": "/invoices"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("DiscoverResources() error: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("resources = %d, want 1", len(resources))
	}
	r := resources[0]
	if r.Name != "billing" || r.Protocol != resource.ProtocolHTTP || r.Status != resource.StatusRegistered {
		t.Errorf("resource = %+v", r)
	}
	if r.Sensitivity != resource.SensitivityMedium {
		t.Errorf("Sensitivity = %q, want the medium default", r.Sensitivity)
	}
}

func TestHTTPAdapter_DiscoverRejectsIncompleteEntry(t *testing.T) {
	a := NewHTTPAdapter(testLogger())
	_, err := a.DiscoverResources(context.Background(), map[string]any{
		"services": []any{map[string]any{"name": "no-url"}},
	})
	if err == nil {
		t.Error("entry without base_url must be rejected")
	}
}

func TestHTTPAdapter_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(testLogger())
	if !a.HealthCheck(context.Background(), httpResource(srv.URL)) {
		t.Error("healthy endpoint reported unhealthy")
	}

	srv.Close()
	if a.HealthCheck(context.Background(), httpResource(srv.URL)) {
		t.Error("unreachable endpoint reported healthy")
	}
}
