package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/sark-gateway/sark/internal/adapter/outbound/memory"
	"github.com/sark-gateway/sark/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies component health. Pass nil for components that are
// not configured.
type HealthChecker struct {
	cache     *memory.DecisionCache
	forwarder *service.SIEMForwarder
	version   string
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker(cache *memory.DecisionCache, forwarder *service.SIEMForwarder, version string) *HealthChecker {
	return &HealthChecker{cache: cache, forwarder: forwarder, version: version}
}

// Check runs all component checks.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.cache != nil {
		checks["decision_cache"] = fmt.Sprintf("ok: %d entries", h.cache.Len())
	} else {
		checks["decision_cache"] = "not configured"
	}

	if h.forwarder != nil {
		depth := h.forwarder.QueueDepth()
		checks["siem_queue"] = fmt.Sprintf("ok: %d queued", depth)
		if drops := h.forwarder.DroppedEvents(); drops > 0 {
			checks["siem_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["siem_queue"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns the /health endpoint handler.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()
		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
