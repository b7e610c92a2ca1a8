// Package http provides the service's HTTP handlers: health endpoints for
// orchestration probes and the ops surface wiring.
package http

import (
	"net/http"
	"time"

	"quotagate/internal/handler/http/respond"
	"quotagate/pkg/ratelimit"
)

// HealthResponse is the JSON payload of the health endpoints.
type HealthResponse struct {
	Status    string                 `json:"status"`    // "healthy" or "unhealthy"
	Timestamp string                 `json:"timestamp"` // ISO 8601
	Checks    map[string]CheckStatus `json:"checks,omitempty"`
}

// CheckStatus is the state of a single readiness check.
type CheckStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// LivenessHandler answers liveness probes. It reports healthy as long as
// the process can serve HTTP; backend trouble is a readiness concern.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// ReadinessHandler answers readiness probes from the most recent store
// probe and the circuit breaker state. It never pings the store inline;
// probe traffic stays on the prober's schedule regardless of how often
// the orchestrator asks.
func ReadinessHandler(prober *ratelimit.Prober, breaker *ratelimit.Breaker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]CheckStatus, 2)
		healthy := true

		if prober.Healthy() {
			checks["store"] = CheckStatus{Status: "healthy"}
		} else {
			checks["store"] = CheckStatus{Status: "unhealthy", Message: "last store probe failed"}
			healthy = false
		}

		state := breaker.State()
		check := CheckStatus{Status: "healthy", Message: "circuit " + state}
		if state == "open" {
			check.Status = "unhealthy"
			healthy = false
		}
		checks["circuit"] = check

		status := "healthy"
		code := http.StatusOK
		if !healthy {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		respond.JSON(w, code, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checks,
		})
	})
}
