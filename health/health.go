// Package health tracks the liveness of SyncStream's moving parts (transport
// connection, router workers, session registry) and aggregates them into one
// system status for the HTTP health endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status is the health state of one part of the system.
type Status struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	State     string    `json:"state"` // "healthy", "unhealthy", "degraded"
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Parts     []Status  `json:"parts,omitempty"`
}

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool {
	return s.State == "healthy"
}

// IsDegraded returns true if the status is degraded.
func (s Status) IsDegraded() bool {
	return s.State == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy.
func (s Status) IsUnhealthy() bool {
	return s.State == "unhealthy"
}

// Healthy creates a healthy status.
func Healthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		State:     "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Unhealthy creates an unhealthy status.
func Unhealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		State:     "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Degraded creates a degraded status.
func Degraded(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		State:     "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines part statuses into one system status:
// any unhealthy part makes the system unhealthy, otherwise any degraded part
// makes it degraded, otherwise it is healthy.
func Aggregate(component string, parts []Status) Status {
	if len(parts) == 0 {
		return Healthy(component, "no parts reporting")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, p := range parts {
		if p.IsUnhealthy() {
			hasUnhealthy = true
		} else if p.IsDegraded() {
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = Unhealthy(component, "one or more parts are unhealthy")
	case hasDegraded:
		status = Degraded(component, "one or more parts are degraded")
	default:
		status = Healthy(component, "all parts healthy")
	}

	status.Parts = make([]Status, len(parts))
	copy(status.Parts, parts)
	return status
}

// Handler serves the aggregated status as JSON. Unhealthy systems answer 503
// so load balancer probes need no body parsing.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
