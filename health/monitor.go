package health

import (
	"sync"
	"time"
)

// Monitor tracks the statuses of named parts in a thread-safe manner.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
	}
}

// Update records the status for a named part.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy marks a part healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, Healthy(name, message))
}

// UpdateUnhealthy marks a part unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, Unhealthy(name, message))
}

// UpdateDegraded marks a part degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, Degraded(name, message))
}

// Get retrieves the status for a named part.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// AggregateHealth returns the combined status of every tracked part.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parts := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		parts = append(parts, status)
	}
	return Aggregate(systemName, parts)
}

// Remove stops tracking a part.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}
