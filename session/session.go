// Package session tracks which endpoints a logical user is currently active
// on. The registry is the only state shared between router instances, so both
// implementations guarantee lost-update-free endpoint set union: the in-memory
// registry with a single lock, the KV registry with compare-and-swap.
//
// Expiry is a lazy, read-time check: a session whose last activity is older
// than the inactivity window is treated as absent on the next lookup. There
// is no background sweep.
package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is the inactivity window after which a session is treated as
// absent.
const DefaultTTL = time.Hour

// Registry is the user to endpoint-set mapping consulted by the router for
// fan-out.
type Registry interface {
	// Register adds an endpoint to the user's session, creating the session
	// if absent, and refreshes its activity time.
	Register(ctx context.Context, userID, endpointID string) error

	// Endpoints returns the endpoints the user is currently active on, in
	// stable order. An expired or unknown session yields an empty set and no
	// error.
	Endpoints(ctx context.Context, userID string) ([]string, error)

	// Touch refreshes the user's activity time without changing the
	// endpoint set. Unknown users are a no-op.
	Touch(ctx context.Context, userID string) error
}

type memorySession struct {
	endpoints    map[string]struct{}
	lastActivity time.Time
}

// Memory is an in-process Registry. Safe for concurrent use by multiple
// router instances within one process.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	ttl      time.Duration
	clock    func() time.Time
}

// MemoryOption configures a Memory registry.
type MemoryOption func(*Memory)

// WithTTL sets the inactivity window.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewMemory creates an in-memory registry with the default 1 hour window.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		sessions: make(map[string]*memorySession),
		ttl:      DefaultTTL,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds endpointID to the user's session and refreshes activity.
func (m *Memory) Register(_ context.Context, userID, endpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	s, ok := m.sessions[userID]
	if !ok || m.expired(s, now) {
		s = &memorySession{endpoints: make(map[string]struct{})}
		m.sessions[userID] = s
	}
	s.endpoints[endpointID] = struct{}{}
	s.lastActivity = now
	return nil
}

// Endpoints returns the user's active endpoints, treating expired sessions as
// absent.
func (m *Memory) Endpoints(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	if m.expired(s, m.clock()) {
		delete(m.sessions, userID)
		return nil, nil
	}

	endpoints := make([]string, 0, len(s.endpoints))
	for e := range s.endpoints {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)
	return endpoints, nil
}

// Touch refreshes the user's activity time.
func (m *Memory) Touch(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if s, ok := m.sessions[userID]; ok && !m.expired(s, now) {
		s.lastActivity = now
	}
	return nil
}

func (m *Memory) expired(s *memorySession, now time.Time) bool {
	return now.Sub(s.lastActivity) >= m.ttl
}

var _ Registry = (*Memory)(nil)
