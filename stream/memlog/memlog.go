// Package memlog provides an in-memory stream.Transport with full
// competing-consumer semantics: monotonically increasing entry IDs, durable
// group cursors, per-consumer pending entry lists, and stale-entry reclaim.
//
// It backs unit tests and single-process embeddings; cross-process durability
// comes from the JetStream transport in stream/natslog.
package memlog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/syncstream/errors"
	"github.com/c360/syncstream/stream"
)

// pending is one entry on a consumer group's pending entry list.
type pending struct {
	entry       stream.Entry
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

// group holds a durable delivery cursor plus the pending entry list.
type group struct {
	cursor  uint64 // last delivered entry ID
	pending map[uint64]*pending
}

// log is a single named stream: ordered entries plus its consumer groups.
type log struct {
	entries []stream.Entry
	lastID  uint64
	groups  map[string]*group

	// notify is closed and replaced on every append so blocked readers wake.
	notify chan struct{}
}

// Memlog is an in-memory stream.Transport.
type Memlog struct {
	mu      sync.Mutex
	streams map[string]*log
	logger  *slog.Logger
	clock   func() time.Time
}

// Option configures a Memlog.
type Option func(*Memlog)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memlog) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source, used by tests to age pending entries.
func WithClock(clock func() time.Time) Option {
	return func(m *Memlog) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New creates an empty in-memory transport.
func New(opts ...Option) *Memlog {
	m := &Memlog{
		streams: make(map[string]*log),
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// getStream returns the named stream, creating it implicitly. Callers hold mu.
func (m *Memlog) getStream(name string) *log {
	s, ok := m.streams[name]
	if !ok {
		s = &log{
			groups: make(map[string]*group),
			notify: make(chan struct{}),
		}
		m.streams[name] = s
	}
	return s
}

// Append durably appends an entry and returns its assigned ID.
func (m *Memlog) Append(_ context.Context, name string, fields map[string]string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getStream(name)
	s.lastID++

	// Copy fields so callers can't mutate stored entries.
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, stream.Entry{ID: s.lastID, Fields: copied})

	// Wake blocked readers.
	close(s.notify)
	s.notify = make(chan struct{})

	return s.lastID, nil
}

// collectAfter returns up to max entries with ID strictly greater than after.
// Callers hold mu.
func (s *log) collectAfter(after uint64, max int) []stream.Entry {
	// Entries are ordered by ID, so binary search for the start.
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].ID > after
	})
	if idx >= len(s.entries) {
		return nil
	}
	end := idx + max
	if max <= 0 || end > len(s.entries) {
		end = len(s.entries)
	}
	out := make([]stream.Entry, end-idx)
	copy(out, s.entries[idx:end])
	return out
}

// waitForAppend blocks until the stream sees an append, the deadline passes,
// or ctx is cancelled. Returns false when the caller should stop waiting.
func (m *Memlog) waitForAppend(ctx context.Context, name string, deadline time.Time) bool {
	m.mu.Lock()
	notify := m.getStream(name).notify
	m.mu.Unlock()

	wait := time.Until(deadline)
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	case <-notify:
		return true
	}
}

// NewReader opens a non-destructive reader starting at the given cursor.
func (m *Memlog) NewReader(_ context.Context, name string, from stream.Cursor) (stream.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getStream(name)
	pos := from.AfterID()
	if from.IsLatest() {
		pos = s.lastID
	}
	return &reader{m: m, stream: name, pos: pos}, nil
}

type reader struct {
	m      *Memlog
	stream string
	pos    uint64
	closed bool
}

func (r *reader) Next(ctx context.Context, max int, block time.Duration) ([]stream.Entry, error) {
	if r.closed {
		return nil, errors.ErrClosed
	}
	deadline := time.Now().Add(block)

	for {
		r.m.mu.Lock()
		entries := r.m.getStream(r.stream).collectAfter(r.pos, max)
		r.m.mu.Unlock()

		if len(entries) > 0 {
			r.pos = entries[len(entries)-1].ID
			return entries, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !r.m.waitForAppend(ctx, r.stream, deadline) {
			// Timeout is a normal empty read, cancellation is not.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
	}
}

func (r *reader) Close() error {
	r.closed = true
	return nil
}

// EnsureGroup idempotently creates a consumer group, creating the stream if
// absent. An existing group is left untouched.
func (m *Memlog) EnsureGroup(_ context.Context, name, groupName string, start stream.Start) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getStream(name)
	if _, ok := s.groups[groupName]; ok {
		m.logger.Info("consumer group already exists",
			"stream", name, "group", groupName)
		return nil
	}

	g := &group{pending: make(map[uint64]*pending)}
	if start == stream.StartLatest {
		g.cursor = s.lastID
	}
	s.groups[groupName] = g
	return nil
}

// ReadGroup delivers up to max not-yet-claimed entries to the named consumer.
func (m *Memlog) ReadGroup(
	ctx context.Context,
	name, groupName, consumer string,
	max int,
	block time.Duration,
) ([]stream.Delivery, error) {
	deadline := time.Now().Add(block)

	for {
		m.mu.Lock()
		s := m.getStream(name)
		g, ok := s.groups[groupName]
		if !ok {
			m.mu.Unlock()
			return nil, errors.Wrap(errors.ErrGroupNotFound, "Memlog", "ReadGroup", groupName)
		}

		entries := s.collectAfter(g.cursor, max)
		if len(entries) > 0 {
			now := m.clock()
			deliveries := make([]stream.Delivery, 0, len(entries))
			for _, e := range entries {
				g.pending[e.ID] = &pending{
					entry:       e,
					consumer:    consumer,
					deliveredAt: now,
					deliveries:  1,
				}
				deliveries = append(deliveries, stream.NewDelivery(e, e.ID))
			}
			g.cursor = entries[len(entries)-1].ID
			m.mu.Unlock()
			return deliveries, nil
		}
		m.mu.Unlock()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !m.waitForAppend(ctx, name, deadline) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
	}
}

// Ack removes the entry from the group's pending entry list. Acknowledging an
// entry that is not pending is a no-op, matching replayed acknowledgments
// after redelivery.
func (m *Memlog) Ack(_ context.Context, name, groupName string, d stream.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getStream(name)
	g, ok := s.groups[groupName]
	if !ok {
		return errors.Wrap(errors.ErrGroupNotFound, "Memlog", "Ack", groupName)
	}

	id, ok := d.Token().(uint64)
	if !ok {
		id = d.Entry.ID
	}
	delete(g.pending, id)
	return nil
}

// ClaimStale transfers pending entries idle for at least minIdle to the
// claiming consumer, refreshing their delivery time.
func (m *Memlog) ClaimStale(
	_ context.Context,
	name, groupName, consumer string,
	minIdle time.Duration,
	max int,
) ([]stream.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getStream(name)
	g, ok := s.groups[groupName]
	if !ok {
		return nil, errors.Wrap(errors.ErrGroupNotFound, "Memlog", "ClaimStale", groupName)
	}

	now := m.clock()
	ids := make([]uint64, 0, len(g.pending))
	for id, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}

	deliveries := make([]stream.Delivery, 0, len(ids))
	for _, id := range ids {
		p := g.pending[id]
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		deliveries = append(deliveries, stream.NewDelivery(p.entry, id))
	}
	return deliveries, nil
}

// PendingCount returns the number of unacknowledged entries for a group,
// optionally filtered by consumer (empty string matches all). Used by tests
// and operational tooling.
func (m *Memlog) PendingCount(name, groupName, consumer string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[name]
	if !ok {
		return 0
	}
	g, ok := s.groups[groupName]
	if !ok {
		return 0
	}
	if consumer == "" {
		return len(g.pending)
	}
	n := 0
	for _, p := range g.pending {
		if p.consumer == consumer {
			n++
		}
	}
	return n
}

// GroupCursor returns the group's last delivered entry ID. Used by tests to
// assert that recreating a group leaves its position unchanged.
func (m *Memlog) GroupCursor(name, groupName string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[name]
	if !ok {
		return 0, false
	}
	g, ok := s.groups[groupName]
	if !ok {
		return 0, false
	}
	return g.cursor, true
}

// Len returns the number of entries in a stream.
func (m *Memlog) Len(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[name]
	if !ok {
		return 0
	}
	return len(s.entries)
}

var _ stream.Transport = (*Memlog)(nil)
