// Package endpoint implements the client side of SyncStream: one logical
// connection point (a UI surface, a device) that registers a session,
// publishes messages to the shared inbound stream, and consumes its own
// response stream through a consumer group.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/syncstream/envelope"
	"github.com/c360/syncstream/errors"
	"github.com/c360/syncstream/metric"
	"github.com/c360/syncstream/stream"
)

// Status represents the endpoint lifecycle state
type Status int

// Lifecycle states
const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusSessionRegistered
	StatusReceiving
	StatusClosed
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusSessionRegistered:
		return "session_registered"
	case StatusReceiving:
		return "receiving"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler processes one delivered response entry. The entry is acknowledged
// only after Handle returns nil; a failure leaves it pending for reclaim.
type Handler interface {
	Handle(ctx context.Context, fields map[string]string) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, fields map[string]string) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, fields map[string]string) error {
	return f(ctx, fields)
}

// PassThrough is the default handler: it accepts every entry unchanged.
var PassThrough Handler = HandlerFunc(func(context.Context, map[string]string) error {
	return nil
})

// DefaultBlockWait bounds every blocking read so cancellation is observed at
// the next poll.
const DefaultBlockWait = time.Second

const defaultBatch = 10

// Endpoint is a client connection point identified by (userID, endpointID).
//
// Multiple workers on one Endpoint compete for entries inside the endpoint's
// consumer group, each under a distinct consumer name. Two independent
// processes that share an endpoint identity must not also share a consumer
// name base, or they will split the response stream between them; the
// default base includes a per-process random suffix for exactly this reason.
type Endpoint struct {
	transport stream.Transport
	userID    string
	id        string

	inbound   string // shared inbound stream
	responses string // this endpoint's own stream
	group     string

	consumerBase string
	workers      int
	batch        int
	block        time.Duration
	start        stream.Start
	handler      Handler

	logger  *slog.Logger
	metrics *metric.Metrics

	status atomic.Int32
	cancel atomic.Value // stores context.CancelFunc
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithWorkers sets how many interchangeable workers compete for this
// endpoint's responses. Defaults to 1.
func WithWorkers(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithConsumerName sets the consumer name base. Workers append their index.
func WithConsumerName(name string) Option {
	return func(e *Endpoint) {
		if name != "" {
			e.consumerBase = name
		}
	}
}

// WithInboundStream overrides the shared inbound stream name.
func WithInboundStream(name string) Option {
	return func(e *Endpoint) {
		if name != "" {
			e.inbound = name
		}
	}
}

// WithBlockWait sets the blocking-read timeout of the receive loop.
func WithBlockWait(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.block = d
		}
	}
}

// WithBatchSize sets how many entries one read may deliver.
func WithBatchSize(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.batch = n
		}
	}
}

// WithStart sets the consumer group starting position used on first connect.
// StartLatest (the default) avoids replaying the backlog; StartEarliest
// replays every historical response.
func WithStart(start stream.Start) Option {
	return func(e *Endpoint) {
		e.start = start
	}
}

// WithHandler sets the default response handler used when Receive is called
// with a nil handler.
func WithHandler(h Handler) Option {
	return func(e *Endpoint) {
		if h != nil {
			e.handler = h
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Endpoint) {
		e.metrics = m
	}
}

// New creates an endpoint for a user identity on a transport.
func New(transport stream.Transport, userID, endpointID string, opts ...Option) (*Endpoint, error) {
	if userID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingUser, "Endpoint", "New", "validate identity")
	}
	if endpointID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingEndpoint, "Endpoint", "New", "validate identity")
	}

	e := &Endpoint{
		transport: transport,
		userID:    userID,
		id:        endpointID,
		inbound:   envelope.DefaultInboundStream,
		responses: envelope.ResponseStream(endpointID),
		group:     envelope.WorkerGroup(endpointID),
		// Unique per process so unrelated instances sharing an endpoint
		// identity do not compete for the same entries.
		consumerBase: endpointID + "-" + uuid.NewString()[:8],
		workers:      1,
		batch:        defaultBatch,
		block:        DefaultBlockWait,
		start:        stream.StartLatest,
		handler:      PassThrough,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("endpoint_id", endpointID, "user_id", userID)
	return e, nil
}

// ID returns the endpoint identity.
func (e *Endpoint) ID() string { return e.id }

// UserID returns the user identity.
func (e *Endpoint) UserID() string { return e.userID }

// ResponseStream returns the endpoint's own inbound stream name.
func (e *Endpoint) ResponseStream() string { return e.responses }

// Status returns the current lifecycle state.
func (e *Endpoint) Status() Status {
	return Status(e.status.Load())
}

func (e *Endpoint) setStatus(s Status) {
	e.status.Store(int32(s))
}

// Connect prepares the endpoint's consumer group on its response stream.
// Group creation is idempotent: reconnecting to an existing group succeeds
// and leaves its delivery position untouched.
func (e *Endpoint) Connect(ctx context.Context) error {
	if e.Status() == StatusClosed {
		return errors.ErrClosed
	}
	if err := e.transport.EnsureGroup(ctx, e.responses, e.group, e.start); err != nil {
		return errors.WrapTransient(err, "Endpoint", "Connect", "ensure consumer group")
	}
	e.setStatus(StatusConnected)
	e.logger.Info("endpoint connected",
		"responses", e.responses, "group", e.group, "start", e.start.String())
	return nil
}

// RegisterSession announces this user/endpoint pair on the shared inbound
// stream. The router mutates the session registry on receipt; registration
// is not a local operation.
func (e *Endpoint) RegisterSession(ctx context.Context) error {
	if err := e.requireConnected(); err != nil {
		return err
	}

	fields, err := envelope.NewRegister(e.userID, e.id).Fields()
	if err != nil {
		return errors.WrapInvalid(err, "Endpoint", "RegisterSession", "build envelope")
	}
	if _, err := e.transport.Append(ctx, e.inbound, fields); err != nil {
		return errors.WrapTransient(err, "Endpoint", "RegisterSession", "append registration")
	}
	e.setStatus(StatusSessionRegistered)
	e.logger.Info("session registered")
	return nil
}

// Send appends a message envelope to the shared inbound stream and returns
// the assigned entry ID. The envelope carries a fresh correlation ID so a
// response can be matched to this send even when sends are concurrent.
func (e *Endpoint) Send(ctx context.Context, payload map[string]string) (uint64, error) {
	if err := e.requireConnected(); err != nil {
		return 0, err
	}

	fields, err := envelope.NewMessage(e.userID, e.id, payload).Fields()
	if err != nil {
		return 0, err
	}
	id, err := e.transport.Append(ctx, e.inbound, fields)
	if err != nil {
		return 0, errors.WrapTransient(err, "Endpoint", "Send", "append message")
	}
	e.logger.Debug("message sent", "entry_id", id)
	return id, nil
}

// Receive runs the blocking read loop until ctx is cancelled or Close is
// called. Each worker reads from the endpoint's consumer group under its own
// consumer name, invokes the handler, and acknowledges only when the handler
// returns nil. A handler failure leaves the entry pending; an empty read is a
// normal timeout and re-polls.
func (e *Endpoint) Receive(ctx context.Context, h Handler) error {
	if err := e.requireConnected(); err != nil {
		return err
	}
	if h == nil {
		h = e.handler
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel.Store(cancel)
	defer cancel()

	prev := e.Status()
	e.setStatus(StatusReceiving)
	e.logger.Info("receiving", "workers", e.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		consumer := fmt.Sprintf("%s-%d", e.consumerBase, i)
		g.Go(func() error {
			return e.workerLoop(ctx, consumer, h)
		})
	}
	err := g.Wait()

	if e.Status() != StatusClosed {
		e.setStatus(prev)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// workerLoop is one competing consumer. It exits only on cancellation;
// transient read errors are logged and retried after a short pause so a
// single failure never kills the worker.
func (e *Endpoint) workerLoop(ctx context.Context, consumer string, h Handler) error {
	logger := e.logger.With("consumer", consumer)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deliveries, err := e.transport.ReadGroup(ctx, e.responses, e.group, consumer, e.batch, e.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.block):
			}
			continue
		}
		if len(deliveries) == 0 {
			continue // normal timeout, re-poll
		}
		e.metrics.Received("endpoint", len(deliveries))

		for _, d := range deliveries {
			start := time.Now()
			if err := h.Handle(ctx, d.Entry.Fields); err != nil {
				// Not acknowledged: the entry stays pending rather than
				// being silently dropped.
				e.metrics.Failed("endpoint", time.Since(start))
				logger.Error("handler failed, entry left pending",
					"entry_id", d.Entry.ID,
					"error", errors.Wrap(err, "Endpoint", "Receive", "handle entry"))
				continue
			}
			if err := e.transport.Ack(ctx, e.responses, e.group, d); err != nil {
				logger.Error("ack failed", "entry_id", d.Entry.ID, "error", err)
				continue
			}
			e.metrics.Processed("endpoint", time.Since(start))
		}
	}
}

// ClaimStale reclaims entries abandoned by crashed workers of this endpoint
// and runs them through the handler. Operator-facing; nothing reclaims
// automatically.
func (e *Endpoint) ClaimStale(ctx context.Context, h Handler, minIdle time.Duration, max int) (int, error) {
	if err := e.requireConnected(); err != nil {
		return 0, err
	}
	if h == nil {
		h = e.handler
	}

	consumer := e.consumerBase + "-reclaim"
	deliveries, err := e.transport.ClaimStale(ctx, e.responses, e.group, consumer, minIdle, max)
	if err != nil {
		return 0, errors.WrapTransient(err, "Endpoint", "ClaimStale", "claim stale entries")
	}

	handled := 0
	for _, d := range deliveries {
		if err := h.Handle(ctx, d.Entry.Fields); err != nil {
			e.logger.Error("handler failed on reclaimed entry", "entry_id", d.Entry.ID, "error", err)
			continue
		}
		if err := e.transport.Ack(ctx, e.responses, e.group, d); err != nil {
			e.logger.Error("ack failed on reclaimed entry", "entry_id", d.Entry.ID, "error", err)
			continue
		}
		handled++
	}
	return handled, nil
}

// Close stops the receive loop at its next suspension point. Acknowledged
// state is preserved; claimed-but-unacknowledged entries are abandoned to
// the pending list for future reclaim.
func (e *Endpoint) Close() {
	e.setStatus(StatusClosed)
	if cancel, ok := e.cancel.Load().(context.CancelFunc); ok {
		cancel()
	}
	e.logger.Info("endpoint closed")
}

func (e *Endpoint) requireConnected() error {
	switch e.Status() {
	case StatusClosed:
		return errors.ErrClosed
	case StatusDisconnected:
		return errors.Wrap(errors.ErrNotConnected, "Endpoint", "requireConnected", "check state")
	default:
		return nil
	}
}
