// Package router implements the server-side consumer of the shared inbound
// stream. It maintains the session registry from registration envelopes,
// runs message payloads through a pluggable processor, and fans each result
// out to the response stream of every endpoint the user has active.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/syncstream/envelope"
	"github.com/c360/syncstream/errors"
	"github.com/c360/syncstream/metric"
	"github.com/c360/syncstream/session"
	"github.com/c360/syncstream/stream"
)

// Processor is the application hook: it turns one message payload into a
// result payload. A returned error leaves the entry unacknowledged so it is
// redelivered rather than lost.
type Processor interface {
	Process(ctx context.Context, payload map[string]string) (map[string]string, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, payload map[string]string) (map[string]string, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, payload map[string]string) (map[string]string, error) {
	return f(ctx, payload)
}

// Echo returns payloads unchanged. Useful as a default and in demos.
var Echo Processor = ProcessorFunc(func(_ context.Context, payload map[string]string) (map[string]string, error) {
	return payload, nil
})

// DefaultBlockWait bounds every blocking read so cancellation is observed at
// the next poll.
const DefaultBlockWait = time.Second

const defaultBatch = 10

// Router consumes the shared inbound stream through a competing consumer
// group, so running multiple routers partitions the load between them.
type Router struct {
	transport stream.Transport
	registry  session.Registry
	processor Processor

	inbound      string
	group        string
	consumerBase string
	workers      int
	batch        int
	block        time.Duration
	start        stream.Start

	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithInboundStream overrides the shared inbound stream name.
func WithInboundStream(name string) Option {
	return func(r *Router) {
		if name != "" {
			r.inbound = name
		}
	}
}

// WithGroup overrides the router consumer group name. All router instances
// that should share the load must use the same group.
func WithGroup(name string) Option {
	return func(r *Router) {
		if name != "" {
			r.group = name
		}
	}
}

// WithConsumerName sets the consumer name base. Workers append their index.
func WithConsumerName(name string) Option {
	return func(r *Router) {
		if name != "" {
			r.consumerBase = name
		}
	}
}

// WithWorkers sets how many worker goroutines one router instance runs.
func WithWorkers(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithBatchSize sets how many entries one read may deliver.
func WithBatchSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithBlockWait sets the blocking-read timeout of the consume loop.
func WithBlockWait(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.block = d
		}
	}
}

// WithStart sets the consumer group starting position used on first run.
func WithStart(start stream.Start) Option {
	return func(r *Router) {
		r.start = start
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// New creates a router over a transport, session registry and processor.
func New(transport stream.Transport, registry session.Registry, processor Processor, opts ...Option) (*Router, error) {
	if registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New", "session registry required")
	}
	if processor == nil {
		processor = Echo
	}

	r := &Router{
		transport:    transport,
		registry:     registry,
		processor:    processor,
		inbound:      envelope.DefaultInboundStream,
		group:        envelope.DefaultRouterGroup,
		consumerBase: "router-" + uuid.NewString()[:8],
		workers:      1,
		batch:        defaultBatch,
		block:        DefaultBlockWait,
		start:        stream.StartLatest,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r, nil
}

// Run consumes the inbound stream until ctx is cancelled. Group creation is
// idempotent so any number of instances can call Run concurrently.
func (r *Router) Run(ctx context.Context) error {
	if err := r.transport.EnsureGroup(ctx, r.inbound, r.group, r.start); err != nil {
		return errors.WrapTransient(err, "Router", "Run", "ensure consumer group")
	}
	r.logger.Info("router running",
		"inbound", r.inbound, "group", r.group, "workers", r.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		consumer := fmt.Sprintf("%s-%d", r.consumerBase, i)
		g.Go(func() error {
			return r.workerLoop(ctx, consumer)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Router) workerLoop(ctx context.Context, consumer string) error {
	logger := r.logger.With("consumer", consumer)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deliveries, err := r.transport.ReadGroup(ctx, r.inbound, r.group, consumer, r.batch, r.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.block):
			}
			continue
		}
		if len(deliveries) == 0 {
			continue
		}
		r.metrics.Received("router", len(deliveries))

		for _, d := range deliveries {
			r.dispatch(ctx, logger, d)
		}
	}
}

// dispatch handles one inbound entry. Registration and malformed entries are
// always acknowledged; message entries are acknowledged only after the result
// reached every target stream, so a crash mid-broadcast causes redelivery
// instead of a lost result.
func (r *Router) dispatch(ctx context.Context, logger *slog.Logger, d stream.Delivery) {
	start := time.Now()

	env, err := envelope.ParseFields(d.Entry.Fields)
	if err != nil {
		// Malformed entries can never succeed; retrying them would wedge
		// the group, so they are acknowledged and dropped.
		logger.Warn("discarding malformed entry", "entry_id", d.Entry.ID, "error", err)
		r.ack(ctx, logger, d)
		r.metrics.Failed("router", time.Since(start))
		return
	}

	switch env.Kind {
	case envelope.KindRegister:
		r.handleRegister(ctx, logger, d, env, start)
	case envelope.KindMessage:
		r.handleMessage(ctx, logger, d, env, start)
	default:
		logger.Warn("discarding entry of unexpected kind",
			"entry_id", d.Entry.ID, "kind", string(env.Kind))
		r.ack(ctx, logger, d)
	}
}

func (r *Router) handleRegister(ctx context.Context, logger *slog.Logger, d stream.Delivery, env envelope.Envelope, start time.Time) {
	if err := r.registry.Register(ctx, env.UserID, env.EndpointID); err != nil {
		// Left pending: registry writes are retryable.
		logger.Error("session registration failed",
			"entry_id", d.Entry.ID, "user_id", env.UserID, "error", err)
		r.metrics.Failed("router", time.Since(start))
		return
	}
	logger.Info("session registered",
		"user_id", env.UserID, "endpoint_id", env.EndpointID)
	r.metrics.SessionRegistered()
	r.ack(ctx, logger, d)
	r.metrics.Processed("router", time.Since(start))
}

func (r *Router) handleMessage(ctx context.Context, logger *slog.Logger, d stream.Delivery, env envelope.Envelope, start time.Time) {
	result, err := r.processor.Process(ctx, env.Payload)
	if err != nil {
		// Left pending for redelivery; the processor may succeed next time.
		logger.Error("processing failed",
			"entry_id", d.Entry.ID,
			"user_id", env.UserID,
			"error", errors.Wrap(err, "Router", "handleMessage", "process payload"))
		r.metrics.Failed("router", time.Since(start))
		return
	}

	if err := r.broadcast(ctx, logger, env, result); err != nil {
		logger.Error("broadcast incomplete, entry left pending",
			"entry_id", d.Entry.ID, "user_id", env.UserID, "error", err)
		r.metrics.Failed("router", time.Since(start))
		return
	}

	r.ack(ctx, logger, d)
	r.metrics.Processed("router", time.Since(start))

	if err := r.registry.Touch(ctx, env.UserID); err != nil {
		logger.Warn("session activity refresh failed", "user_id", env.UserID, "error", err)
	}
}

// broadcast appends the response to every registered endpoint of the user.
// A user with no live sessions still gets the result on the origin endpoint's
// stream, so a reply is never silently discarded.
func (r *Router) broadcast(ctx context.Context, logger *slog.Logger, env envelope.Envelope, result map[string]string) error {
	endpoints, err := r.registry.Endpoints(ctx, env.UserID)
	if err != nil {
		return errors.WrapTransient(err, "Router", "broadcast", "look up sessions")
	}
	if len(endpoints) == 0 {
		endpoints = []string{env.EndpointID}
		logger.Debug("no registered sessions, falling back to origin endpoint",
			"user_id", env.UserID, "endpoint_id", env.EndpointID)
	}

	fields, err := envelope.NewResponse(env, result).Fields()
	if err != nil {
		return errors.WrapInvalid(err, "Router", "broadcast", "build response")
	}

	for _, endpointID := range endpoints {
		target := envelope.ResponseStream(endpointID)
		if _, err := r.transport.Append(ctx, target, fields); err != nil {
			return errors.WrapTransient(err, "Router", "broadcast", "append to "+target)
		}
		logger.Debug("response delivered", "stream", target, "user_id", env.UserID)
	}
	r.metrics.Broadcast(len(endpoints))
	return nil
}

func (r *Router) ack(ctx context.Context, logger *slog.Logger, d stream.Delivery) {
	if err := r.transport.Ack(ctx, r.inbound, r.group, d); err != nil {
		logger.Error("ack failed", "entry_id", d.Entry.ID, "error", err)
	}
}
