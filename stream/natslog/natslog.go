// Package natslog implements stream.Transport on NATS JetStream.
//
// Each logical stream maps to one JetStream stream with a single subject
// under a configurable prefix; entry IDs are stream sequence numbers, which
// strictly increase. Consumer groups map to durable pull consumers with
// explicit acknowledgment: every puller on the same durable competes for
// deliveries, and unacknowledged entries are redelivered after the ack wait
// elapses.
//
// One semantic divergence from the in-memory transport is deliberate:
// JetStream tracks pending entries per delivery rather than per consumer
// name, so stale entries flow back through ReadGroup automatically once the
// ack wait expires. ClaimStale therefore delegates to ReadGroup instead of
// transferring ownership explicitly.
package natslog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/syncstream/errors"
	"github.com/c360/syncstream/natsclient"
	"github.com/c360/syncstream/stream"
)

// DefaultAckWait is how long a delivered entry may stay unacknowledged before
// JetStream redelivers it to another consumer in the group.
const DefaultAckWait = 30 * time.Second

// NatsLog is a stream.Transport backed by JetStream.
type NatsLog struct {
	client  *natsclient.Client
	prefix  string
	ackWait time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
}

// Option configures a NatsLog.
type Option func(*NatsLog)

// WithPrefix sets the namespace prefix for JetStream stream names and
// subjects. Defaults to "sync".
func WithPrefix(prefix string) Option {
	return func(n *NatsLog) {
		if prefix != "" {
			n.prefix = prefix
		}
	}
}

// WithAckWait sets how long deliveries stay pending before redelivery.
func WithAckWait(d time.Duration) Option {
	return func(n *NatsLog) {
		if d > 0 {
			n.ackWait = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *NatsLog) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New creates a JetStream transport on an established client connection.
func New(client *natsclient.Client, opts ...Option) *NatsLog {
	n := &NatsLog{
		client:    client,
		prefix:    "sync",
		ackWait:   DefaultAckWait,
		logger:    slog.Default(),
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *NatsLog) streamName(name string) string {
	return n.prefix + "-" + name
}

func (n *NatsLog) subject(name string) string {
	return n.prefix + "." + name
}

// ensureStream lazily creates the backing JetStream stream, mirroring the
// implicit creation-on-first-write the transport contract requires.
func (n *NatsLog) ensureStream(ctx context.Context, name string) (jetstream.Stream, error) {
	n.mu.Lock()
	if s, ok := n.streams[name]; ok {
		n.mu.Unlock()
		return s, nil
	}
	n.mu.Unlock()

	js, err := n.client.JetStream()
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrTransportUnavailable, err),
			"NatsLog", "ensureStream", "get JetStream context")
	}

	cfg := jetstream.StreamConfig{
		Name:     n.streamName(name),
		Subjects: []string{n.subject(name)},
	}
	s, err := js.CreateStream(ctx, cfg)
	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return nil, errors.WrapTransient(err, "NatsLog", "ensureStream", "create stream "+name)
		}
		s, err = js.Stream(ctx, cfg.Name)
		if err != nil {
			return nil, errors.WrapTransient(err, "NatsLog", "ensureStream", "open stream "+name)
		}
	}

	n.mu.Lock()
	n.streams[name] = s
	n.mu.Unlock()
	return s, nil
}

// Append publishes an entry and returns its stream sequence as the entry ID.
func (n *NatsLog) Append(ctx context.Context, name string, fields map[string]string) (uint64, error) {
	if _, err := n.ensureStream(ctx, name); err != nil {
		return 0, err
	}

	js, err := n.client.JetStream()
	if err != nil {
		return 0, errors.WrapTransient(err, "NatsLog", "Append", "get JetStream context")
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return 0, errors.WrapInvalid(err, "NatsLog", "Append", "encode fields")
	}

	ack, err := js.Publish(ctx, n.subject(name), data)
	if err != nil {
		return 0, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrTransportUnavailable, err),
			"NatsLog", "Append", "publish to "+name)
	}
	return ack.Sequence, nil
}

func decodeEntry(msg jetstream.Msg) (stream.Entry, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return stream.Entry{}, err
	}
	var fields map[string]string
	if err := json.Unmarshal(msg.Data(), &fields); err != nil {
		return stream.Entry{}, err
	}
	return stream.Entry{ID: meta.Sequence.Stream, Fields: fields}, nil
}

// EnsureGroup idempotently creates a durable pull consumer for the group.
func (n *NatsLog) EnsureGroup(ctx context.Context, name, group string, start stream.Start) error {
	if _, err := n.ensureStream(ctx, name); err != nil {
		return err
	}

	js, err := n.client.JetStream()
	if err != nil {
		return errors.WrapTransient(err, "NatsLog", "EnsureGroup", "get JetStream context")
	}

	deliver := jetstream.DeliverNewPolicy
	if start == stream.StartEarliest {
		deliver = jetstream.DeliverAllPolicy
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliver,
		AckWait:       n.ackWait,
		FilterSubject: n.subject(name),
	}
	_, err = js.CreateConsumer(ctx, n.streamName(name), cfg)
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerExists) {
			// Confirmation, not a failure: the group's delivery position is
			// left untouched.
			n.logger.Info("consumer group already exists", "stream", name, "group", group)
			return nil
		}
		return errors.WrapTransient(err, "NatsLog", "EnsureGroup", "create consumer "+group)
	}
	return nil
}

// groupConsumer returns a cached handle to the group's durable consumer.
func (n *NatsLog) groupConsumer(ctx context.Context, name, group string) (jetstream.Consumer, error) {
	key := name + "/" + group

	n.mu.Lock()
	if c, ok := n.consumers[key]; ok {
		n.mu.Unlock()
		return c, nil
	}
	n.mu.Unlock()

	js, err := n.client.JetStream()
	if err != nil {
		return nil, err
	}
	c, err := js.Consumer(ctx, n.streamName(name), group)
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, errors.Wrap(errors.ErrGroupNotFound, "NatsLog", "groupConsumer", group)
		}
		return nil, err
	}

	n.mu.Lock()
	n.consumers[key] = c
	n.mu.Unlock()
	return c, nil
}

// ReadGroup fetches up to max entries for a competing consumer. The consumer
// name identifies the worker in logs; JetStream itself balances deliveries
// across all pullers of the shared durable.
func (n *NatsLog) ReadGroup(
	ctx context.Context,
	name, group, consumer string,
	max int,
	block time.Duration,
) ([]stream.Delivery, error) {
	c, err := n.groupConsumer(ctx, name, group)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 10
	}

	batch, err := c.Fetch(max, jetstream.FetchMaxWait(block))
	if err != nil {
		return nil, errors.WrapTransient(err, "NatsLog", "ReadGroup", "fetch from "+group)
	}

	var deliveries []stream.Delivery
	for msg := range batch.Messages() {
		entry, err := decodeEntry(msg)
		if err != nil {
			// Undecodable entries are terminated so they don't clog the
			// pending list forever; they can never be processed.
			n.logger.Warn("terminating undecodable entry",
				"stream", name, "group", group, "consumer", consumer, "error", err)
			_ = msg.Term()
			continue
		}
		deliveries = append(deliveries, stream.NewDelivery(entry, msg))
	}
	if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		return deliveries, errors.WrapTransient(err, "NatsLog", "ReadGroup", "drain fetch batch")
	}
	return deliveries, nil
}

// Ack acknowledges a delivery.
func (n *NatsLog) Ack(_ context.Context, _, _ string, d stream.Delivery) error {
	msg, ok := d.Token().(jetstream.Msg)
	if !ok {
		return errors.WrapInvalid(errors.ErrNotDelivered, "NatsLog", "Ack", "delivery token type")
	}
	if err := msg.Ack(); err != nil {
		return errors.WrapTransient(err, "NatsLog", "Ack", "ack message")
	}
	return nil
}

// ClaimStale delegates to ReadGroup: JetStream redelivers entries whose ack
// wait has expired through the normal fetch path, so abandoned entries are
// reclaimed by whichever group member fetches next. minIdle is advisory here;
// the consumer's ack wait governs staleness.
func (n *NatsLog) ClaimStale(
	ctx context.Context,
	name, group, consumer string,
	minIdle time.Duration,
	max int,
) ([]stream.Delivery, error) {
	if minIdle != n.ackWait {
		n.logger.Debug("claim staleness is governed by the consumer ack wait",
			"stream", name, "group", group, "min_idle", minIdle, "ack_wait", n.ackWait)
	}
	return n.ReadGroup(ctx, name, group, consumer, max, time.Second)
}

// NewReader opens an ordered ephemeral consumer at the cursor position.
func (n *NatsLog) NewReader(ctx context.Context, name string, from stream.Cursor) (stream.Reader, error) {
	if _, err := n.ensureStream(ctx, name); err != nil {
		return nil, err
	}

	js, err := n.client.JetStream()
	if err != nil {
		return nil, errors.WrapTransient(err, "NatsLog", "NewReader", "get JetStream context")
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{n.subject(name)},
	}
	switch {
	case from.IsLatest():
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	case from.AfterID() == 0:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	default:
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = from.AfterID() + 1
	}

	oc, err := js.OrderedConsumer(ctx, n.streamName(name), cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "NatsLog", "NewReader", "create ordered consumer")
	}
	return &reader{consumer: oc, logger: n.logger}, nil
}

type reader struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
	closed   bool
}

func (r *reader) Next(ctx context.Context, max int, block time.Duration) ([]stream.Entry, error) {
	if r.closed {
		return nil, errors.ErrClosed
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if max <= 0 {
		max = 10
	}

	batch, err := r.consumer.Fetch(max, jetstream.FetchMaxWait(block))
	if err != nil {
		return nil, errors.WrapTransient(err, "Reader", "Next", "fetch")
	}

	var entries []stream.Entry
	for msg := range batch.Messages() {
		entry, err := decodeEntry(msg)
		if err != nil {
			r.logger.Warn("skipping undecodable entry", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		return entries, errors.WrapTransient(err, "Reader", "Next", "drain fetch batch")
	}
	return entries, nil
}

func (r *reader) Close() error {
	r.closed = true
	return nil
}

var _ stream.Transport = (*NatsLog)(nil)
