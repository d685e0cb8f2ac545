package endpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/syncstream/envelope"
	"github.com/c360/syncstream/errors"
	"github.com/c360/syncstream/stream"
	"github.com/c360/syncstream/stream/memlog"
)

func newTestEndpoint(t *testing.T, transport stream.Transport, user, id string, opts ...Option) *Endpoint {
	t.Helper()
	e, err := New(transport, user, id, opts...)
	require.NoError(t, err)
	return e
}

func TestNew_RequiresIdentity(t *testing.T) {
	transport := memlog.New()

	_, err := New(transport, "", "laptop")
	assert.ErrorIs(t, err, errors.ErrMissingUser)

	_, err = New(transport, "alice", "")
	assert.ErrorIs(t, err, errors.ErrMissingEndpoint)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "session_registered", StatusSessionRegistered.String())
	assert.Equal(t, "receiving", StatusReceiving.String())
	assert.Equal(t, "closed", StatusClosed.String())
	assert.Equal(t, "unknown", Status(42).String())
}

func TestLifecycle_OperationsRequireConnect(t *testing.T) {
	transport := memlog.New()
	e := newTestEndpoint(t, transport, "alice", "laptop")
	ctx := context.Background()

	assert.Equal(t, StatusDisconnected, e.Status())

	err := e.RegisterSession(ctx)
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	_, err = e.Send(ctx, map[string]string{"text": "hi"})
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	require.NoError(t, e.Connect(ctx))
	assert.Equal(t, StatusConnected, e.Status())

	require.NoError(t, e.RegisterSession(ctx))
	assert.Equal(t, StatusSessionRegistered, e.Status())

	e.Close()
	assert.Equal(t, StatusClosed, e.Status())

	err = e.Connect(ctx)
	assert.ErrorIs(t, err, errors.ErrClosed)
	_, err = e.Send(ctx, nil)
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestConnect_Idempotent(t *testing.T) {
	transport := memlog.New()
	e := newTestEndpoint(t, transport, "alice", "laptop")
	ctx := context.Background()

	require.NoError(t, e.Connect(ctx))
	require.NoError(t, e.Connect(ctx))
	assert.Equal(t, StatusConnected, e.Status())
}

func TestRegisterSession_AppendsRegisterEnvelope(t *testing.T) {
	transport := memlog.New()
	e := newTestEndpoint(t, transport, "alice", "laptop")
	ctx := context.Background()

	require.NoError(t, e.Connect(ctx))
	require.NoError(t, e.RegisterSession(ctx))

	reader, err := transport.NewReader(ctx, envelope.DefaultInboundStream, stream.Earliest)
	require.NoError(t, err)
	entries, err := reader.Next(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	env, err := envelope.ParseFields(entries[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, envelope.KindRegister, env.Kind)
	assert.Equal(t, "alice", env.UserID)
	assert.Equal(t, "laptop", env.EndpointID)
}

func TestSend_ReturnsIncreasingIDsAndCorrelates(t *testing.T) {
	transport := memlog.New()
	e := newTestEndpoint(t, transport, "alice", "laptop")
	ctx := context.Background()
	require.NoError(t, e.Connect(ctx))

	id1, err := e.Send(ctx, map[string]string{"text": "first"})
	require.NoError(t, err)
	id2, err := e.Send(ctx, map[string]string{"text": "second"})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	reader, err := transport.NewReader(ctx, envelope.DefaultInboundStream, stream.Earliest)
	require.NoError(t, err)
	entries, err := reader.Next(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first, err := envelope.ParseFields(entries[0].Fields)
	require.NoError(t, err)
	second, err := envelope.ParseFields(entries[1].Fields)
	require.NoError(t, err)
	assert.Equal(t, envelope.KindMessage, first.Kind)
	assert.Equal(t, "first", first.Payload["text"])
	assert.NotEmpty(t, first.CorrelationID)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
}

func TestSend_RejectsReservedPayloadKeys(t *testing.T) {
	transport := memlog.New()
	e := newTestEndpoint(t, transport, "alice", "laptop")
	ctx := context.Background()
	require.NoError(t, e.Connect(ctx))

	_, err := e.Send(ctx, map[string]string{envelope.FieldUserID: "mallory"})
	assert.ErrorIs(t, err, errors.ErrReservedField)
	assert.Equal(t, 0, transport.Len(envelope.DefaultInboundStream))
}

func TestReceive_HandlesAndAcks(t *testing.T) {
	transport := memlog.New()
	e := newTestEndpoint(t, transport, "alice", "laptop",
		WithBlockWait(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Connect(ctx))

	var mu sync.Mutex
	var got []map[string]string
	done := make(chan struct{})
	h := HandlerFunc(func(_ context.Context, fields map[string]string) error {
		mu.Lock()
		got = append(got, fields)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- e.Receive(ctx, h) }()

	waitForStatus(t, e, StatusReceiving)

	fields, err := envelope.NewResponse(
		envelope.NewMessage("alice", "laptop", nil),
		map[string]string{"word": "orange"},
	).Fields()
	require.NoError(t, err)
	_, err = transport.Append(ctx, e.ResponseStream(), fields)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "orange", got[0]["word"])
}

func TestReceive_HandlerFailureLeavesPending(t *testing.T) {
	transport := memlog.New()
	e := newTestEndpoint(t, transport, "alice", "laptop",
		WithConsumerName("fixed"),
		WithBlockWait(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Connect(ctx))

	invoked := make(chan struct{}, 1)
	h := HandlerFunc(func(context.Context, map[string]string) error {
		select {
		case invoked <- struct{}{}:
		default:
		}
		return errors.ErrHandlerFailed
	})

	errCh := make(chan error, 1)
	go func() { errCh <- e.Receive(ctx, h) }()
	waitForStatus(t, e, StatusReceiving)

	fields, err := envelope.NewResponse(
		envelope.NewMessage("alice", "laptop", nil),
		map[string]string{"word": "pear"},
	).Fields()
	require.NoError(t, err)
	_, err = transport.Append(ctx, e.ResponseStream(), fields)
	require.NoError(t, err)

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	cancel()
	require.NoError(t, <-errCh)

	group := envelope.WorkerGroup("laptop")
	assert.Equal(t, 1, transport.PendingCount(e.ResponseStream(), group, "fixed-0"),
		"failed entry stays pending for reclaim")
}

func TestReceive_StartLatestSkipsBacklog(t *testing.T) {
	transport := memlog.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backlog written before the group exists.
	old, err := envelope.NewResponse(
		envelope.NewMessage("alice", "laptop", nil),
		map[string]string{"word": "stale"},
	).Fields()
	require.NoError(t, err)
	_, err = transport.Append(ctx, envelope.ResponseStream("laptop"), old)
	require.NoError(t, err)

	e := newTestEndpoint(t, transport, "alice", "laptop",
		WithBlockWait(20*time.Millisecond))
	require.NoError(t, e.Connect(ctx))

	got := make(chan string, 10)
	h := HandlerFunc(func(_ context.Context, fields map[string]string) error {
		got <- fields["word"]
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- e.Receive(ctx, h) }()
	waitForStatus(t, e, StatusReceiving)

	fresh, err := envelope.NewResponse(
		envelope.NewMessage("alice", "laptop", nil),
		map[string]string{"word": "fresh"},
	).Fields()
	require.NoError(t, err)
	_, err = transport.Append(ctx, e.ResponseStream(), fresh)
	require.NoError(t, err)

	select {
	case word := <-got:
		assert.Equal(t, "fresh", word)
	case <-time.After(2 * time.Second):
		t.Fatal("fresh entry not delivered")
	}

	cancel()
	require.NoError(t, <-errCh)
	select {
	case word := <-got:
		t.Fatalf("backlog entry %q delivered despite latest start", word)
	default:
	}
}

func TestReceive_StartEarliestReplaysBacklog(t *testing.T) {
	transport := memlog.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old, err := envelope.NewResponse(
		envelope.NewMessage("alice", "laptop", nil),
		map[string]string{"word": "backlog"},
	).Fields()
	require.NoError(t, err)
	_, err = transport.Append(ctx, envelope.ResponseStream("laptop"), old)
	require.NoError(t, err)

	e := newTestEndpoint(t, transport, "alice", "laptop",
		WithStart(stream.StartEarliest),
		WithBlockWait(20*time.Millisecond))
	require.NoError(t, e.Connect(ctx))

	got := make(chan string, 1)
	h := HandlerFunc(func(_ context.Context, fields map[string]string) error {
		got <- fields["word"]
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- e.Receive(ctx, h) }()

	select {
	case word := <-got:
		assert.Equal(t, "backlog", word)
	case <-time.After(2 * time.Second):
		t.Fatal("backlog entry not delivered")
	}

	cancel()
	require.NoError(t, <-errCh)
}

// Two endpoints that reuse the same endpoint identity share a consumer group
// and therefore split the response stream between them instead of each
// receiving every entry.
func TestSharedIdentity_SplitsDeliveries(t *testing.T) {
	transport := memlog.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 20
	var mu sync.Mutex
	var delivered int
	allSeen := make(chan struct{})

	h := HandlerFunc(func(context.Context, map[string]string) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		if delivered == total {
			close(allSeen)
		}
		return nil
	})

	a := newTestEndpoint(t, transport, "alice", "tablet",
		WithConsumerName("proc-a"), WithBlockWait(20*time.Millisecond))
	b := newTestEndpoint(t, transport, "alice", "tablet",
		WithConsumerName("proc-b"), WithBlockWait(20*time.Millisecond))
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))

	errs := make(chan error, 2)
	go func() { errs <- a.Receive(ctx, h) }()
	go func() { errs <- b.Receive(ctx, h) }()
	waitForStatus(t, a, StatusReceiving)
	waitForStatus(t, b, StatusReceiving)

	for i := 0; i < total; i++ {
		fields, err := envelope.NewResponse(
			envelope.NewMessage("alice", "tablet", nil),
			map[string]string{"n": "x"},
		).Fields()
		require.NoError(t, err)
		_, err = transport.Append(ctx, envelope.ResponseStream("tablet"), fields)
		require.NoError(t, err)
	}

	select {
	case <-allSeen:
	case <-time.After(5 * time.Second):
		mu.Lock()
		n := delivered
		mu.Unlock()
		t.Fatalf("only %d of %d entries delivered", n, total)
	}

	cancel()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	// Each entry was delivered to exactly one of the two instances.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total, delivered)
}

func TestClaimStale_ReprocessesAbandonedEntries(t *testing.T) {
	transport := memlog.New()
	ctx := context.Background()

	e := newTestEndpoint(t, transport, "alice", "laptop",
		WithConsumerName("fixed"),
		WithStart(stream.StartEarliest))
	require.NoError(t, e.Connect(ctx))

	fields, err := envelope.NewResponse(
		envelope.NewMessage("alice", "laptop", nil),
		map[string]string{"word": "lost"},
	).Fields()
	require.NoError(t, err)
	_, err = transport.Append(ctx, e.ResponseStream(), fields)
	require.NoError(t, err)

	// Deliver to a consumer that never acks, simulating a crashed worker.
	group := envelope.WorkerGroup("laptop")
	deliveries, err := transport.ReadGroup(ctx, e.ResponseStream(), group, "crashed", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	got := make(chan string, 1)
	h := HandlerFunc(func(_ context.Context, f map[string]string) error {
		got <- f["word"]
		return nil
	})

	handled, err := e.ClaimStale(ctx, h, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, "lost", <-got)
	assert.Equal(t, 0, transport.PendingCount(e.ResponseStream(), group, "crashed"))
}

func TestClose_StopsReceive(t *testing.T) {
	transport := memlog.New()
	e := newTestEndpoint(t, transport, "alice", "laptop",
		WithBlockWait(20*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, e.Connect(ctx))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Receive(ctx, nil) }()
	waitForStatus(t, e, StatusReceiving)

	e.Close()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not stop after close")
	}
	assert.Equal(t, StatusClosed, e.Status())
}

func waitForStatus(t *testing.T, e *Endpoint, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("endpoint never reached status %s", want)
}
