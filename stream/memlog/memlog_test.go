package memlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/syncstream/stream"
)

func appendN(t *testing.T, m *Memlog, name string, n int) []uint64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		id, err := m.Append(ctx, name, map[string]string{"n": fmt.Sprint(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestAppend_IDsStrictlyIncrease(t *testing.T) {
	m := New()
	ids := appendN(t, m, "requests", 10)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
	assert.Equal(t, 10, m.Len("requests"))
}

func TestAppend_CreatesStreamImplicitly(t *testing.T) {
	m := New()
	id, err := m.Append(context.Background(), "never-seen-before", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestAppend_CopiesFields(t *testing.T) {
	m := New()
	ctx := context.Background()
	fields := map[string]string{"k": "v"}
	_, err := m.Append(ctx, "s", fields)
	require.NoError(t, err)
	fields["k"] = "mutated"

	r, err := m.NewReader(ctx, "s", stream.Earliest)
	require.NoError(t, err)
	entries, err := r.Next(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v", entries[0].Fields["k"])
}

func TestReader_EarliestSeesBacklog(t *testing.T) {
	m := New()
	appendN(t, m, "s", 5)

	r, err := m.NewReader(context.Background(), "s", stream.Earliest)
	require.NoError(t, err)
	entries, err := r.Next(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestReader_LatestSkipsBacklog(t *testing.T) {
	m := New()
	ctx := context.Background()
	appendN(t, m, "s", 5)

	r, err := m.NewReader(ctx, "s", stream.Latest)
	require.NoError(t, err)

	// Nothing yet: backlog is invisible to a latest reader.
	entries, err := r.Next(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	appendN(t, m, "s", 3)
	entries, err = r.Next(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestReader_AfterCursor(t *testing.T) {
	m := New()
	ctx := context.Background()
	ids := appendN(t, m, "s", 5)

	r, err := m.NewReader(ctx, "s", stream.After(ids[2]))
	require.NoError(t, err)
	entries, err := r.Next(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[3], entries[0].ID)
	assert.Equal(t, ids[4], entries[1].ID)
}

func TestReader_BlockingTimeoutIsEmptyNotError(t *testing.T) {
	m := New()
	r, err := m.NewReader(context.Background(), "s", stream.Latest)
	require.NoError(t, err)

	start := time.Now()
	entries, err := r.Next(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReader_WakesOnAppend(t *testing.T) {
	m := New()
	ctx := context.Background()
	r, err := m.NewReader(ctx, "s", stream.Latest)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Append(ctx, "s", map[string]string{"k": "v"})
	}()

	entries, err := r.Next(ctx, 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReader_ContextCancellation(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	r, err := m.NewReader(ctx, "s", stream.Latest)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = r.Next(ctx, 10, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	m := New()
	ctx := context.Background()
	appendN(t, m, "s", 3)

	require.NoError(t, m.EnsureGroup(ctx, "s", "g", stream.StartLatest))
	cursor, ok := m.GroupCursor("s", "g")
	require.True(t, ok)

	// Recreating the group is confirmation, not an error, and the delivery
	// position is untouched even with a different start.
	require.NoError(t, m.EnsureGroup(ctx, "s", "g", stream.StartEarliest))
	cursorAfter, ok := m.GroupCursor("s", "g")
	require.True(t, ok)
	assert.Equal(t, cursor, cursorAfter)
}

func TestEnsureGroup_StartPositions(t *testing.T) {
	m := New()
	ctx := context.Background()

	// 5 pre-existing entries.
	appendN(t, m, "s", 5)

	require.NoError(t, m.EnsureGroup(ctx, "s", "backlog", stream.StartEarliest))
	require.NoError(t, m.EnsureGroup(ctx, "s", "fresh", stream.StartLatest))

	// 3 new entries after group creation.
	appendN(t, m, "s", 3)

	all, err := m.ReadGroup(ctx, "s", "backlog", "c1", 100, 0)
	require.NoError(t, err)
	assert.Len(t, all, 8, "earliest group replays the full backlog")

	fresh, err := m.ReadGroup(ctx, "s", "fresh", "c1", 100, 0)
	require.NoError(t, err)
	assert.Len(t, fresh, 3, "latest group sees only entries appended after creation")
}

func TestReadGroup_UnknownGroup(t *testing.T) {
	m := New()
	_, err := m.ReadGroup(context.Background(), "s", "nope", "c", 10, 0)
	assert.Error(t, err)
}

func TestReadGroup_CompetingConsumersPartitionDelivery(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g", stream.StartEarliest))

	const total = 200
	appendN(t, m, "s", total)

	const workers = 4
	var mu sync.Mutex
	acked := make(map[uint64]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			consumer := fmt.Sprintf("worker-%d", w)
			for {
				deliveries, err := m.ReadGroup(ctx, "s", "g", consumer, 7, 0)
				if !assert.NoError(t, err) {
					return
				}
				if len(deliveries) == 0 {
					return
				}
				for _, d := range deliveries {
					mu.Lock()
					prev, dup := acked[d.Entry.ID]
					acked[d.Entry.ID] = consumer
					mu.Unlock()
					assert.False(t, dup, "entry %d delivered to both %s and %s", d.Entry.ID, prev, consumer)
					assert.NoError(t, m.Ack(ctx, "s", "g", d))
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, acked, total, "union of acknowledged entries equals all appended entries")
	assert.Equal(t, 0, m.PendingCount("s", "g", ""))
}

func TestAck_RemovesFromPending(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g", stream.StartEarliest))
	appendN(t, m, "s", 2)

	deliveries, err := m.ReadGroup(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, 2, m.PendingCount("s", "g", "c1"))

	require.NoError(t, m.Ack(ctx, "s", "g", deliveries[0]))
	assert.Equal(t, 1, m.PendingCount("s", "g", "c1"))

	// Double-ack is a no-op.
	require.NoError(t, m.Ack(ctx, "s", "g", deliveries[0]))
	assert.Equal(t, 1, m.PendingCount("s", "g", "c1"))
}

func TestClaimStale_ReassignsAbandonedEntries(t *testing.T) {
	now := time.Now()
	clock := now
	var clockMu sync.Mutex
	m := New(WithClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}))
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g", stream.StartEarliest))
	appendN(t, m, "s", 3)

	// crashed consumer claims all three and never acks
	deliveries, err := m.ReadGroup(ctx, "s", "g", "crashed", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)

	// Too fresh to claim.
	claimed, err := m.ClaimStale(ctx, "s", "g", "rescuer", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clockMu.Lock()
	clock = now.Add(2 * time.Minute)
	clockMu.Unlock()

	claimed, err = m.ClaimStale(ctx, "s", "g", "rescuer", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, 3, m.PendingCount("s", "g", "rescuer"))
	assert.Equal(t, 0, m.PendingCount("s", "g", "crashed"))

	for _, d := range claimed {
		require.NoError(t, m.Ack(ctx, "s", "g", d))
	}
	assert.Equal(t, 0, m.PendingCount("s", "g", ""))
}

func TestClaimStale_RespectsMax(t *testing.T) {
	now := time.Now()
	m := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g", stream.StartEarliest))
	appendN(t, m, "s", 5)

	_, err := m.ReadGroup(ctx, "s", "g", "crashed", 10, 0)
	require.NoError(t, err)

	claimed, err := m.ClaimStale(ctx, "s", "g", "rescuer", 0, 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestGroups_AreIndependent(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g1", stream.StartEarliest))
	require.NoError(t, m.EnsureGroup(ctx, "s", "g2", stream.StartEarliest))
	appendN(t, m, "s", 4)

	d1, err := m.ReadGroup(ctx, "s", "g1", "c", 10, 0)
	require.NoError(t, err)
	d2, err := m.ReadGroup(ctx, "s", "g2", "c", 10, 0)
	require.NoError(t, err)

	// Each group sees the full sequence from its own starting point.
	assert.Len(t, d1, 4)
	assert.Len(t, d2, 4)
}

func TestReadGroup_OrderWithinConsumer(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g", stream.StartEarliest))
	appendN(t, m, "s", 20)

	var last uint64
	for {
		deliveries, err := m.ReadGroup(ctx, "s", "g", "only", 3, 0)
		require.NoError(t, err)
		if len(deliveries) == 0 {
			break
		}
		for _, d := range deliveries {
			assert.Greater(t, d.Entry.ID, last, "delivery order is non-decreasing within one consumer")
			last = d.Entry.ID
			require.NoError(t, m.Ack(ctx, "s", "g", d))
		}
	}
}

func TestReadGroup_BlocksUntilAppend(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g", stream.StartLatest))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Append(ctx, "s", map[string]string{"k": "v"})
	}()

	deliveries, err := m.ReadGroup(ctx, "s", "g", "c", 10, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)
}
