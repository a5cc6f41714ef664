package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dioshy/WikiDesk/internal/entry"
	"github.com/Dioshy/WikiDesk/internal/probe"
	"github.com/Dioshy/WikiDesk/internal/queue"
)

// fakeStore is an in-memory stand-in for the central store. It honors
// the idempotency-key contract: re-applying a known key returns the
// existing remote id instead of inserting a second logical record.
type fakeStore struct {
	mu      gosync.Mutex
	entries map[string]int64
	applied []int // minutes of each logical insert, in apply order
	nextID  int64
	failAll bool
	gate    chan struct{} // when set, apply blocks until closed
	started chan struct{} // signaled once an apply is in flight
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]int64)}
}

func (f *fakeStore) apply(ctx context.Context, key string, p entry.Payload) (int64, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		// Honors cancellation while blocked, like a real statement.
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, errors.New("connection refused")
	}
	if id, ok := f.entries[key]; ok {
		return id, nil
	}
	f.nextID++
	f.entries[key] = f.nextID
	f.applied = append(f.applied, p.Minutes)
	return f.nextID, nil
}

func (f *fakeStore) logicalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeStore) appliedMinutes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int{}, f.applied...)
}

func payloadMinutes(minutes int) entry.Payload {
	return entry.Payload{UserID: 42, CourtierID: 7, Minutes: minutes}
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "offline_cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// onlineProbe returns a probe already in the online state whose checks
// always succeed.
func onlineProbe(t *testing.T) *probe.Probe {
	t.Helper()
	p := probe.New(func(ctx context.Context) error { return nil }, time.Second, time.Minute)
	require.True(t, p.Check(context.Background()))
	return p
}

func appendN(t *testing.T, q *queue.Queue, minutes ...int) {
	t.Helper()
	ctx := context.Background()
	for i, m := range minutes {
		_, err := q.Append(ctx, fmt.Sprintf("key-%d", i), payloadMinutes(m))
		require.NoError(t, err)
	}
}

func TestDrainAppliesInCaptureOrder(t *testing.T) {
	q := testQueue(t)
	store := newFakeStore()
	r := NewReconciler(q, onlineProbe(t))
	ctx := context.Background()

	appendN(t, q, 10, 20, 30)

	res, err := r.Drain(ctx, store.apply)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, 0, res.Failed)

	assert.Equal(t, []int{10, 20, 30}, store.appliedMinutes(), "oldest record lands first")

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainTwiceIsIdempotent(t *testing.T) {
	q := testQueue(t)
	store := newFakeStore()
	r := NewReconciler(q, onlineProbe(t))
	ctx := context.Background()

	appendN(t, q, 15)

	// Simulate a crash between apply success and mark_synced: the
	// record was already applied once under its idempotency key.
	records, err := q.ListPending(ctx)
	require.NoError(t, err)
	_, err = store.apply(ctx, records[0].IdempotencyKey, records[0].Payload)
	require.NoError(t, err)

	res, err := r.Drain(ctx, store.apply)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	assert.Equal(t, 1, store.logicalCount(), "exactly one logical record despite double apply")

	// A second full drain finds nothing to do.
	res, err = r.Drain(ctx, store.apply)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
}

func TestDrainIsolatesRecordFailures(t *testing.T) {
	q := testQueue(t)
	store := newFakeStore()
	r := NewReconciler(q, onlineProbe(t))
	ctx := context.Background()

	// Make only the middle record fail by rejecting its key.
	failing := newFakeStore()
	failing.failAll = true
	apply := func(ctx context.Context, key string, p entry.Payload) (int64, error) {
		if key == "key-1" {
			return failing.apply(ctx, key, p)
		}
		return store.apply(ctx, key, p)
	}

	appendN(t, q, 10, 20, 30)

	res, err := r.Drain(ctx, apply)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "failed record stays eligible for the next cycle")
	assert.Equal(t, queue.StatusFailed, pending[0].Status)
	assert.Equal(t, "key-1", pending[0].IdempotencyKey)
	assert.Contains(t, pending[0].LastError, "connection refused")

	// Next cycle retries and succeeds.
	res, err = r.Drain(ctx, store.apply)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 3, store.logicalCount())
}

func TestDrainStopsWhenProbeFlipsOffline(t *testing.T) {
	q := testQueue(t)
	p := onlineProbe(t)
	r := NewReconciler(q, p)
	ctx := context.Background()

	store := newFakeStore()
	apply := func(ctx context.Context, key string, pl entry.Payload) (int64, error) {
		id, err := store.apply(ctx, key, pl)
		// The store vanishes right after the first record lands.
		p.ReportFailure()
		return id, err
	}

	appendN(t, q, 10, 20, 30)

	res, err := r.Drain(ctx, apply)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted, "in-flight record completes, then the cycle stops")
	assert.Equal(t, 1, res.Synced)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "no rollback of the already-synced record")
}

func TestDrainFinishesInFlightRecordOnShutdown(t *testing.T) {
	q := testQueue(t)
	store := newFakeStore()
	store.gate = make(chan struct{})
	store.started = make(chan struct{}, 1)
	r := NewReconciler(q, onlineProbe(t))

	appendN(t, q, 10, 20)

	ctx, cancel := context.WithCancel(context.Background())
	type drainResult struct {
		res SyncCycleResult
		err error
	}
	results := make(chan drainResult, 1)
	go func() {
		res, err := r.Drain(ctx, store.apply)
		results <- drainResult{res, err}
	}()

	// Cancel while the first record's apply is blocked inside the
	// store call, then let the call finish.
	<-store.started
	cancel()
	close(store.gate)

	out := <-results
	require.NoError(t, out.err)
	assert.Equal(t, 1, out.res.Attempted)
	assert.Equal(t, 1, out.res.Synced, "the record in flight at shutdown completes, not aborts")
	assert.Equal(t, 0, out.res.Failed)
	assert.Equal(t, []int{10}, store.appliedMinutes())

	// The cycle stopped before the next record; nothing is lost.
	pending, err := q.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queue.StatusPending, pending[0].Status)
	assert.Equal(t, 20, pending[0].Payload.Minutes)
}

func TestDrainSingleFlight(t *testing.T) {
	q := testQueue(t)
	store := newFakeStore()
	store.gate = make(chan struct{})
	store.started = make(chan struct{}, 1)
	r := NewReconciler(q, onlineProbe(t))
	ctx := context.Background()

	appendN(t, q, 10, 20)

	type drainResult struct {
		res SyncCycleResult
		err error
	}
	results := make(chan drainResult, 2)

	go func() {
		res, err := r.Drain(ctx, store.apply)
		results <- drainResult{res, err}
	}()

	// Wait until the first cycle is mid-apply, then issue a second
	// request that must coalesce instead of starting another pass.
	<-store.started
	go func() {
		res, err := r.Drain(ctx, store.apply)
		results <- drainResult{res, err}
	}()

	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)

	assert.Equal(t, first.res.Synced, second.res.Synced, "coalesced caller shares the cycle result")
	assert.Equal(t, 2, first.res.Synced)
	assert.Equal(t, 2, store.logicalCount(), "exactly one pass over the pending set")
}
