package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dioshy/WikiDesk/internal/entry"
)

func testPayload(minutes int) entry.Payload {
	return entry.Payload{
		UserID:     42,
		CourtierID: 7,
		Minutes:    minutes,
		ActeType:   "Production",
		ClientName: "Dupont",
	}
}

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline_cache.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, path
}

func TestAppendAndListPending(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	id1, err := q.Append(ctx, uuid.NewString(), testPayload(15))
	require.NoError(t, err)
	id2, err := q.Append(ctx, uuid.NewString(), testPayload(30))
	require.NoError(t, err)
	assert.Greater(t, id2, id1, "local ids are monotonic")

	records, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Oldest first
	assert.Equal(t, id1, records[0].LocalID)
	assert.Equal(t, id2, records[1].LocalID)
	assert.Equal(t, StatusPending, records[0].Status)
	assert.Equal(t, 15, records[0].Payload.Minutes)
	assert.Equal(t, 30, records[1].Payload.Minutes)
	assert.NotEmpty(t, records[0].IdempotencyKey)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline_cache.db")
	ctx := context.Background()

	q, err := Open(path)
	require.NoError(t, err)

	p := testPayload(25)
	p.Description = "appel client"
	localID, err := q.Append(ctx, "key-durable", p)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	// Simulated process restart.
	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()

	records, err := q2.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, localID, records[0].LocalID)
	assert.Equal(t, "key-durable", records[0].IdempotencyKey)
	assert.Equal(t, StatusPending, records[0].Status)
	assert.Equal(t, p, records[0].Payload)
}

func TestMarkSynced(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	localID, err := q.Append(ctx, uuid.NewString(), testPayload(10))
	require.NoError(t, err)

	require.NoError(t, q.MarkSynced(ctx, localID))

	records, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, records, "synced records are excluded from the drain set")

	// Idempotent: second call is a no-op, not an error.
	require.NoError(t, q.MarkSynced(ctx, localID))
}

func TestMarkFailedKeepsRecordEligible(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	localID, err := q.Append(ctx, uuid.NewString(), testPayload(10))
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, localID, "connection refused"))
	require.NoError(t, q.MarkFailed(ctx, localID, "connection refused"))

	records, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "failed records stay eligible for the next drain")
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Equal(t, 2, records[0].AttemptCount)
	assert.Equal(t, "connection refused", records[0].LastError)
}

func TestSyncedRecordIsNeverMutated(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	localID, err := q.Append(ctx, uuid.NewString(), testPayload(10))
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, localID))

	// A late MarkFailed (e.g. a racing retry) must not resurrect it.
	require.NoError(t, q.MarkFailed(ctx, localID, "late failure"))

	records, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMarkUnknownRecord(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	err := q.MarkSynced(ctx, 9999)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountPending(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	count, err := q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	id1, err := q.Append(ctx, uuid.NewString(), testPayload(10))
	require.NoError(t, err)
	_, err = q.Append(ctx, uuid.NewString(), testPayload(20))
	require.NoError(t, err)

	count, err = q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, q.MarkSynced(ctx, id1))
	count, err = q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAppendAfterClose(t *testing.T) {
	q, _ := openTestQueue(t)
	require.NoError(t, q.Close())

	_, err := q.Append(context.Background(), uuid.NewString(), testPayload(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
}
