// Package sync provides the reconciliation engine and the orchestration
// loop that ties the local queue, the connectivity probe and the
// broadcast hub together.
package sync

import (
	"context"
	"time"

	"github.com/Dioshy/WikiDesk/internal/entry"
)

// ApplyFunc applies one payload to the central store and returns its
// remote id. It must be safe to call more than once with the same
// idempotency key: a repeated call resolves to the already-inserted
// row instead of creating a duplicate.
type ApplyFunc func(ctx context.Context, idempotencyKey string, p entry.Payload) (int64, error)

// SyncCycleResult is the outcome of one reconciliation pass.
type SyncCycleResult struct {
	Attempted int
	Synced    int
	Failed    int
	Duration  time.Duration
}

// AckStatus distinguishes a write committed to the central store from
// one saved locally for later reconciliation.
type AckStatus string

const (
	// AckCommitted means the write reached the central store.
	AckCommitted AckStatus = "committed"
	// AckBuffered means the write is durable locally and will sync later.
	AckBuffered AckStatus = "buffered"
)

// Ack is the caller-facing acknowledgment of a submitted write.
type Ack struct {
	Status   AckStatus
	RemoteID int64 // set when committed
	LocalID  int64 // set when buffered
}
