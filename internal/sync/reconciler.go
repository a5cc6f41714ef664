package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Dioshy/WikiDesk/internal/probe"
	"github.com/Dioshy/WikiDesk/internal/queue"
	"github.com/Dioshy/WikiDesk/internal/retry"
)

// Reconciler drains the local queue into the central store. At most one
// drain cycle runs at a time; a drain requested while one is in flight
// waits for and shares the in-progress cycle's result.
type Reconciler struct {
	queue  *queue.Queue
	probe  *probe.Probe
	group  singleflight.Group
	logger *logrus.Entry
}

// NewReconciler creates a reconciler over the given queue and probe.
func NewReconciler(q *queue.Queue, p *probe.Probe) *Reconciler {
	return &Reconciler{
		queue:  q,
		probe:  p,
		logger: logrus.WithField("component", "reconciler"),
	}
}

// Drain applies all pending records in capture order. Concurrent calls
// coalesce into the cycle already in progress.
func (r *Reconciler) Drain(ctx context.Context, apply ApplyFunc) (SyncCycleResult, error) {
	v, err, shared := r.group.Do("drain", func() (any, error) {
		return r.drain(ctx, apply)
	})
	if shared {
		r.logger.Debug("Drain request coalesced into cycle in progress")
	}
	if err != nil {
		return SyncCycleResult{}, err
	}
	return v.(SyncCycleResult), nil
}

func (r *Reconciler) drain(ctx context.Context, apply ApplyFunc) (SyncCycleResult, error) {
	start := time.Now()
	var res SyncCycleResult

	records, err := r.queue.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load pending records: %w", err)
	}
	if len(records) == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}

	r.logger.WithField("count", len(records)).Info("Starting drain cycle")

	// Shutdown is honored between records only. The record in flight
	// runs on a detached context so a cancelled ctx cannot abort the
	// apply midway and leave it half-committed; the loop stops before
	// the next record instead.
	recordCtx := context.WithoutCancel(ctx)

	for _, rec := range records {
		// Stop between records on shutdown or when the probe flips
		// offline; already-synced records are not rolled back.
		if ctx.Err() != nil {
			r.logger.Info("Drain interrupted by shutdown, returning partial result")
			break
		}
		if !r.probe.Online() {
			r.logger.Warn("Central store went offline mid-drain, returning partial result")
			break
		}

		res.Attempted++

		var remoteID int64
		err := retry.WithOperation(recordCtx, retry.ApplyDefaults(), func() error {
			id, applyErr := apply(recordCtx, rec.IdempotencyKey, rec.Payload)
			if applyErr != nil {
				return applyErr
			}
			remoteID = id
			return nil
		}, "apply buffered entry")

		if err != nil {
			res.Failed++
			r.logger.WithError(err).WithFields(logrus.Fields{
				"local_id": rec.LocalID,
				"attempts": rec.AttemptCount + 1,
			}).Error("Failed to apply buffered entry, will retry next cycle")
			if markErr := r.queue.MarkFailed(recordCtx, rec.LocalID, err.Error()); markErr != nil {
				res.Duration = time.Since(start)
				return res, fmt.Errorf("failed to record apply failure for %d: %w", rec.LocalID, markErr)
			}
			continue
		}

		if markErr := r.queue.MarkSynced(recordCtx, rec.LocalID); markErr != nil {
			// Queue storage failure is shared infrastructure, not a
			// per-record problem: abort the cycle. The record will be
			// re-applied next cycle and absorbed by its idempotency key.
			res.Duration = time.Since(start)
			return res, fmt.Errorf("failed to mark %d synced: %w", rec.LocalID, markErr)
		}

		res.Synced++
		r.logger.WithFields(logrus.Fields{
			"local_id":  rec.LocalID,
			"remote_id": remoteID,
		}).Info("Buffered entry synced to central store")
	}

	res.Duration = time.Since(start)
	r.logger.WithFields(logrus.Fields{
		"attempted": res.Attempted,
		"synced":    res.Synced,
		"failed":    res.Failed,
		"duration":  res.Duration,
	}).Info("Drain cycle completed")

	return res, nil
}
