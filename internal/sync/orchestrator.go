package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Dioshy/WikiDesk/internal/entry"
	"github.com/Dioshy/WikiDesk/internal/hub"
	"github.com/Dioshy/WikiDesk/internal/probe"
	"github.com/Dioshy/WikiDesk/internal/queue"
)

// ErrOffline is returned when an operation requires the central store
// and the probe reports it unreachable.
var ErrOffline = errors.New("central store is offline")

// Service orchestrates the write path, the connectivity probe, the
// reconciliation timer and the broadcast hub.
type Service struct {
	queue         *queue.Queue
	probe         *probe.Probe
	hub           *hub.Hub
	reconciler    *Reconciler
	apply         ApplyFunc
	drainInterval time.Duration
	logger        *logrus.Entry
}

// NewService creates a new synchronization service.
func NewService(q *queue.Queue, p *probe.Probe, h *hub.Hub, apply ApplyFunc, drainInterval time.Duration) *Service {
	return &Service{
		queue:         q,
		probe:         p,
		hub:           h,
		reconciler:    NewReconciler(q, p),
		apply:         apply,
		drainInterval: drainInterval,
		logger:        logrus.WithField("component", "orchestrator"),
	}
}

// Start begins the orchestration loops and blocks until ctx is
// cancelled. The initial online/offline state comes from an immediate
// probe check; an Offline→Online transition triggers a drain without
// waiting for the next scheduled tick.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting wikidesk synchronization")

	s.probe.OnTransition(func(online bool) {
		if online {
			go func() {
				if _, err := s.drainAndBroadcast(ctx); err != nil && ctx.Err() == nil {
					s.logger.WithError(err).Error("Drain after reconnect failed")
				}
			}()
		}
	})

	if s.probe.Check(ctx) {
		s.logger.Info("Starting in online state")
	} else {
		s.logger.Warn("Central store unreachable, starting in offline state")
	}

	errChan := make(chan error, 2)

	go func() {
		errChan <- s.probe.Run(ctx)
	}()

	go func() {
		errChan <- s.runDrainLoop(ctx)
	}()

	select {
	case err := <-errChan:
		if ctx.Err() != nil {
			s.logger.Info("Synchronization stopped due to context cancellation")
			return ctx.Err()
		}
		return fmt.Errorf("sync error: %w", err)
	case <-ctx.Done():
		s.logger.Info("Synchronization stopped due to context cancellation")
		return ctx.Err()
	}
}

// runDrainLoop triggers a drain attempt on a fixed interval while online.
func (s *Service) runDrainLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.probe.Online() {
				continue
			}
			if _, err := s.drainAndBroadcast(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("Scheduled drain failed")
			}
		}
	}
}

// drainAndBroadcast runs one reconciliation cycle and notifies all
// connected clients when anything was synced.
func (s *Service) drainAndBroadcast(ctx context.Context) (SyncCycleResult, error) {
	res, err := s.reconciler.Drain(ctx, s.apply)
	if err != nil {
		return res, err
	}

	if res.Synced > 0 {
		s.hub.Publish(hub.SyncCompleted{
			Attempted:  res.Attempted,
			Synced:     res.Synced,
			Failed:     res.Failed,
			DurationMs: res.Duration.Milliseconds(),
		}, hub.ScopeAll())
		s.hub.Publish(hub.StatsUpdateNeeded{}, hub.ScopeAll())
	}

	return res, nil
}

// Submit is the caller-facing write path. Online, the payload is
// applied directly; offline, it is buffered durably and the ack says
// so, never pretending the write is fully committed.
func (s *Service) Submit(ctx context.Context, p entry.Payload) (Ack, error) {
	return s.submit(ctx, p, "")
}

func (s *Service) submit(ctx context.Context, p entry.Payload, originClientID string) (Ack, error) {
	if err := p.Validate(); err != nil {
		return Ack{}, err
	}

	idempotencyKey := uuid.NewString()

	if s.probe.Online() {
		remoteID, err := s.apply(ctx, idempotencyKey, p)
		if err == nil {
			scope := hub.ScopeAll()
			if originClientID != "" {
				scope = hub.ScopeAllExcept(originClientID)
			}
			s.hub.Publish(hub.EntryUpdated{Action: "created", RemoteID: remoteID, Entry: p}, scope)
			s.hub.Publish(hub.StatsUpdateNeeded{}, hub.ScopeAll())
			return Ack{Status: AckCommitted, RemoteID: remoteID}, nil
		}

		// A failed direct apply is evidence of an outage: flip offline
		// and buffer the same payload under the same idempotency key so
		// a partially-applied insert cannot duplicate on retry. The
		// error is still surfaced to the caller once.
		s.logger.WithError(err).Warn("Direct apply failed, switching to buffered writes")
		s.probe.ReportFailure()

		localID, queueErr := s.queue.Append(ctx, idempotencyKey, p)
		if queueErr != nil {
			return Ack{}, fmt.Errorf("direct apply failed (%v) and buffering failed: %w", err, queueErr)
		}
		return Ack{Status: AckBuffered, LocalID: localID},
			fmt.Errorf("entry buffered locally after direct apply failure: %w", err)
	}

	localID, err := s.queue.Append(ctx, idempotencyKey, p)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Status: AckBuffered, LocalID: localID}, nil
}

// DrainNow runs an immediate reconciliation cycle on explicit request.
func (s *Service) DrainNow(ctx context.Context) (SyncCycleResult, error) {
	if !s.probe.Online() {
		return SyncCycleResult{}, ErrOffline
	}
	return s.drainAndBroadcast(ctx)
}

// HandleMessage dispatches decoded inbound hub messages.
func (s *Service) HandleMessage(ctx context.Context, c *hub.Client, msg hub.InboundMessage) {
	switch m := msg.(type) {
	case hub.EntrySubmitted:
		ack, err := s.submit(ctx, m.Entry, c.ID)
		if err != nil {
			s.logger.WithError(err).WithField("client_id", c.ID).Warn("Client entry submission failed")
		}
		if ack.Status == AckBuffered {
			s.hub.SendTo(c.ID, hub.SystemMessage{
				Message: "entry saved locally, will sync when the server is reachable",
				Type:    "warning",
			})
		}

	case hub.SyncRequest:
		res, err := s.DrainNow(ctx)
		if err != nil {
			s.logger.WithError(err).WithField("client_id", c.ID).Warn("Client sync request failed")
			s.hub.SendTo(c.ID, hub.SystemMessage{Message: "sync failed: central store unreachable", Type: "error"})
			return
		}
		// A cycle that synced anything was already broadcast to all;
		// answer directly only so an empty cycle is still acknowledged.
		if res.Synced == 0 {
			s.hub.SendTo(c.ID, hub.SyncCompleted{
				Attempted:  res.Attempted,
				Synced:     res.Synced,
				Failed:     res.Failed,
				DurationMs: res.Duration.Milliseconds(),
			})
		}

	case hub.RequestStatsUpdate:
		s.hub.Publish(hub.StatsUpdateNeeded{}, hub.ScopePrincipal(c.PrincipalID))

	case hub.AdminBroadcast:
		if !c.InGroup(hub.AdminGroup) {
			s.logger.WithFields(logrus.Fields{
				"client_id":    c.ID,
				"principal_id": c.PrincipalID,
			}).Warn("Rejected admin broadcast from non-admin client")
			return
		}
		s.hub.Publish(hub.SystemMessage{Message: m.Message, Type: "admin"}, hub.ScopeAllExcept(c.ID))
	}
}

// ConnectionStatus builds the status event sent to a freshly connected
// client, carrying the pending count so reconnecting clients learn
// their unsynced state without relying on replayed broadcasts.
func (s *Service) ConnectionStatus(c *hub.Client, totalConnected int) hub.ConnectionStatus {
	pending, err := s.queue.CountPending(context.Background())
	if err != nil {
		s.logger.WithError(err).Error("Failed to count pending records for connection status")
	}

	role := ""
	for _, g := range c.Groups {
		if g != hub.PrincipalGroup(c.PrincipalID) {
			role = g
			break
		}
	}

	return hub.ConnectionStatus{
		Status:           "connected",
		ConnectedClients: totalConnected,
		Role:             role,
		PendingCount:     pending,
	}
}
