// Package probe implements the connectivity probe against the central
// store. It exposes a debounced online/offline signal: one failed check
// flips to offline, one successful check flips back to online.
package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// CheckFunc issues a lightweight round-trip against the central store.
type CheckFunc func(ctx context.Context) error

// TransitionFunc is invoked on every online/offline state change.
type TransitionFunc func(online bool)

// Probe periodically tests reachability of the central store.
type Probe struct {
	check    CheckFunc
	timeout  time.Duration
	interval time.Duration
	online   atomic.Bool
	logger   *logrus.Entry

	mu           sync.Mutex
	onTransition TransitionFunc
}

// New creates a probe. check is bounded by timeout on every call;
// interval drives the periodic loop in Run.
func New(check CheckFunc, timeout, interval time.Duration) *Probe {
	return &Probe{
		check:    check,
		timeout:  timeout,
		interval: interval,
		logger:   logrus.WithField("component", "probe"),
	}
}

// OnTransition registers the callback notified of state changes. It is
// invoked from the goroutine that observed the change.
func (p *Probe) OnTransition(fn TransitionFunc) {
	p.mu.Lock()
	p.onTransition = fn
	p.mu.Unlock()
}

// Online reports the last-known state. It never performs a network
// round trip, so the write path can call it freely.
func (p *Probe) Online() bool {
	return p.online.Load()
}

// Check performs one bounded round-trip and updates the debounced
// state. A timeout is reported as unhealthy, never as an error.
func (p *Probe) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(checkCtx)
	healthy := err == nil
	if !healthy {
		p.logger.WithError(err).Debug("Connectivity check failed")
	}
	p.setOnline(healthy)
	return healthy
}

// ReportFailure flips the state to offline without waiting for the next
// scheduled check. A failed direct apply is itself evidence of an outage.
func (p *Probe) ReportFailure() {
	p.setOnline(false)
}

// Run drives periodic checks until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Connectivity probe stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

func (p *Probe) setOnline(online bool) {
	if p.online.Swap(online) == online {
		return
	}

	if online {
		p.logger.Info("Central store reachable, state is now online")
	} else {
		p.logger.Warn("Central store unreachable, state is now offline")
	}

	p.mu.Lock()
	fn := p.onTransition
	p.mu.Unlock()
	if fn != nil {
		fn(online)
	}
}
