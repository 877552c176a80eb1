package session

import (
	"context"
	"time"

	"github.com/carebridge/scribe/internal/log"
)

// Reaper force-closes sessions that have gone idle. It is a liveness
// sweep, not a correctness path: a session kept warm by pings is never
// reaped even if no audio flows.
type Reaper struct {
	registry *Registry
	interval time.Duration
	maxIdle  time.Duration
	close    func(*Session)
}

// NewReaper creates a reaper that sweeps the registry every interval and
// closes sessions idle for longer than maxIdle. closeFn performs the full
// close sequence and must be idempotent.
func NewReaper(registry *Registry, interval, maxIdle time.Duration, closeFn func(*Session)) *Reaper {
	return &Reaper{
		registry: registry,
		interval: interval,
		maxIdle:  maxIdle,
		close:    closeFn,
	}
}

// Run sweeps until ctx is cancelled. Call in a goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep closes every session whose last activity is older than maxIdle.
// The client is not notified; if its socket is still open it simply stops
// receiving events.
func (r *Reaper) Sweep() int {
	cutoff := time.Now().Add(-r.maxIdle)
	reaped := 0
	for _, s := range r.registry.All() {
		if s.LastActivity().Before(cutoff) {
			log.Info("reaping stale session",
				"connection_id", s.ConnectionID,
				"idle", time.Since(s.LastActivity()).Round(time.Second).String())
			r.close(s)
			reaped++
		}
	}
	return reaped
}
