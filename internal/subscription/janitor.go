package subscription

import (
	"context"
	"time"
)

// Sweep removes topics that have no subscribers, no queued updates and no
// activity for at least the idle TTL. It returns the number of topics removed
// and does nothing when idle expiry is disabled.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, t := range r.topics {
		if t.pending > 0 {
			continue
		}
		t.mu.Lock()
		idle := len(t.subscribers) == 0 && now.Sub(t.lastActive) >= r.idleTTL
		t.mu.Unlock()
		if idle {
			r.deleteLocked(key, "idle")
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Expired idle topics", "count", removed)
	}
	return removed
}

// Run sweeps idle topics every half TTL until ctx is done. It returns at once
// when idle expiry is disabled.
func (r *Registry) Run(ctx context.Context) {
	if r.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(r.idleTTL / 2)
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
