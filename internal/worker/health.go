package worker

import (
	"sync"
	"time"
)

// heartbeat tracks loop liveness. The loop goroutine writes it while the
// health endpoint reads it from HTTP handlers, so it carries its own lock.
type heartbeat struct {
	mu        sync.Mutex
	lastRunAt time.Time
	healthy   bool
}

func (h *heartbeat) beat() {
	h.mu.Lock()
	h.lastRunAt = time.Now()
	h.healthy = true
	h.mu.Unlock()
}

func (h *heartbeat) degrade() {
	h.mu.Lock()
	h.healthy = false
	h.mu.Unlock()
}

// IsHealthy reports whether the last cycle ran clean.
func (h *heartbeat) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// LastRunAt reports when the last cycle started.
func (h *heartbeat) LastRunAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRunAt
}
