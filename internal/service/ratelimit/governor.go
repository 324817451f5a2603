package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/omniverifier/engine/internal/domain"
)

// Window is the sliding interval over which requests are counted.
const Window = 60 * time.Second

// Store persists rate counter rows shared by every worker process.
type Store interface {
	// CountSince sums request_count of rows with window_start >= since.
	CountSince(ctx context.Context, ct domain.CheckType, kind domain.RequestKind, since time.Time) (int, error)
	// Record inserts a counter row with window_start = at.
	Record(ctx context.Context, ct domain.CheckType, kind domain.RequestKind, n int, at time.Time) error
	// PruneBefore deletes rows older than cutoff. Optional housekeeping;
	// correctness never depends on it.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Governor gates outbound provider requests.
type Governor struct {
	store  Store
	limit  int
	buffer int
	now    func() time.Time
}

// NewGovernor creates a governor allowing limit-buffer requests per window.
func NewGovernor(store Store, limit, buffer int) *Governor {
	return NewGovernorAt(store, limit, buffer, time.Now)
}

// NewGovernorAt is NewGovernor with an injectable clock.
func NewGovernorAt(store Store, limit, buffer int, now func() time.Time) *Governor {
	return &Governor{store: store, limit: limit, buffer: buffer, now: now}
}

// Usable returns the effective per-window budget.
func (g *Governor) Usable() int {
	return g.limit - g.buffer
}

// Check reports whether one more request of the given kind fits in the
// current window, along with the current window count.
func (g *Governor) Check(ctx context.Context, ct domain.CheckType, kind domain.RequestKind) (bool, int, error) {
	now := g.now()
	current, err := g.store.CountSince(ctx, ct, kind, now.Add(-Window))
	if err != nil {
		return false, 0, fmt.Errorf("count rate window: %w", err)
	}
	return current+1 <= g.Usable(), current, nil
}

// Record charges n requests against the window.
func (g *Governor) Record(ctx context.Context, ct domain.CheckType, kind domain.RequestKind, n int) error {
	if n <= 0 {
		n = 1
	}
	if err := g.store.Record(ctx, ct, kind, n, g.now()); err != nil {
		return fmt.Errorf("record rate counter: %w", err)
	}
	return nil
}

// Acquire combines Check and Record. Returns false when the budget is
// exhausted; the request is charged only on success.
func (g *Governor) Acquire(ctx context.Context, ct domain.CheckType, kind domain.RequestKind) (bool, error) {
	ok, _, err := g.Check(ctx, ct, kind)
	if err != nil || !ok {
		return false, err
	}
	if err := g.Record(ctx, ct, kind, 1); err != nil {
		return false, err
	}
	return true, nil
}

// Prune removes counter rows that fell out of the window some time ago.
// Run from a housekeeping loop.
func (g *Governor) Prune(ctx context.Context) (int64, error) {
	return g.store.PruneBefore(ctx, g.now().Add(-2*Window))
}
