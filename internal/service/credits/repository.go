package credits

import (
	"context"
	"time"

	"github.com/omniverifier/engine/internal/domain"
)

// Deduction describes the outcome of one authoritative deduction.
type Deduction struct {
	// Total is the number of credits consumed (equal to the batch's
	// association count, cached emails included).
	Total int64 `json:"total"`
	// FromSubscription and FromOneOff sum to Total.
	FromSubscription int64 `json:"from_subscription"`
	FromOneOff       int64 `json:"from_one_off"`
	// NewTotal is the combined balance remaining after deduction.
	NewTotal int64 `json:"new_total"`
}

// Repository defines the data access contract for the credit ledger.
// Implementations must be safe for concurrent use.
type Repository interface {
	// TotalAvailable sums credits_left of non-expired subscription buckets
	// and the one-off balance. No mutation.
	TotalAvailable(ctx context.Context, userID string, ct domain.CheckType) (int64, error)

	// DeductForBatch atomically consumes credits equal to the batch's
	// association count. Subscription buckets are row-locked and consumed
	// oldest-expiry-first when subscriptionFirst is set; the one-off
	// balance covers the remainder. Returns ErrInsufficientCredits without
	// mutation if the remainder exceeds the one-off balance, and
	// ErrAlreadyDeducted if a usage history row already exists for the
	// batch.
	DeductForBatch(ctx context.Context, userID, batchID string, ct domain.CheckType, subscriptionFirst bool) (*Deduction, error)

	// AddOneOff increases the one-off balance and appends a history entry
	// of the given event type. Returns the new one-off balance.
	AddOneOff(ctx context.Context, userID string, ct domain.CheckType, n int64, event domain.CreditEventType) (int64, error)

	// GrantSubscription creates a new use-or-lose bucket.
	GrantSubscription(ctx context.Context, userID string, ct domain.CheckType, n int64, expiresAt time.Time) error

	// History returns ledger entries, newest first.
	History(ctx context.Context, userID string, ct domain.CheckType, limit int) ([]domain.CreditHistory, error)
}
