package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/omniverifier/engine/internal/domain"
)

// Service implements credit ledger business logic on top of a Repository.
type Service struct {
	repo Repository
	// subscriptionFirst controls the consumption order; production keeps
	// the default (subscription before one-off) because subscription
	// buckets expire.
	subscriptionFirst bool
}

// NewService creates a credit service backed by the given repository.
func NewService(repo Repository, subscriptionFirst bool) *Service {
	return &Service{repo: repo, subscriptionFirst: subscriptionFirst}
}

// ReserveOnly checks whether the user can afford n verifications.
// Advisory only: no credits are held. Returns the combined available total
// alongside the verdict so callers can report the shortfall.
func (s *Service) ReserveOnly(ctx context.Context, userID string, ct domain.CheckType, n int64) (bool, int64, error) {
	if n < 0 {
		return false, 0, ErrInvalidAmount
	}
	total, err := s.repo.TotalAvailable(ctx, userID, ct)
	if err != nil {
		return false, 0, fmt.Errorf("sum available credits: %w", err)
	}
	return total >= n, total, nil
}

// Balance returns the combined subscription and one-off credits available.
func (s *Service) Balance(ctx context.Context, userID string, ct domain.CheckType) (int64, error) {
	return s.repo.TotalAvailable(ctx, userID, ct)
}

// DeductForBatch authoritatively consumes credits for every association of
// the batch, cached results included. The deduction is atomic and recorded
// in history exactly once per batch.
func (s *Service) DeductForBatch(ctx context.Context, userID, batchID string, ct domain.CheckType) (*Deduction, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batch id is required")
	}
	return s.repo.DeductForBatch(ctx, userID, batchID, ct, s.subscriptionFirst)
}

// AddOneOff credits the one-off pool (purchase or referral reward).
func (s *Service) AddOneOff(ctx context.Context, userID string, ct domain.CheckType, n int64, event domain.CreditEventType) (int64, error) {
	if n <= 0 {
		return 0, ErrInvalidAmount
	}
	if event != domain.CreditPurchase && event != domain.CreditReferReward {
		return 0, fmt.Errorf("event type %q cannot add one-off credits", event)
	}
	return s.repo.AddOneOff(ctx, userID, ct, n, event)
}

// GrantSubscription creates a new use-or-lose bucket expiring at expiresAt.
func (s *Service) GrantSubscription(ctx context.Context, userID string, ct domain.CheckType, n int64, expiresAt time.Time) error {
	if n <= 0 {
		return ErrInvalidAmount
	}
	if !expiresAt.After(time.Now()) {
		return fmt.Errorf("subscription expiry must be in the future")
	}
	return s.repo.GrantSubscription(ctx, userID, ct, n, expiresAt)
}

// History returns recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, ct domain.CheckType, limit int) ([]domain.CreditHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.History(ctx, userID, ct, limit)
}
