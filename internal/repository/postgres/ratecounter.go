package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/omniverifier/engine/internal/domain"
)

// RateCounterStore implements ratelimit.Store against PostgreSQL. Counter
// rows live in one shared table so every worker process draws from the
// same provider budget.
type RateCounterStore struct{ db *sql.DB }

// NewRateCounterStore creates a Postgres-backed rate counter store.
func NewRateCounterStore(db *sql.DB) *RateCounterStore { return &RateCounterStore{db: db} }

func (s *RateCounterStore) CountSince(ctx context.Context, ct domain.CheckType, kind domain.RequestKind, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(request_count), 0) FROM rate_counters
		WHERE verification_type = $1 AND request_type = $2 AND window_start >= $3
	`, ct, kind, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count window: %w", err)
	}
	return n, nil
}

func (s *RateCounterStore) Record(ctx context.Context, ct domain.CheckType, kind domain.RequestKind, n int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_counters (verification_type, request_type, request_count, window_start)
		VALUES ($1, $2, $3, $4)
	`, ct, kind, n, at)
	if err != nil {
		return fmt.Errorf("record counter: %w", err)
	}
	return nil
}

func (s *RateCounterStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_counters WHERE window_start < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune counters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
