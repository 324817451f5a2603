package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/service/credits"
)

// CreditsRepo implements credits.Repository against PostgreSQL.
type CreditsRepo struct{ db *sql.DB }

// NewCreditsRepo creates a Postgres-backed credit ledger repository.
func NewCreditsRepo(db *sql.DB) *CreditsRepo { return &CreditsRepo{db: db} }

func (r *CreditsRepo) TotalAvailable(ctx context.Context, userID string, ct domain.CheckType) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE((
		    SELECT current_balance FROM credit_accounts
		    WHERE user_id = $1 AND check_type = $2
		), 0) + COALESCE((
		    SELECT SUM(credits_left) FROM subscription_credits
		    WHERE user_id = $1 AND check_type = $2 AND expiry_ts > NOW()
		), 0)
	`, userID, ct).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum available: %w", err)
	}
	return total, nil
}

// DeductForBatch consumes credits equal to the batch's association count
// inside one transaction. Subscription buckets are row-locked and drained
// oldest expiry first; the one-off account covers the remainder or the
// whole transaction rolls back.
func (r *CreditsRepo) DeductForBatch(ctx context.Context, userID, batchID string, ct domain.CheckType, subscriptionFirst bool) (*credits.Deduction, error) {
	t := tablesFor(ct)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var already bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM credit_history
		    WHERE batch_id = $1 AND event_type = 'usage'
		)
	`, batchID).Scan(&already); err != nil {
		return nil, fmt.Errorf("check history: %w", err)
	}
	if already {
		return nil, credits.ErrAlreadyDeducted
	}

	var total int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+t.batchEmails+` WHERE batch_id = $1
	`, batchID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count associations: %w", err)
	}

	d := &credits.Deduction{Total: total}
	remaining := total

	if subscriptionFirst && remaining > 0 {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, credits_left FROM subscription_credits
			WHERE user_id = $1 AND check_type = $2
			  AND expiry_ts > NOW() AND credits_left > 0
			ORDER BY expiry_ts ASC
			FOR UPDATE
		`, userID, ct)
		if err != nil {
			return nil, fmt.Errorf("lock subscriptions: %w", err)
		}
		type bucket struct {
			id   int64
			left int64
		}
		var buckets []bucket
		for rows.Next() {
			var b bucket
			if err := rows.Scan(&b.id, &b.left); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan subscription: %w", err)
			}
			buckets = append(buckets, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate subscriptions: %w", err)
		}

		for _, b := range buckets {
			if remaining == 0 {
				break
			}
			take := b.left
			if take > remaining {
				take = remaining
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE subscription_credits SET credits_left = credits_left - $1 WHERE id = $2
			`, take, b.id); err != nil {
				return nil, fmt.Errorf("drain subscription: %w", err)
			}
			remaining -= take
			d.FromSubscription += take
		}
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT current_balance FROM credit_accounts
		WHERE user_id = $1 AND check_type = $2
		FOR UPDATE
	`, userID, ct).Scan(&balance)
	if err == sql.ErrNoRows {
		balance = 0
	} else if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	if remaining > balance {
		return nil, credits.ErrInsufficientCredits
	}
	if remaining > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_accounts SET current_balance = current_balance - $1
			WHERE user_id = $2 AND check_type = $3
		`, remaining, userID, ct); err != nil {
			return nil, fmt.Errorf("debit account: %w", err)
		}
	}
	d.FromOneOff = remaining

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_history (user_id, check_type, credits_used, event_type, batch_id, usage_ts)
		VALUES ($1, $2, $3, 'usage', $4, NOW())
	`, userID, ct, total, batchID); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE((
		    SELECT current_balance FROM credit_accounts
		    WHERE user_id = $1 AND check_type = $2
		), 0) + COALESCE((
		    SELECT SUM(credits_left) FROM subscription_credits
		    WHERE user_id = $1 AND check_type = $2 AND expiry_ts > NOW()
		), 0)
	`, userID, ct).Scan(&d.NewTotal); err != nil {
		return nil, fmt.Errorf("sum new total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deduction: %w", err)
	}
	return d, nil
}

func (r *CreditsRepo) AddOneOff(ctx context.Context, userID string, ct domain.CheckType, n int64, event domain.CreditEventType) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO credit_accounts (user_id, check_type, current_balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, check_type)
		DO UPDATE SET current_balance = credit_accounts.current_balance + EXCLUDED.current_balance
		RETURNING current_balance
	`, userID, ct, n).Scan(&balance); err != nil {
		return 0, fmt.Errorf("credit account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_history (user_id, check_type, credits_used, event_type, usage_ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, userID, ct, n, event); err != nil {
		return 0, fmt.Errorf("append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

func (r *CreditsRepo) GrantSubscription(ctx context.Context, userID string, ct domain.CheckType, n int64, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscription_credits (user_id, check_type, credits_start, credits_left, expiry_ts)
		VALUES ($1, $2, $3, $3, $4)
	`, userID, ct, n, expiresAt)
	if err != nil {
		return fmt.Errorf("grant subscription: %w", err)
	}
	return nil
}

func (r *CreditsRepo) History(ctx context.Context, userID string, ct domain.CheckType, limit int) ([]domain.CreditHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, check_type, credits_used, event_type, batch_id, usage_ts
		FROM credit_history
		WHERE user_id = $1 AND check_type = $2
		ORDER BY usage_ts DESC, id DESC
		LIMIT $3
	`, userID, ct, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []domain.CreditHistory
	for rows.Next() {
		var h domain.CreditHistory
		if err := rows.Scan(&h.ID, &h.UserID, &h.CheckType, &h.CreditsUsed, &h.EventType, &h.BatchID, &h.UsageAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
