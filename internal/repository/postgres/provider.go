package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/omniverifier/engine/internal/domain"
)

// PackCandidate is one association eligible for packing.
type PackCandidate struct {
	UserBatchID   string
	EmailGlobalID int64
	EmailStripped string
}

// ResultUpsert is one cleaned provider record, keyed by stripped address.
type ResultUpsert struct {
	EmailStripped string
	Status        domain.ResultStatus
	Reason        string
	IsCatchall    bool
	Score         int
	Provider      string
	Toxicity      int
}

// CompletionOutcome reports one ApplyCompletion call.
type CompletionOutcome struct {
	// Applied is false when another worker already completed the batch;
	// nothing was written in that case.
	Applied      bool
	Upserted     int
	Skipped      int
	UserBatchIDs []string
}

// ReleaseOutcome reports one ReleaseFailedBatch call.
type ReleaseOutcome struct {
	Released bool
	// Exhausted counts associations that hit the retry cap and were
	// closed with an unknown result instead of being re-packed.
	Exhausted    int
	UserBatchIDs []string
}

// ProviderRepo persists provider batches and their email assignments.
type ProviderRepo struct{ db *sql.DB }

// NewProviderRepo creates a Postgres-backed provider batch repository.
func NewProviderRepo(db *sql.DB) *ProviderRepo { return &ProviderRepo{db: db} }

func (r *ProviderRepo) CountInFlight(ctx context.Context, ct domain.CheckType) (int, error) {
	t := tablesFor(ct)
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+t.providerBatches+`
		WHERE status IN ('pending', 'processing')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}
	return n, nil
}

// SelectPackable returns up to limit associations awaiting provider work,
// FIFO by user-batch creation time. Eligibility is the absence of a
// provider assignment row; a failed batch releases its assignments so its
// emails reappear here.
func (r *ProviderRepo) SelectPackable(ctx context.Context, ct domain.CheckType, limit, maxRetries int) ([]PackCandidate, error) {
	t := tablesFor(ct)
	rows, err := r.db.QueryContext(ctx, `
		SELECT be.batch_id, be.email_global_id, ge.email_stripped
		FROM `+t.batchEmails+` be
		JOIN `+t.userBatches+` ub ON ub.id = be.batch_id
		JOIN global_emails ge ON ge.global_id = be.email_global_id
		WHERE ub.status IN ('queued', 'processing')
		  AND ub.is_archived = false
		  AND be.used_cached = false
		  AND be.did_complete = false
		  AND be.retry_count < $1
		  AND NOT EXISTS (
		      SELECT 1 FROM `+t.providerBatchEmails+` pbe
		      WHERE pbe.user_batch_id = be.batch_id
		        AND pbe.email_global_id = be.email_global_id
		  )
		ORDER BY ub.created_at, ub.id, be.email_global_id
		LIMIT $2
	`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("select packable: %w", err)
	}
	defer rows.Close()

	var out []PackCandidate
	for rows.Next() {
		var c PackCandidate
		if err := rows.Scan(&c.UserBatchID, &c.EmailGlobalID, &c.EmailStripped); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CommitProviderBatch records a freshly created provider batch, its email
// assignments, and the queued-to-processing promotion of the contributing
// user batches, in one transaction.
func (r *ProviderRepo) CommitProviderBatch(ctx context.Context, ct domain.CheckType, pb *domain.ProviderBatch, assignments []PackCandidate) error {
	t := tablesFor(ct)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+t.providerBatches+`
			(provider_batch_id, primary_user_batch_id, status, email_count, processed, attempts, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3, 0, 0, NOW(), NOW())
	`, pb.ProviderBatchID, pb.PrimaryUserBatchID, len(assignments))
	if err != nil {
		return fmt.Errorf("insert provider batch: %w", err)
	}

	assign, err := tx.PrepareContext(ctx, `
		INSERT INTO `+t.providerBatchEmails+` (provider_batch_id, email_global_id, user_batch_id)
		VALUES ($1, $2, $3)
	`)
	if err != nil {
		return fmt.Errorf("prepare assignment: %w", err)
	}
	defer assign.Close()

	seen := make(map[string]bool)
	for _, a := range assignments {
		if _, err := assign.ExecContext(ctx, pb.ProviderBatchID, a.EmailGlobalID, a.UserBatchID); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
		seen[a.UserBatchID] = true
	}

	for userBatchID := range seen {
		if _, err := tx.ExecContext(ctx, `
			UPDATE `+t.userBatches+` SET status = 'processing'
			WHERE id = $1 AND status = 'queued'
		`, userBatchID); err != nil {
			return fmt.Errorf("promote user batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit provider batch: %w", err)
	}
	return nil
}

func (r *ProviderRepo) ListInFlight(ctx context.Context, ct domain.CheckType) ([]domain.ProviderBatch, error) {
	t := tablesFor(ct)
	rows, err := r.db.QueryContext(ctx, `
		SELECT provider_batch_id, primary_user_batch_id, status, email_count,
		       processed, attempts, created_at, updated_at
		FROM `+t.providerBatches+`
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list in-flight: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderBatch
	for rows.Next() {
		pb := domain.ProviderBatch{CheckType: ct}
		if err := rows.Scan(
			&pb.ProviderBatchID, &pb.PrimaryUserBatchID, &pb.Status, &pb.EmailCount,
			&pb.Processed, &pb.Attempts, &pb.CreatedAt, &pb.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan provider batch: %w", err)
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

// UpdateProgress records a non-terminal status poll.
func (r *ProviderRepo) UpdateProgress(ctx context.Context, ct domain.CheckType, providerBatchID string, status domain.ProviderBatchStatus, processed int) error {
	t := tablesFor(ct)
	_, err := r.db.ExecContext(ctx, `
		UPDATE `+t.providerBatches+`
		SET status = $1, processed = $2, updated_at = NOW()
		WHERE provider_batch_id = $3 AND status IN ('pending', 'processing')
	`, status, processed, providerBatchID)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the failure counter and returns the new value.
func (r *ProviderRepo) IncrementAttempts(ctx context.Context, ct domain.CheckType, providerBatchID string) (int, error) {
	t := tablesFor(ct)
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE `+t.providerBatches+`
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE provider_batch_id = $1
		RETURNING attempts
	`, providerBatchID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// ListTimedOut returns in-flight provider batches older than cutoff.
func (r *ProviderRepo) ListTimedOut(ctx context.Context, ct domain.CheckType, cutoff time.Time) ([]string, error) {
	t := tablesFor(ct)
	rows, err := r.db.QueryContext(ctx, `
		SELECT provider_batch_id FROM `+t.providerBatches+`
		WHERE status IN ('pending', 'processing') AND created_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list timed out: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan timed out: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ApplyCompletion applies one provider completion payload as a single
// atomic unit. The provider batch is marked completed first; losing that
// conditional update means another worker already applied the payload and
// the whole call is a no-op.
func (r *ProviderRepo) ApplyCompletion(ctx context.Context, ct domain.CheckType, providerBatchID string, results []ResultUpsert) (*CompletionOutcome, error) {
	t := tablesFor(ct)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE `+t.providerBatches+`
		SET status = 'completed', processed = email_count, updated_at = NOW()
		WHERE provider_batch_id = $1 AND status IN ('pending', 'processing')
	`, providerBatchID)
	if err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &CompletionOutcome{Applied: false}, nil
	}

	upsert, err := tx.PrepareContext(ctx, upsertResultSQL(ct, t))
	if err != nil {
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()

	outcome := &CompletionOutcome{Applied: true}
	for _, rec := range results {
		// Resolve through this batch's assignments only. A record for an
		// address that was never part of the batch must not touch the
		// cache, even when the address is globally known.
		var gid int64
		err := tx.QueryRowContext(ctx, `
			SELECT DISTINCT ge.global_id
			FROM global_emails ge
			JOIN `+t.providerBatchEmails+` pbe ON pbe.email_global_id = ge.global_id
			WHERE pbe.provider_batch_id = $1 AND ge.email_stripped = $2
		`, providerBatchID, rec.EmailStripped).Scan(&gid)
		if err == sql.ErrNoRows {
			outcome.Skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve result email: %w", err)
		}

		if ct == domain.CheckCatchall {
			_, err = upsert.ExecContext(ctx, gid, rec.Status, rec.Toxicity)
		} else {
			_, err = upsert.ExecContext(ctx, gid, rec.Status, rec.Reason, rec.IsCatchall, rec.Score, rec.Provider)
		}
		if err != nil {
			return nil, fmt.Errorf("upsert result: %w", err)
		}
		outcome.Upserted++
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE `+t.batchEmails+` be
		SET did_complete = true
		FROM `+t.providerBatchEmails+` pbe
		WHERE pbe.provider_batch_id = $1
		  AND be.batch_id = pbe.user_batch_id
		  AND be.email_global_id = pbe.email_global_id
		  AND be.did_complete = false
	`, providerBatchID); err != nil {
		return nil, fmt.Errorf("mark associations complete: %w", err)
	}

	outcome.UserBatchIDs, err = affectedUserBatches(ctx, tx, t, providerBatchID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit completion: %w", err)
	}
	return outcome, nil
}

// ReleaseFailedBatch marks a provider batch failed and frees its emails
// for re-packing. Associations that hit the retry cap are closed with an
// unknown cached result instead, so their user batches can still finish.
func (r *ProviderRepo) ReleaseFailedBatch(ctx context.Context, ct domain.CheckType, providerBatchID string, maxRetries int) (*ReleaseOutcome, error) {
	t := tablesFor(ct)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE `+t.providerBatches+`
		SET status = 'failed', updated_at = NOW()
		WHERE provider_batch_id = $1 AND status IN ('pending', 'processing')
	`, providerBatchID)
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ReleaseOutcome{Released: false}, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE `+t.batchEmails+` be
		SET retry_count = retry_count + 1
		FROM `+t.providerBatchEmails+` pbe
		WHERE pbe.provider_batch_id = $1
		  AND be.batch_id = pbe.user_batch_id
		  AND be.email_global_id = pbe.email_global_id
		  AND be.did_complete = false
	`, providerBatchID); err != nil {
		return nil, fmt.Errorf("bump retries: %w", err)
	}

	// Cache an unknown outcome for exhausted emails. ON CONFLICT DO
	// NOTHING keeps any real result that arrived through another batch.
	if _, err := tx.ExecContext(ctx, unknownResultSQL(ct, t), providerBatchID, maxRetries); err != nil {
		return nil, fmt.Errorf("cache unknown results: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE `+t.batchEmails+` be
		SET did_complete = true
		FROM `+t.providerBatchEmails+` pbe
		WHERE pbe.provider_batch_id = $1
		  AND be.batch_id = pbe.user_batch_id
		  AND be.email_global_id = pbe.email_global_id
		  AND be.did_complete = false
		  AND be.retry_count >= $2
	`, providerBatchID, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("close exhausted: %w", err)
	}
	exhausted, _ := res.RowsAffected()

	outcome := &ReleaseOutcome{Released: true, Exhausted: int(exhausted)}
	outcome.UserBatchIDs, err = affectedUserBatches(ctx, tx, t, providerBatchID)
	if err != nil {
		return nil, err
	}

	// Dropping the assignments is what re-opens the surviving emails for
	// the packer.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM `+t.providerBatchEmails+` WHERE provider_batch_id = $1
	`, providerBatchID); err != nil {
		return nil, fmt.Errorf("release assignments: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit release: %w", err)
	}
	return outcome, nil
}

// ListCompletable returns processing batches with no incomplete
// associations left, for the sweeper.
func (r *ProviderRepo) ListCompletable(ctx context.Context, ct domain.CheckType) ([]domain.UserBatch, error) {
	t := tablesFor(ct)
	rows, err := r.db.QueryContext(ctx, `
		SELECT ub.id, ub.user_id, COALESCE(ub.title,'')
		FROM `+t.userBatches+` ub
		WHERE ub.status = 'processing'
		  AND ub.is_archived = false
		  AND EXISTS (
		      SELECT 1 FROM `+t.batchEmails+` WHERE batch_id = ub.id
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM `+t.batchEmails+`
		      WHERE batch_id = ub.id AND did_complete = false
		  )
	`)
	if err != nil {
		return nil, fmt.Errorf("list completable: %w", err)
	}
	defer rows.Close()

	var out []domain.UserBatch
	for rows.Next() {
		b := domain.UserBatch{CheckType: ct, Status: domain.BatchProcessing}
		if err := rows.Scan(&b.ID, &b.UserID, &b.Title); err != nil {
			return nil, fmt.Errorf("scan completable: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func affectedUserBatches(ctx context.Context, tx *sql.Tx, t tableSet, providerBatchID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT user_batch_id FROM `+t.providerBatchEmails+`
		WHERE provider_batch_id = $1
	`, providerBatchID)
	if err != nil {
		return nil, fmt.Errorf("list affected batches: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan affected batch: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func upsertResultSQL(ct domain.CheckType, t tableSet) string {
	if ct == domain.CheckCatchall {
		return `
		INSERT INTO ` + t.results + ` (email_global_id, status, toxicity, updated_ts)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (email_global_id)
		DO UPDATE SET status = EXCLUDED.status, toxicity = EXCLUDED.toxicity, updated_ts = NOW()
	`
	}
	return `
		INSERT INTO ` + t.results + ` (email_global_id, status, reason, is_catchall, score, provider, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (email_global_id)
		DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason,
		              is_catchall = EXCLUDED.is_catchall, score = EXCLUDED.score,
		              provider = EXCLUDED.provider, updated_ts = NOW()
	`
}

func unknownResultSQL(ct domain.CheckType, t tableSet) string {
	if ct == domain.CheckCatchall {
		return `
		INSERT INTO ` + t.results + ` (email_global_id, status, toxicity, updated_ts)
		SELECT be.email_global_id, 'unknown', 0, NOW()
		FROM ` + t.batchEmails + ` be
		JOIN ` + t.providerBatchEmails + ` pbe
		  ON pbe.user_batch_id = be.batch_id AND pbe.email_global_id = be.email_global_id
		WHERE pbe.provider_batch_id = $1 AND be.did_complete = false AND be.retry_count >= $2
		ON CONFLICT (email_global_id) DO NOTHING
	`
	}
	return `
		INSERT INTO ` + t.results + ` (email_global_id, status, reason, is_catchall, score, provider, updated_ts)
		SELECT be.email_global_id, 'unknown', 'verification_failed', false, 0, '', NOW()
		FROM ` + t.batchEmails + ` be
		JOIN ` + t.providerBatchEmails + ` pbe
		  ON pbe.user_batch_id = be.batch_id AND pbe.email_global_id = be.email_global_id
		WHERE pbe.provider_batch_id = $1 AND be.did_complete = false AND be.retry_count >= $2
		ON CONFLICT (email_global_id) DO NOTHING
	`
}
