package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/omniverifier/engine/internal/domain"
)

// ErrProgressNotFound means no enrichment run exists for the key.
var ErrProgressNotFound = errors.New("enrichment progress not found")

// EnrichmentRepo persists enrichment run progress and serves the cached
// results an enrichment run joins the source file against.
type EnrichmentRepo struct{ db *sql.DB }

// NewEnrichmentRepo creates a Postgres-backed enrichment repository.
func NewEnrichmentRepo(db *sql.DB) *EnrichmentRepo { return &EnrichmentRepo{db: db} }

// StartRun registers a processing run, resetting any previous run for the
// same (batch_id, check_type).
func (r *EnrichmentRepo) StartRun(ctx context.Context, ct domain.CheckType, batchID string, totalRows *int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO enrichment_progress
			(batch_id, check_type, status, rows_processed, total_rows, started_at, completed_at, error_message)
		VALUES ($1, $2, 'processing', 0, $3, NOW(), NULL, '')
		ON CONFLICT (batch_id, check_type)
		DO UPDATE SET status = 'processing', rows_processed = 0, total_rows = EXCLUDED.total_rows,
		              started_at = NOW(), completed_at = NULL, error_message = ''
	`, batchID, ct, totalRows)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// UpdateRows records periodic progress.
func (r *EnrichmentRepo) UpdateRows(ctx context.Context, ct domain.CheckType, batchID string, rows int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE enrichment_progress SET rows_processed = $1
		WHERE batch_id = $2 AND check_type = $3
	`, rows, batchID, ct)
	if err != nil {
		return fmt.Errorf("update rows: %w", err)
	}
	return nil
}

// CompleteRun finalises a successful run.
func (r *EnrichmentRepo) CompleteRun(ctx context.Context, ct domain.CheckType, batchID string, rows int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE enrichment_progress
		SET status = 'completed', rows_processed = $1, completed_at = NOW()
		WHERE batch_id = $2 AND check_type = $3
	`, rows, batchID, ct)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// FailRun records a failed run. The user batch itself stays completed.
func (r *EnrichmentRepo) FailRun(ctx context.Context, ct domain.CheckType, batchID, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE enrichment_progress
		SET status = 'failed', completed_at = NOW(), error_message = $1
		WHERE batch_id = $2 AND check_type = $3
	`, message, batchID, ct)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// GetProgress returns the run state for one key.
func (r *EnrichmentRepo) GetProgress(ctx context.Context, ct domain.CheckType, batchID string) (*domain.EnrichmentProgress, error) {
	p := &domain.EnrichmentProgress{BatchID: batchID, CheckType: ct}
	err := r.db.QueryRowContext(ctx, `
		SELECT status, rows_processed, total_rows, started_at, completed_at, COALESCE(error_message,'')
		FROM enrichment_progress
		WHERE batch_id = $1 AND check_type = $2
	`, batchID, ct).Scan(&p.Status, &p.RowsProcessed, &p.TotalRows, &p.StartedAt, &p.CompletedAt, &p.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, ErrProgressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

// DeliverableResultsForBatch loads the batch's cached deliverable results
// keyed by stripped address, for the stream join.
func (r *EnrichmentRepo) DeliverableResultsForBatch(ctx context.Context, batchID string) (map[string]domain.DeliverableResult, error) {
	t := tablesFor(domain.CheckDeliverable)
	rows, err := r.db.QueryContext(ctx, `
		SELECT ge.email_stripped, res.email_global_id, res.status, COALESCE(res.reason,''),
		       res.is_catchall, res.score, COALESCE(res.provider,''), res.updated_ts
		FROM `+t.batchEmails+` be
		JOIN global_emails ge ON ge.global_id = be.email_global_id
		JOIN `+t.results+` res ON res.email_global_id = be.email_global_id
		WHERE be.batch_id = $1
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("load deliverable results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.DeliverableResult)
	for rows.Next() {
		var stripped string
		var res domain.DeliverableResult
		if err := rows.Scan(&stripped, &res.EmailGlobalID, &res.Status, &res.Reason,
			&res.IsCatchall, &res.Score, &res.Provider, &res.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan deliverable result: %w", err)
		}
		out[stripped] = res
	}
	return out, rows.Err()
}

// CatchallResultsForBatch loads the batch's cached catchall results keyed
// by stripped address.
func (r *EnrichmentRepo) CatchallResultsForBatch(ctx context.Context, batchID string) (map[string]domain.CatchallResult, error) {
	t := tablesFor(domain.CheckCatchall)
	rows, err := r.db.QueryContext(ctx, `
		SELECT ge.email_stripped, res.email_global_id, res.status, res.toxicity, res.updated_ts
		FROM `+t.batchEmails+` be
		JOIN global_emails ge ON ge.global_id = be.email_global_id
		JOIN `+t.results+` res ON res.email_global_id = be.email_global_id
		WHERE be.batch_id = $1
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("load catchall results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.CatchallResult)
	for rows.Next() {
		var stripped string
		var res domain.CatchallResult
		if err := rows.Scan(&stripped, &res.EmailGlobalID, &res.Status, &res.Toxicity, &res.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan catchall result: %w", err)
		}
		out[stripped] = res
	}
	return out, rows.Err()
}
