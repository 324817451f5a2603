package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/service/batch"
)

// BatchRepo implements batch.Repository against PostgreSQL.
type BatchRepo struct{ db *sql.DB }

// NewBatchRepo creates a Postgres-backed batch repository.
func NewBatchRepo(db *sql.DB) *BatchRepo { return &BatchRepo{db: db} }

func (r *BatchRepo) CreateBatch(ctx context.Context, b *domain.UserBatch) error {
	t := tablesFor(b.CheckType)
	meta, err := marshalMetadata(b.S3Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO `+t.userBatches+`
			(id, user_id, title, status, total_emails, is_archived, s3_metadata, created_at)
		VALUES ($1, $2, $3, $4, 0, false, $5, $6)
	`, b.ID, b.UserID, b.Title, b.Status, meta, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (r *BatchRepo) GetBatch(ctx context.Context, ct domain.CheckType, batchID string) (*domain.UserBatch, error) {
	t := tablesFor(ct)
	b := &domain.UserBatch{CheckType: ct}
	var meta []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(title,''), status, total_emails,
		       is_archived, s3_metadata, created_at, completed_at
		FROM `+t.userBatches+`
		WHERE id = $1
	`, batchID).Scan(
		&b.ID, &b.UserID, &b.Title, &b.Status, &b.TotalEmails,
		&b.IsArchived, &meta, &b.CreatedAt, &b.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, batch.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &b.S3Metadata); err != nil {
			return nil, fmt.Errorf("decode s3 metadata: %w", err)
		}
	}
	return b, nil
}

func (r *BatchRepo) ListBatches(ctx context.Context, ct domain.CheckType, userID string, includeArchived bool) ([]domain.UserBatch, error) {
	t := tablesFor(ct)
	q := `
		SELECT id, user_id, COALESCE(title,''), status, total_emails,
		       is_archived, s3_metadata, created_at, completed_at
		FROM ` + t.userBatches + `
		WHERE user_id = $1`
	if !includeArchived {
		q += ` AND is_archived = false`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.UserBatch
	for rows.Next() {
		b := domain.UserBatch{CheckType: ct}
		var meta []byte
		if err := rows.Scan(
			&b.ID, &b.UserID, &b.Title, &b.Status, &b.TotalEmails,
			&b.IsArchived, &meta, &b.CreatedAt, &b.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &b.S3Metadata); err != nil {
				return nil, fmt.Errorf("decode s3 metadata: %w", err)
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertAssociations resolves global ids and writes association rows with
// the cached-result short circuit, all in one transaction. The short
// circuit is decided by the presence of a results row at insertion time.
func (r *BatchRepo) InsertAssociations(ctx context.Context, ct domain.CheckType, batchID string, emails []batch.SubmittedEmail) (*batch.AssociationStats, error) {
	t := tablesFor(ct)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The DO UPDATE arm is a no-op that makes RETURNING yield the id on
	// conflict as well.
	resolve, err := tx.PrepareContext(ctx, `
		INSERT INTO global_emails (email_stripped)
		VALUES ($1)
		ON CONFLICT (email_stripped) DO UPDATE SET email_stripped = EXCLUDED.email_stripped
		RETURNING global_id
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare resolve: %w", err)
	}
	defer resolve.Close()

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO `+t.batchEmails+`
			(batch_id, email_global_id, email_nominal, used_cached, did_complete, retry_count)
		SELECT $1, $2, $3,
		       EXISTS (SELECT 1 FROM `+t.results+` WHERE email_global_id = $2),
		       EXISTS (SELECT 1 FROM `+t.results+` WHERE email_global_id = $2),
		       0
		ON CONFLICT (batch_id, email_global_id)
		DO UPDATE SET email_nominal = EXCLUDED.email_nominal
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	for _, e := range emails {
		var gid int64
		if err := resolve.QueryRowContext(ctx, e.Stripped).Scan(&gid); err != nil {
			return nil, fmt.Errorf("resolve global email %s: %w", e.Stripped, err)
		}
		if _, err := insert.ExecContext(ctx, batchID, gid, e.Nominal); err != nil {
			return nil, fmt.Errorf("insert association: %w", err)
		}
	}

	stats := &batch.AssociationStats{}
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE used_cached)
		FROM `+t.batchEmails+`
		WHERE batch_id = $1
	`, batchID).Scan(&stats.Total, &stats.Cached); err != nil {
		return nil, fmt.Errorf("count associations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE `+t.userBatches+` SET total_emails = $1 WHERE id = $2
	`, stats.Total, batchID); err != nil {
		return nil, fmt.Errorf("update total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit associations: %w", err)
	}
	return stats, nil
}

func (r *BatchRepo) TransitionStatus(ctx context.Context, ct domain.CheckType, batchID string, from []domain.BatchStatus, to domain.BatchStatus) (bool, error) {
	t := tablesFor(ct)
	args := []interface{}{to, batchID}
	in := ""
	for i, f := range from {
		if i > 0 {
			in += ", "
		}
		in += fmt.Sprintf("$%d", len(args)+1)
		args = append(args, f)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE `+t.userBatches+` SET status = $1
		WHERE id = $2 AND status IN (`+in+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteBatch is the single completion path shared by start-batch, the
// result applier and the sweeper. The conditional update guarantees the
// transition, and therefore the hook, happens exactly once.
func (r *BatchRepo) CompleteBatch(ctx context.Context, ct domain.CheckType, batchID string) (bool, error) {
	t := tablesFor(ct)
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+t.userBatches+` ub
		SET status = 'completed', completed_at = NOW()
		WHERE ub.id = $1
		  AND ub.status NOT IN ('completed', 'failed')
		  AND EXISTS (
		      SELECT 1 FROM `+t.batchEmails+` WHERE batch_id = $1
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM `+t.batchEmails+`
		      WHERE batch_id = $1 AND did_complete = false
		  )
	`, batchID)
	if err != nil {
		return false, fmt.Errorf("complete batch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *BatchRepo) GetProgress(ctx context.Context, ct domain.CheckType, batchID string) (*batch.Progress, error) {
	t := tablesFor(ct)
	p := &batch.Progress{BatchID: batchID}
	err := r.db.QueryRowContext(ctx, `
		SELECT ub.status, ub.total_emails,
		       COUNT(be.*) FILTER (WHERE be.did_complete),
		       COUNT(be.*) FILTER (WHERE be.used_cached)
		FROM `+t.userBatches+` ub
		LEFT JOIN `+t.batchEmails+` be ON be.batch_id = ub.id
		WHERE ub.id = $1
		GROUP BY ub.status, ub.total_emails
	`, batchID).Scan(&p.Status, &p.TotalEmails, &p.Completed, &p.Cached)
	if err == sql.ErrNoRows {
		return nil, batch.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

func (r *BatchRepo) SetArchived(ctx context.Context, ct domain.CheckType, batchID string, archived bool) error {
	t := tablesFor(ct)
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+t.userBatches+` SET is_archived = $1 WHERE id = $2
	`, archived, batchID)
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return batch.ErrBatchNotFound
	}
	return nil
}

func (r *BatchRepo) UpdateS3Metadata(ctx context.Context, ct domain.CheckType, batchID string, meta *domain.S3Metadata) error {
	t := tablesFor(ct)
	raw, err := marshalMetadata(meta)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+t.userBatches+` SET s3_metadata = $1 WHERE id = $2
	`, raw, batchID)
	if err != nil {
		return fmt.Errorf("update s3 metadata: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return batch.ErrBatchNotFound
	}
	return nil
}

func marshalMetadata(meta *domain.S3Metadata) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode s3 metadata: %w", err)
	}
	return raw, nil
}
