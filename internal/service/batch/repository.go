package batch

import (
	"context"

	"github.com/omniverifier/engine/internal/domain"
)

// SubmittedEmail is one normalised address ready for association. Nominal is
// the form the customer typed; Stripped is the canonical form keyed in the
// global email registry.
type SubmittedEmail struct {
	Nominal  string
	Stripped string
}

// AssociationStats summarises one InsertAssociations call.
type AssociationStats struct {
	// Total is the number of association rows for the batch afterwards.
	Total int
	// Cached is how many of them were short-circuited against an existing
	// global result (used_cached=1, did_complete=1 at insertion).
	Cached int
}

// Progress is the user-facing view of batch advancement.
type Progress struct {
	BatchID     string             `json:"batch_id"`
	Status      domain.BatchStatus `json:"status"`
	TotalEmails int                `json:"total_emails"`
	Completed   int                `json:"completed"`
	Cached      int                `json:"cached"`
}

// Repository defines the data access contract for user batches.
type Repository interface {
	// CreateBatch inserts a new draft batch.
	CreateBatch(ctx context.Context, b *domain.UserBatch) error

	// GetBatch returns the batch or ErrBatchNotFound.
	GetBatch(ctx context.Context, ct domain.CheckType, batchID string) (*domain.UserBatch, error)

	// ListBatches returns a user's batches, newest first.
	ListBatches(ctx context.Context, ct domain.CheckType, userID string, includeArchived bool) ([]domain.UserBatch, error)

	// InsertAssociations resolves each stripped address to a global email
	// row (creating one on first sight), inserts association rows with the
	// cached-result short circuit applied, and updates total_emails. On a
	// (batch_id, email_global_id) conflict the latest nominal form wins.
	// All of it runs in one transaction.
	InsertAssociations(ctx context.Context, ct domain.CheckType, batchID string, emails []SubmittedEmail) (*AssociationStats, error)

	// TransitionStatus conditionally moves the batch from one of the given
	// statuses to the target. Returns false without error when the batch
	// was not in an expected status.
	TransitionStatus(ctx context.Context, ct domain.CheckType, batchID string, from []domain.BatchStatus, to domain.BatchStatus) (bool, error)

	// CompleteBatch marks the batch completed iff its did_complete count
	// equals total_emails, it holds at least one association, and it is not
	// already terminal. Returns true only for the transition that won.
	CompleteBatch(ctx context.Context, ct domain.CheckType, batchID string) (bool, error)

	// GetProgress counts association completion for the batch.
	GetProgress(ctx context.Context, ct domain.CheckType, batchID string) (*Progress, error)

	// SetArchived flips the archive flag.
	SetArchived(ctx context.Context, ct domain.CheckType, batchID string, archived bool) error

	// UpdateS3Metadata persists the nested source/export metadata.
	UpdateS3Metadata(ctx context.Context, ct domain.CheckType, batchID string, meta *domain.S3Metadata) error
}
