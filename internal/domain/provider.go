package domain

import "time"

// ProviderBatchStatus enumerates the lifecycle states of a provider batch.
type ProviderBatchStatus string

const (
	ProviderPending    ProviderBatchStatus = "pending"
	ProviderProcessing ProviderBatchStatus = "processing"
	ProviderCompleted  ProviderBatchStatus = "completed"
	ProviderFailed     ProviderBatchStatus = "failed"
)

// ProviderBatch tracks one unit of work sent to the external verification
// API. It may contain emails coalesced from multiple user batches.
type ProviderBatch struct {
	// ProviderBatchID is the external identifier assigned by the provider.
	ProviderBatchID string    `json:"provider_batch_id" db:"provider_batch_id"`
	CheckType       CheckType `json:"check_type" db:"check_type"`
	// PrimaryUserBatchID is the oldest user batch contributing emails.
	PrimaryUserBatchID string              `json:"primary_user_batch_id" db:"primary_user_batch_id"`
	Status             ProviderBatchStatus `json:"status" db:"status"`
	EmailCount         int                 `json:"email_count" db:"email_count"`
	Processed          int                 `json:"processed" db:"processed"`
	Attempts           int                 `json:"attempts" db:"attempts"`
	CreatedAt          time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at" db:"updated_at"`
}

// InFlight reports whether the provider batch still occupies concurrency
// capacity.
func (p *ProviderBatch) InFlight() bool {
	return p.Status == ProviderPending || p.Status == ProviderProcessing
}

// ProviderBatchEmail resolves which user batch owned an email within a
// provider batch. Its absence is what makes an association eligible for
// packing.
type ProviderBatchEmail struct {
	ProviderBatchID string `json:"provider_batch_id" db:"provider_batch_id"`
	EmailGlobalID   int64  `json:"email_global_id" db:"email_global_id"`
	UserBatchID     string `json:"user_batch_id" db:"user_batch_id"`
}

// ProviderResult is one record from a provider completion payload. Unknown
// provider fields are dropped at decode time; missing fields keep their
// zero values and are defaulted by the result applier.
type ProviderResult struct {
	Email      string `json:"email"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	IsCatchall string `json:"is_catchall"`
	Score      int    `json:"score"`
	Provider   string `json:"provider"`
	Toxicity   int    `json:"toxicity"`
}
