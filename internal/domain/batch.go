package domain

import "time"

// BatchStatus enumerates the lifecycle states of a user batch.
type BatchStatus string

const (
	BatchDraft      BatchStatus = "draft"
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchPaused     BatchStatus = "paused"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// UserBatch is a customer-submitted collection of email addresses of one
// check type.
type UserBatch struct {
	ID          string      `json:"id" db:"id"`
	UserID      string      `json:"user_id" db:"user_id"`
	CheckType   CheckType   `json:"check_type" db:"check_type"`
	Title       string      `json:"title" db:"title"`
	Status      BatchStatus `json:"status" db:"status"`
	TotalEmails int         `json:"total_emails" db:"total_emails"`
	IsArchived  bool        `json:"is_archived" db:"is_archived"`
	S3Metadata  *S3Metadata `json:"s3_metadata,omitempty" db:"s3_metadata"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal returns true if the batch is in a final state.
func (b *UserBatch) IsTerminal() bool {
	return b.Status == BatchCompleted || b.Status == BatchFailed
}

// CanPause reports whether a pause request is valid from the current state.
func (b *UserBatch) CanPause() bool {
	switch b.Status {
	case BatchDraft, BatchQueued, BatchProcessing:
		return true
	}
	return false
}

// BatchEmailAssociation links one global email to one user batch. Primary
// key is (batch_id, email_global_id): an email appears at most once per
// user batch.
type BatchEmailAssociation struct {
	BatchID       string `json:"batch_id" db:"batch_id"`
	EmailGlobalID int64  `json:"email_global_id" db:"email_global_id"`
	// EmailNominal is the address exactly as the customer submitted it;
	// the stripped form lives on GlobalEmail.
	EmailNominal string `json:"email_nominal" db:"email_nominal"`
	UsedCached   bool   `json:"used_cached" db:"used_cached"`
	DidComplete  bool   `json:"did_complete" db:"did_complete"`
	RetryCount   int    `json:"retry_count" db:"retry_count"`
}

// GlobalEmail is the append-only registry of canonical stripped addresses.
// A row is created on first sight of a stripped form and never mutated.
type GlobalEmail struct {
	GlobalID      int64  `json:"global_id" db:"global_id"`
	EmailStripped string `json:"email_stripped" db:"email_stripped"`
}

// S3Metadata is the nested export/source metadata stored on a user batch.
type S3Metadata struct {
	Original *SourceObject            `json:"original,omitempty"`
	Exports  map[string]*ExportObject `json:"exports,omitempty"`
}

// SourceObject describes the uploaded source file a batch was created from.
type SourceObject struct {
	S3Key           string         `json:"s3_key"`
	UploadTimestamp time.Time      `json:"upload_timestamp"`
	FileSize        int64          `json:"file_size"`
	MimeType        string         `json:"mime_type"`
	FileName        string         `json:"file_name"`
	ColumnMapping   map[string]int `json:"column_mapping"`
}

// EmailColumn returns the source column index holding the email address.
func (s *SourceObject) EmailColumn() (int, bool) {
	if s == nil || s.ColumnMapping == nil {
		return 0, false
	}
	idx, ok := s.ColumnMapping["email"]
	return idx, ok
}

// ExportObject describes one generated export artifact.
type ExportObject struct {
	S3Key       string    `json:"s3_key"`
	GeneratedAt time.Time `json:"generated_at"`
	// Size is the number of data rows written, not bytes.
	Size   int64  `json:"size"`
	Status string `json:"status"`
}
