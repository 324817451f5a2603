package domain

import "time"

// EnrichmentStatus enumerates the lifecycle of one enrichment run.
type EnrichmentStatus string

const (
	EnrichmentProcessing EnrichmentStatus = "processing"
	EnrichmentCompleted  EnrichmentStatus = "completed"
	EnrichmentFailed     EnrichmentStatus = "failed"
)

// EnrichmentProgress tracks an enrichment run, keyed by (batch_id, check_type).
type EnrichmentProgress struct {
	BatchID       string           `json:"batch_id" db:"batch_id"`
	CheckType     CheckType        `json:"check_type" db:"check_type"`
	Status        EnrichmentStatus `json:"status" db:"status"`
	RowsProcessed int64            `json:"rows_processed" db:"rows_processed"`
	TotalRows     *int64           `json:"total_rows,omitempty" db:"total_rows"`
	StartedAt     time.Time        `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage  string           `json:"error_message,omitempty" db:"error_message"`
}

// ExportKind names one partitioned export artifact.
type ExportKind string

const (
	ExportAllEmails    ExportKind = "all_emails"
	ExportValidOnly    ExportKind = "valid_only"
	ExportInvalidOnly  ExportKind = "invalid_only"
	ExportCatchallOnly ExportKind = "catchall_only"
	ExportGoodOnly     ExportKind = "good_only"
	ExportBadOnly      ExportKind = "bad_only"
	ExportRiskyOnly    ExportKind = "risky_only"
)

// ExportKindsFor returns the export artifacts generated for a check type.
func ExportKindsFor(ct CheckType) []ExportKind {
	if ct == CheckCatchall {
		return []ExportKind{ExportAllEmails, ExportGoodOnly, ExportBadOnly, ExportRiskyOnly}
	}
	return []ExportKind{ExportAllEmails, ExportValidOnly, ExportInvalidOnly, ExportCatchallOnly}
}

// ExportKindForVerdict maps a verdict to the partition it belongs to.
// The all_emails partition additionally receives every enriched row.
func ExportKindForVerdict(v Verdict) ExportKind {
	switch v {
	case VerdictValid:
		return ExportValidOnly
	case VerdictCatchAll:
		return ExportCatchallOnly
	case VerdictInvalid:
		return ExportInvalidOnly
	case VerdictGood:
		return ExportGoodOnly
	case VerdictRisky:
		return ExportRiskyOnly
	case VerdictBad:
		return ExportBadOnly
	}
	return ExportAllEmails
}
