package provider

import "github.com/omniverifier/engine/internal/domain"

// CreateBatchRequest is the payload for submitting a pool of emails.
type CreateBatchRequest struct {
	CheckType string   `json:"check_type"`
	Emails    []string `json:"emails"`
}

// CreateBatchResponse returns the external batch identifier.
type CreateBatchResponse struct {
	BatchID string `json:"batch_id"`
}

// StatusResponse is one status poll reply.
type StatusResponse struct {
	BatchID   string `json:"batch_id"`
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

// BatchStatus translates the raw status string into the internal enum.
// Unrecognised non-terminal strings map to processing.
func (r *StatusResponse) BatchStatus() domain.ProviderBatchStatus {
	switch r.Status {
	case "pending":
		return domain.ProviderPending
	case "completed":
		return domain.ProviderCompleted
	case "failed":
		return domain.ProviderFailed
	default:
		return domain.ProviderProcessing
	}
}

// ResultsResponse is a completion payload. Unknown fields in records are
// dropped at decode time; missing fields keep zero values.
type ResultsResponse struct {
	BatchID string                  `json:"batch_id"`
	Results []domain.ProviderResult `json:"results"`
}
