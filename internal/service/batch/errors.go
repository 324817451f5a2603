package batch

import "errors"

// Sentinel errors for batch lifecycle operations.
var (
	ErrBatchNotFound     = errors.New("batch not found")
	ErrNotDraft          = errors.New("batch has already been started")
	ErrInvalidTransition = errors.New("invalid batch status transition")
	ErrEmptySubmission   = errors.New("submission contains no valid email addresses")
	ErrArchived          = errors.New("batch is archived")
)
