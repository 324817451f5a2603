package credits

import "errors"

// Sentinel errors for the credit ledger.
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyDeducted     = errors.New("credits already deducted for batch")
	ErrInvalidAmount       = errors.New("credit amount must be positive")
)
