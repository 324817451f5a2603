package domain

import "fmt"

// CheckType identifies the verification product a batch belongs to.
// Every table set in the store exists once per check type; repositories
// select the table set from this enum, never from a raw string.
type CheckType string

const (
	// CheckDeliverable classifies addresses as deliverable / undeliverable /
	// risky / unknown.
	CheckDeliverable CheckType = "deliverable"
	// CheckCatchall scores catch-all domains for toxicity.
	CheckCatchall CheckType = "catchall"
)

// CheckTypes lists all valid check types, in stable order.
var CheckTypes = []CheckType{CheckDeliverable, CheckCatchall}

// ParseCheckType validates a raw string against the known check types.
func ParseCheckType(s string) (CheckType, error) {
	switch CheckType(s) {
	case CheckDeliverable:
		return CheckDeliverable, nil
	case CheckCatchall:
		return CheckCatchall, nil
	}
	return "", fmt.Errorf("unknown check type %q", s)
}

// RequestKind identifies a provider API call class for rate governance.
type RequestKind string

const (
	RequestCreateBatch     RequestKind = "create_batch"
	RequestCheckStatus     RequestKind = "check_status"
	RequestDownloadResults RequestKind = "download_results"
)
