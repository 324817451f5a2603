package domain

import "time"

// ResultStatus is the raw classification returned by the provider.
type ResultStatus string

const (
	ResultDeliverable   ResultStatus = "deliverable"
	ResultUndeliverable ResultStatus = "undeliverable"
	ResultRisky         ResultStatus = "risky"
	ResultUnknown       ResultStatus = "unknown"
)

// ReasonLowDeliverability is the provider reason that promotes a risky
// deliverable result to the Catch-All verdict.
const ReasonLowDeliverability = "low_deliverability"

// DeliverableResult is the cached verification outcome for one global email
// under the deliverable check type. Keyed by EmailGlobalID; upserted, never
// deleted.
type DeliverableResult struct {
	EmailGlobalID int64        `json:"email_global_id" db:"email_global_id"`
	Status        ResultStatus `json:"status" db:"status"`
	Reason        string       `json:"reason" db:"reason"`
	IsCatchall    bool         `json:"is_catchall" db:"is_catchall"`
	Score         int          `json:"score" db:"score"`
	Provider      string       `json:"provider" db:"provider"`
	UpdatedAt     time.Time    `json:"updated_ts" db:"updated_ts"`
}

// CatchallResult is the cached toxicity outcome for one global email under
// the catchall check type. Status is retained alongside Toxicity because the
// export translation is status-driven.
type CatchallResult struct {
	EmailGlobalID int64        `json:"email_global_id" db:"email_global_id"`
	Status        ResultStatus `json:"status" db:"status"`
	// Toxicity is 0..5, higher is worse.
	Toxicity  int       `json:"toxicity" db:"toxicity"`
	UpdatedAt time.Time `json:"updated_ts" db:"updated_ts"`
}

// Verdict is the user-visible translation of a raw result, used for export
// partitioning and the synthesized status column.
type Verdict string

const (
	VerdictValid    Verdict = "Valid"
	VerdictCatchAll Verdict = "Catch-All"
	VerdictInvalid  Verdict = "Invalid"

	VerdictGood  Verdict = "Good"
	VerdictRisky Verdict = "Risky"
	VerdictBad   Verdict = "Bad"
)

// DeliverableVerdict maps a raw deliverable result to its export verdict.
func DeliverableVerdict(r DeliverableResult) Verdict {
	switch {
	case r.Status == ResultDeliverable && !r.IsCatchall:
		return VerdictValid
	case r.IsCatchall || (r.Status == ResultRisky && r.Reason == ReasonLowDeliverability):
		return VerdictCatchAll
	default:
		return VerdictInvalid
	}
}

// CatchallVerdict maps a raw catchall result to its export verdict.
func CatchallVerdict(r CatchallResult) Verdict {
	switch r.Status {
	case ResultDeliverable:
		return VerdictGood
	case ResultRisky:
		return VerdictRisky
	default:
		return VerdictBad
	}
}
