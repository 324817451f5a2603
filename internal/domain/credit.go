package domain

import "time"

// CreditAccount holds a user's one-off credit balance for one check type.
// One-off credits never expire; they are consumed only after subscription
// credits.
type CreditAccount struct {
	UserID         string    `json:"user_id" db:"user_id"`
	CheckType      CheckType `json:"check_type" db:"check_type"`
	CurrentBalance int64     `json:"current_balance" db:"current_balance"`
}

// SubscriptionCredits is a use-or-lose credit bucket granted by an active
// subscription. Consumed before one-off credits, oldest expiry first.
type SubscriptionCredits struct {
	ID           int64     `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	CheckType    CheckType `json:"check_type" db:"check_type"`
	CreditsStart int64     `json:"credits_start" db:"credits_start"`
	CreditsLeft  int64     `json:"credits_left" db:"credits_left"`
	ExpiresAt    time.Time `json:"expiry_ts" db:"expiry_ts"`
}

// Expired reports whether the bucket is past its expiry at the given time.
func (s *SubscriptionCredits) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// CreditEventType classifies credit ledger history entries.
type CreditEventType string

const (
	CreditUsage       CreditEventType = "usage"
	CreditPurchase    CreditEventType = "purchase"
	CreditReferReward CreditEventType = "refer_reward"
)

// CreditHistory is an append-only ledger entry.
type CreditHistory struct {
	ID          int64           `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	CheckType   CheckType       `json:"check_type" db:"check_type"`
	CreditsUsed int64           `json:"credits_used" db:"credits_used"`
	EventType   CreditEventType `json:"event_type" db:"event_type"`
	BatchID     *string         `json:"batch_id,omitempty" db:"batch_id"`
	UsageAt     time.Time       `json:"usage_ts" db:"usage_ts"`
}
