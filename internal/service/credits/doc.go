// Package credits implements the verification credit ledger.
//
// Credits exist in two pools per user per check type: use-or-lose
// subscription buckets with an expiry, and a one-off balance that never
// expires. Deduction consumes subscription credits first (oldest expiry
// first), then one-off credits, atomically and exactly once per batch.
//
// Reservation is advisory (a pre-flight sum); deduction is authoritative.
// Repository implementations live in repository/postgres.
package credits
