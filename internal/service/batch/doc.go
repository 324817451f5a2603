// Package batch implements the user-batch lifecycle.
//
// A batch is created as a draft, optionally referencing an uploaded source
// file, then started: addresses are normalised, credits reserved,
// associations recorded with a cached-result short circuit, credits
// deducted, and the batch queued for packing. A batch whose every address
// already has a cached result completes inside the start call without a
// provider round trip.
//
// Pause, resume and archive are status-guarded conditional transitions.
// Completion always goes through the conditional update so the hook fires
// at most once per batch regardless of which component observes the final
// association.
package batch
