// Package provider implements the outbound verification API client.
//
// Three calls exist, matching the rate-governed request kinds: create a
// batch, poll its status, download its results. Transient failures are
// retried by the underlying httpretry client; 402 responses surface as
// ErrPaymentRequired so the lifecycle can dead-letter the batch instead
// of retrying.
package provider
