// Package ratelimit implements the outbound provider rate governor.
//
// The provider allows 200 requests per minute; the governor enforces a
// sliding 60-second window with a safety buffer subtracted, counting
// create_batch, check_status and download_results requests per check type
// against store-backed counter rows. The store, not process memory, holds
// the window so multiple workers share one budget.
//
// Callers must Check before every provider call and Record immediately
// after deciding to proceed. A failed Check defers the job by the caller's
// loop cadence.
package ratelimit
