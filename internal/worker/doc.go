// Package worker holds the background loops of the verification engine:
// the per-check-type packer, the provider-batch lifecycle poller, the
// result applier, the stuck-batch sweeper and the enrichment runner.
//
// Every loop follows the same shape: Start spawns a goroutine driven by a
// ticker, Stop cancels it, runOnce does one bounded pass. Loops are
// per-check-type; run two instances to cover both products.
package worker
