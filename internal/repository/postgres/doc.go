// Package postgres implements the service repository interfaces against
// PostgreSQL.
//
// Verification tables exist once per check type; repositories pick the
// table set from the CheckType enum via tablesFor and never interpolate
// raw strings into SQL. The global email registry, credit ledger, rate
// counters and enrichment progress are shared across check types.
//
// Multi-step mutations (association insertion, packing, result
// application, credit deduction) each run inside a single transaction;
// status transitions use conditional updates so concurrent workers race
// safely.
package postgres
