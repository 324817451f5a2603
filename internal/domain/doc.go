// Package domain defines the core business types for the OmniVerifier
// batch verification engine.
//
// Types in this package are pure value objects with no behavior beyond
// validation and translation helpers. They are the shared language between
// handlers, services, repositories, and workers.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Constants and enums belong here
package domain
