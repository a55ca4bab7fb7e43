// Package domain defines the core business types for the PHI-safe mailing platform.
//
// Types in this package are pure value objects with no behavior, no database
// dependencies, and no HTTP concerns. They are the shared language between
// handlers, services, workers, and repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
//
// Fields documented as "encrypted" hold vault tokens at rest. They are only
// replaced with plaintext on the copies returned from service Find methods.
package domain
