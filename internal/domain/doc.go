// Package domain defines the core business types for the campaign engine.
//
// Types in this package are pure value objects with no database
// dependencies and no HTTP concerns. They are the shared language between
// the segmentation compiler, the delivery orchestrator, the drip scheduler,
// the A/B evaluator, the webhook normalizer and the repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain

// TenantID scopes every operation to one account. It is always passed
// explicitly; there is no ambient "current account".
type TenantID string
