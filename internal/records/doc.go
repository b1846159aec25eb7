// Package records persists media attachment records, conversion readiness,
// optimization savings, and idempotency claims in SQLite.
package records
