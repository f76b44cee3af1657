// Package ledger is the append-only record of every billable event: metered
// AI usage and marketplace purchases. Writes are guarded by a caller-supplied
// idempotency key with insert-or-return semantics, so a retried write returns
// the entry stored the first time.
//
// Successful inserts can be mirrored to an analytics Sink (ClickHouse in
// production) in the background; the primary Store stays the source of truth.
package ledger
