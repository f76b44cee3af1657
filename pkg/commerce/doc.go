// Package commerce orchestrates marketplace purchases and metered AI usage
// against the balance, registry and ledger.
//
// A checkout moves through
//
//	received -> resolved | resolution_failed
//	         -> charged | charge_failed
//	         -> receipt_persisted | persist_failed (charge reversed)
//	         -> completed
//
// Every step is keyed by the caller's idempotency key, so a retried checkout
// either returns the stored receipt or resumes where the earlier attempt
// stopped without charging twice. Money is never left deducted without a
// receipt: any failure after the charge reverses it before returning.
package commerce
