// Package dedupe provides a bounded, expiring map of accepted idempotency
// keys to message IDs, letting repeated sends short-circuit before they
// reach the serialized append path.
package dedupe
