// Package dedupe records idempotency keys for a limited time so that a
// retried request can be answered with the response of the first attempt
// instead of being executed again.
package dedupe
