// Package dedupe guards send_message against client retries: a message that
// carries a requestId already seen from the same sender within the TTL is
// rejected instead of being persisted and delivered twice.
package dedupe
