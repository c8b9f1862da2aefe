package config

import (
	"os"
	"strings"
)

// SlipVerifyDisabled short-circuits the external verification call and fails
// every submission with a transient error. Used during provider maintenance
// windows so uploads keep landing in storage without being consumed.
//
// Set via env:
// - SLIP_VERIFY_DISABLED=true
func SlipVerifyDisabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SLIP_VERIFY_DISABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// OutboxDispatcherDisabled keeps status events queued without publishing.
// Useful in environments without a Pub/Sub topic (local dev, CI).
func OutboxDispatcherDisabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DISPATCHER_DISABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
