// Package redact provides redaction and HMAC helpers: Key and Header
// return redacted forms of a credential string and an Authorization
// value, and Sign/VerifySignature compute and check the webhook
// signature (spec.md §6).
package redact

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key redacts a "<keyId>.<secret>" credential string down to its
// redaction-safe keyId prefix, e.g. "sk-abc.XXXXXXXX" -> "sk-abc".
// Anything without a "." separator is treated as entirely secret.
func Key(raw string) string {
	idx := strings.IndexByte(raw, '.')
	if idx < 0 {
		return "***"
	}
	return raw[:idx]
}

// Header returns a placeholder for any Authorization-shaped header
// value, never the original.
func Header(string) string {
	return "[redacted]"
}

// Sign computes the webhook HMAC signature: sha256(secret, timestamp + "." + body)
// (spec.md §6), returned as the literal "sha256=<hex>" header value.
func Sign(secret, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig (the "sha256=<hex>" header value)
// matches the expected HMAC for body signed at timestamp.
func VerifySignature(secret, timestamp, body, sig string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}
