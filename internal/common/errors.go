// Package common contains shared constants and sentinel errors used across
// Clipberry components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Identity errors. Corrupt key material is fatal: regenerating the
	// certificate would invalidate every peer's recorded fingerprint.
	ErrIdentityCorrupt = errors.New("identity material corrupt or unreadable")

	// Pairing errors.
	ErrInvalidToken = errors.New("invalid, expired or already consumed token")

	// Transport errors.
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrUnsupportedMessage = errors.New("unsupported message")
	ErrNoSession          = errors.New("no active session for device")
)
