package integration

import "errors"

var (
	// ErrNotReady is returned by SetupEntry when the controllers cannot be
	// reached yet. RunEntry retries on it; every other error is final.
	ErrNotReady = errors.New("integration: controllers not ready")

	// ErrAlreadySetUp is returned when an entry ID is set up twice.
	ErrAlreadySetUp = errors.New("integration: entry already set up")

	// ErrUnknownEntry is returned by UnloadEntry for entries that are not set up.
	ErrUnknownEntry = errors.New("integration: unknown entry")
)
