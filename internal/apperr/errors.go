// Package apperr defines the error taxonomy shared across packages.
package apperr

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidName  = errors.New("invalid name")

	// ErrHandshakeRejected closes a connection before any session is touched.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrLoadFailure means persisted state could not be read on first acquisition.
	ErrLoadFailure = errors.New("document load failed")
	// ErrFlushFailure is logged and retried on the next flush cycle.
	ErrFlushFailure = errors.New("document flush failed")
	// ErrOverRelease guards against releasing a document more times than it was acquired.
	ErrOverRelease = errors.New("document released more times than acquired")
	// ErrCorrupt marks persisted state that fails its integrity check.
	ErrCorrupt = errors.New("persisted state corrupt")

	ErrInvalidParent = errors.New("invalid parent")
	ErrCyclicMove    = errors.New("cyclic move")
	ErrNodeNotFound  = errors.New("node not found")
)
