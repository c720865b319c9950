package provider

import "errors"

var (
	// ErrInvalidAddress reports a locator that does not resolve, or that
	// resolves to a shape the operation does not accept.
	ErrInvalidAddress = errors.New("provider: invalid address")
	// ErrWriteFailure reports a mutation the engine refused. A failed bulk
	// insert persists nothing.
	ErrWriteFailure = errors.New("provider: write failure")
)
