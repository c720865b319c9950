//go:build !unix

package storage

import "context"

// fileLock is a no-op where flock is unavailable; the transaction-level
// checks in migrate still keep concurrent creation consistent.
type fileLock struct{}

func acquireFileLock(_ context.Context, _ string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) release() error { return nil }
