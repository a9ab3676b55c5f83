//go:build !linux

package serial

import "io"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Lock is a no-op outside Linux.
func Lock(string) (io.Closer, error) { return nopCloser{}, nil }
