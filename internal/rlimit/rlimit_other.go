//go:build !unix

package rlimit

// Raise is a no-op on platforms without settable descriptor limits.
func Raise() (uint64, error) {
	return 0, nil
}
