//go:build unix

// Package rlimit raises the process file-descriptor limit at startup; every
// tunneled connection costs at least two descriptors.
package rlimit

import "golang.org/x/sys/unix"

// Raise lifts the NOFILE soft limit to the hard limit and returns the
// resulting soft limit.
func Raise() (uint64, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, err
	}
	if lim.Cur >= lim.Max {
		return lim.Cur, nil
	}
	lim.Cur = lim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, err
	}
	return lim.Cur, nil
}
