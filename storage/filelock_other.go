//go:build windows || js || wasip1

package storage

import "os"

// flockExclusive is a no-op on platforms without an advisory-lock
// syscall wired up here; single-process use is assumed.
func flockExclusive(f *os.File) error { return nil }

func flockRelease(f *os.File) error { return nil }
