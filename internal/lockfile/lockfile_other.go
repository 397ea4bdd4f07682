//go:build !unix

package lockfile

import "os"

// File locking is advisory-only off unix; single-instance enforcement
// falls back to the PID file check in these environments.

func flockExclusive(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }

func isProcessRunning(pid int) bool { return pid > 0 }
