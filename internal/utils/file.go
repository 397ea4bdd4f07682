// Package utils provides file persistence and path helpers shared across
// the daemon. Every durable document (state JSON, trace and work-log YAML)
// goes through WriteFileAtomic so readers never observe a torn file.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// WriteFileAtomic writes data to path atomically: write a sibling temp
// file, fsync it, then rename over the target. On any failure the temp
// file is removed best-effort and the previous contents of path remain
// intact.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	// fsync before rename so a crash cannot leave an empty target.
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := DefaultRenameRetry(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// RenameWithRetry performs an atomic file rename with retry logic for
// Windows, where renames can fail with "Access is denied" while another
// process holds a handle on the target. Retries use exponential backoff.
// On non-Windows platforms the first error is returned as-is.
func RenameWithRetry(oldPath, newPath string, maxRetries int, initialDelay time.Duration) error {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := os.Rename(oldPath, newPath)
		if err == nil {
			return nil
		}
		lastErr = err

		if runtime.GOOS != "windows" {
			break
		}
		if attempt < maxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("rename failed after %d attempt(s): %w", maxRetries+1, lastErr)
}

// DefaultRenameRetry calls RenameWithRetry with 3 retries and a 100ms
// initial delay (100ms, 200ms, 400ms = 700ms max wait).
func DefaultRenameRetry(oldPath, newPath string) error {
	return RenameWithRetry(oldPath, newPath, 3, 100*time.Millisecond)
}

// ReadFileRetry reads a file, retrying briefly when the file is missing or
// empty. Readers of daemon-owned documents can race the write-temp+rename
// window; one short retry loop absorbs that.
func ReadFileRetry(path string, attempts int, delay time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("file %s is empty", path)
		} else {
			lastErr = err
		}
		if attempt < attempts-1 {
			time.Sleep(delay)
		}
	}
	return nil, lastErr
}
