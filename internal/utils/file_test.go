package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Run("creates file with contents", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		if err := WriteFileAtomic(path, []byte(`{"ok":true}`), 0o644); err != nil {
			t.Fatalf("WriteFileAtomic: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if string(data) != `{"ok":true}` {
			t.Errorf("contents = %q", data)
		}
	})

	t.Run("replaces existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := WriteFileAtomic(path, []byte("new"), 0o644); err != nil {
			t.Fatalf("WriteFileAtomic: %v", err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "new" {
			t.Errorf("contents = %q, want %q", data, "new")
		}
	})

	t.Run("leaves no temp file behind", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "doc.yaml")
		if err := WriteFileAtomic(path, []byte("a: 1\n"), 0o644); err != nil {
			t.Fatalf("WriteFileAtomic: %v", err)
		}
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Error("temp file still present after successful write")
		}
	})

	t.Run("creates missing parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state", "sprint_traces", "AAP-1.yaml")
		if err := WriteFileAtomic(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFileAtomic: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("stat: %v", err)
		}
	})
}

func TestWriteFileAtomicFailureKeepsPrior(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("prior"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Make the directory read-only so the temp file cannot be created.
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	if err := WriteFileAtomic(path, []byte("next"), 0o644); err == nil {
		t.Skip("running as privileged user, cannot provoke write failure")
	}

	os.Chmod(dir, 0o755)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "prior" {
		t.Errorf("failed write mutated target: %q", data)
	}
}

func TestRenameWithRetry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := RenameWithRetry(src, dst, 3, time.Millisecond); err != nil {
		t.Fatalf("RenameWithRetry: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("dest missing: %v", err)
	}

	if err := RenameWithRetry(filepath.Join(dir, "missing"), dst, 1, time.Millisecond); err == nil {
		t.Error("expected error renaming missing file")
	}
}

func TestReadFileRetry(t *testing.T) {
	t.Run("reads existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "f")
		os.WriteFile(path, []byte("data"), 0o644)
		data, err := ReadFileRetry(path, 3, time.Millisecond)
		if err != nil || string(data) != "data" {
			t.Errorf("got %q, %v", data, err)
		}
	})

	t.Run("errors after exhausting attempts", func(t *testing.T) {
		_, err := ReadFileRetry(filepath.Join(t.TempDir(), "missing"), 2, time.Millisecond)
		if err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		in, want string
	}{
		{"~/x/y", filepath.Join(home, "x/y")},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"rel/path", "rel/path"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
