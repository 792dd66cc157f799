package fileutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// assertPermNoMoreThan checks that path is no more permissive than want.
func assertPermNoMoreThan(t *testing.T, path string, want os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got := info.Mode().Perm(); got&^want != 0 {
		t.Errorf("perm = %04o, has bits beyond %04o", got, want)
	}
}

func TestSecureWriteFile(t *testing.T) {
	tests := []struct {
		name string
		perm os.FileMode
	}{
		{"owner_only_0600", 0600},
		{"permissive_0644", 0644},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "token.json")
			if err := SecureWriteFile(path, []byte("first"), tt.perm); err != nil {
				t.Fatalf("SecureWriteFile: %v", err)
			}
			if err := SecureWriteFile(path, []byte("second"), tt.perm); err != nil {
				t.Fatalf("SecureWriteFile overwrite: %v", err)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if string(got) != "second" {
				t.Errorf("content = %q, want %q", got, "second")
			}
			if runtime.GOOS != "windows" {
				assertPermNoMoreThan(t, path, tt.perm)
			}
		})
	}
}

func TestSecureWriteFile_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := SecureWriteFile(filepath.Join(dir, "a.json"), []byte("x"), 0600); err != nil {
		t.Fatalf("SecureWriteFile: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.json" {
		t.Errorf("dir entries = %v, want only a.json", entries)
	}
}

func TestSecureWriteFile_NonexistentParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no", "such", "dir", "file")
	if err := SecureWriteFile(path, []byte("data"), 0600); err == nil {
		t.Fatal("expected error for nonexistent parent dir")
	}
}

func TestSecureMkdirAll(t *testing.T) {
	tests := []struct {
		name string
		perm os.FileMode
	}{
		{"owner_only_0700", 0700},
		{"permissive_0755", 0755},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "a", "b", "c")
			if err := SecureMkdirAll(path, tt.perm); err != nil {
				t.Fatalf("SecureMkdirAll: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("Stat: %v", err)
			}
			if !info.IsDir() {
				t.Error("expected directory")
			}
			if runtime.GOOS != "windows" {
				assertPermNoMoreThan(t, path, tt.perm)
			}
			if err := SecureMkdirAll(path, tt.perm); err != nil {
				t.Errorf("SecureMkdirAll on existing dir: %v", err)
			}
		})
	}
}
