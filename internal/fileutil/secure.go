// Package fileutil writes credential and token files readable only by the
// current user. On Windows owner-only modes also get a restrictive DACL.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

func isOwnerOnly(perm os.FileMode) bool {
	return perm&0077 == 0
}

// SecureWriteFile replaces path with data. The data is written to a
// temporary file in the same directory and renamed into place, so readers
// never observe a partial file.
func SecureWriteFile(path string, data []byte, perm os.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	restrict(path, perm)
	return nil
}

// SecureMkdirAll creates path and any missing parents. Directories it
// creates are restricted when perm is owner-only.
func SecureMkdirAll(path string, perm os.FileMode) error {
	var created []string
	for p := filepath.Clean(path); ; {
		if _, err := os.Stat(p); err == nil {
			break
		}
		created = append(created, p)
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}
	for _, dir := range created {
		restrict(dir, perm)
	}
	return nil
}
