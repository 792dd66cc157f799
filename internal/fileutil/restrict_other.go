//go:build !windows

package fileutil

import "os"

// restrict is a no-op where the Unix mode already limits access.
func restrict(string, os.FileMode) {}
