//go:build !windows

package dsn

import "os"

// passfilePermissionsOK reports whether path's permission bits grant no
// access to group or other, per §6: "Unix permission bits (group/other)
// must be clear; otherwise the file is ignored with a warning." The
// warning itself is the caller's responsibility (dsn has no logger).
func passfilePermissionsOK(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o077 == 0
}
