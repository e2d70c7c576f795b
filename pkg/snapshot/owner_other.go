//go:build !linux

package snapshot

import "io/fs"

// fileOwner is a no-op on non-Linux platforms; this daemon targets
// Linux hosts, but the snapshot package itself should still build
// elsewhere for local development and testing.
func fileOwner(info fs.FileInfo) (uid, gid int) {
	return 0, 0
}
