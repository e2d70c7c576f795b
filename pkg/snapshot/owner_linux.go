//go:build linux

package snapshot

import (
	"io/fs"
	"syscall"
)

// fileOwner extracts the uid/gid recorded in the platform-specific stat
// structure so a restore can chown a file back to its captured owner.
func fileOwner(info fs.FileInfo) (uid, gid int) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return int(stat.Uid), int(stat.Gid)
}
