// Package privdrop drops root privileges after the listening socket has
// been bound, so the proxy process runs unprivileged for the rest of its
// life.
package privdrop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Drop sets the process group and user IDs to gid and uid. Call it once,
// immediately after binding the listener. A zero (or negative) uid or gid
// leaves that ID unchanged, so Drop(0, 0) is a no-op.
//
// Order matters: the group ID must be dropped before the user ID, since
// changing the user ID first can remove the permission needed to change
// the group ID afterward.
func Drop(uid, gid int) error {
	if gid > 0 {
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("privdrop: setgid(%d): %w", gid, err)
		}
	}
	if uid > 0 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("privdrop: setuid(%d): %w", uid, err)
		}
	}
	return nil
}
