package mirror

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

func timespecToTime(ts unix.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec) //nolint:unconvert
}

// reopenFd re-opens a descriptor obtained with O_PATH under the requested
// flags, via /proc/self/fd. O_PATH descriptors cannot be read from or
// written to directly; this is the standard way to turn one into a usable
// descriptor without ever constructing or re-resolving a path string
// through the real filesystem (no symlink or rename races survive the
// round trip through /proc).
func reopenFd(pathFd int, flags int) (int, error) {
	fd, err := unix.Open(fmt.Sprintf("/proc/self/fd/%d", pathFd), flags, 0)
	if err != nil {
		return -1, fmt.Errorf("reopen fd %d: %w", pathFd, err)
	}

	return fd, nil
}
