package mirror

import (
	"context"
	"fmt"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/shadowfs/shadowfs/internal/registry"
	"golang.org/x/sys/unix"
)

var _ fs.NodeSetattrer = (*Node)(nil)

// Setattr implements [fs.NodeSetattrer]. Every requested field is applied
// via a fresh descriptor reopened from the node's O_PATH handle: metadata
// syscalls are not permitted directly on O_PATH descriptors.
func (n *Node) Setattr(_ context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	if req.Valid.Size() {
		fd, err := reopenFd(n.fd(), unix.O_WRONLY|unix.O_CLOEXEC)
		if err != nil {
			return toErrno(err)
		}

		err = unix.Ftruncate(fd, int64(req.Size)) //nolint:gosec
		unix.Close(fd)

		if err != nil {
			return toErrno(err)
		}
	}

	metaFd, err := reopenFd(n.fd(), unix.O_RDONLY|unix.O_CLOEXEC)
	if err != nil {
		return toErrno(err)
	}
	defer unix.Close(metaFd)

	if req.Valid.Mode() {
		if err := unix.Fchmod(metaFd, uint32(req.Mode.Perm())); err != nil { //nolint:gosec
			return toErrno(err)
		}
	}

	if req.Valid.Uid() || req.Valid.Gid() {
		uid, gid := -1, -1
		if req.Valid.Uid() {
			uid = int(req.Uid) //nolint:gosec
		}
		if req.Valid.Gid() {
			gid = int(req.Gid) //nolint:gosec
		}

		if err := unix.Fchown(metaFd, uid, gid); err != nil {
			return toErrno(err)
		}
	}

	if req.Valid.Atime() || req.Valid.Mtime() || req.Valid.AtimeNow() || req.Valid.MtimeNow() {
		atime, mtime := req.Atime, req.Mtime
		if req.Valid.AtimeNow() {
			atime = time.Now()
		}
		if req.Valid.MtimeNow() {
			mtime = time.Now()
		}

		ts := []unix.Timespec{
			unix.NsecToTimespec(atime.UnixNano()),
			unix.NsecToTimespec(mtime.UnixNano()),
		}
		path := fmt.Sprintf("/proc/self/fd/%d", metaFd)

		if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, 0); err != nil {
			return toErrno(err)
		}
	}

	return n.Attr(context.Background(), &resp.Attr)
}
