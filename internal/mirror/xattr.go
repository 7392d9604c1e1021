package mirror

import (
	"context"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/shadowfs/shadowfs/internal/registry"
	"golang.org/x/sys/unix"
)

var (
	_ fs.NodeGetxattrer    = (*Node)(nil)
	_ fs.NodeSetxattrer    = (*Node)(nil)
	_ fs.NodeListxattrer   = (*Node)(nil)
	_ fs.NodeRemovexattrer = (*Node)(nil)
)

// withRealFd reopens n's O_PATH descriptor read-only, since the extended
// attribute family of syscalls (unlike the *at ones used elsewhere) does
// not accept an O_PATH descriptor directly.
func (n *Node) withRealFd(fn func(fd int) error) error {
	fd, err := reopenFd(n.fd(), unix.O_RDONLY|unix.O_CLOEXEC)
	if err != nil {
		return toErrno(err)
	}
	defer unix.Close(fd)

	if err := fn(fd); err != nil {
		return toErrno(err)
	}

	return nil
}

// Getxattr implements [fs.NodeGetxattrer].
func (n *Node) Getxattr(_ context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	rec := registry.FromHandle(n.handle)
	done := n.fsys.startFrame(rec.Ino())
	defer done()

	size := req.Size
	if size == 0 {
		size = defaultXattrProbeSize
	}

	return n.withRealFd(func(fd int) error {
		buf := make([]byte, size)

		m, err := unix.Fgetxattr(fd, req.Name, buf)
		if err != nil {
			return err
		}

		resp.Xattr = buf[:m]

		return nil
	})
}

const defaultXattrProbeSize = 4096

// Setxattr implements [fs.NodeSetxattrer].
func (n *Node) Setxattr(_ context.Context, req *fuse.SetxattrRequest) error {
	rec := registry.FromHandle(n.handle)
	done := n.fsys.startFrame(rec.Ino())
	defer done()

	return n.withRealFd(func(fd int) error {
		return unix.Fsetxattr(fd, req.Name, req.Xattr, int(req.Flags)) //nolint:gosec
	})
}

// Listxattr implements [fs.NodeListxattrer].
func (n *Node) Listxattr(_ context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	rec := registry.FromHandle(n.handle)
	done := n.fsys.startFrame(rec.Ino())
	defer done()

	size := req.Size
	if size == 0 {
		size = defaultXattrProbeSize
	}

	return n.withRealFd(func(fd int) error {
		buf := make([]byte, size)

		m, err := unix.Flistxattr(fd, buf)
		if err != nil {
			return err
		}

		resp.Append(splitNullTerminated(buf[:m])...)

		return nil
	})
}

// Removexattr implements [fs.NodeRemovexattrer].
func (n *Node) Removexattr(_ context.Context, req *fuse.RemovexattrRequest) error {
	rec := registry.FromHandle(n.handle)
	done := n.fsys.startFrame(rec.Ino())
	defer done()

	return n.withRealFd(func(fd int) error {
		return unix.Fremovexattr(fd, req.Name)
	})
}

func splitNullTerminated(buf []byte) []string {
	var names []string

	start := 0

	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}

			start = i + 1
		}
	}

	return names
}
