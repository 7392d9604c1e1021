package mirror

import (
	"context"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/shadowfs/shadowfs/internal/registry"
	"golang.org/x/sys/unix"
)

var _ fs.NodeStatfser = (*Node)(nil)

// Statfs implements [fs.NodeStatfser] by passing the source filesystem's
// own statfs(2) result straight through.
func (n *Node) Statfs(_ context.Context, _ *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	rec := registry.FromHandle(n.handle)
	done := n.fsys.startFrame(rec.Ino())
	defer done()

	var st unix.Statfs_t
	if err := unix.Fstatfs(n.fd(), &st); err != nil {
		return toErrno(err)
	}

	resp.Blocks = st.Blocks
	resp.Bfree = st.Bfree
	resp.Bavail = st.Bavail
	resp.Files = st.Files
	resp.Ffree = st.Ffree
	resp.Bsize = uint32(st.Bsize)     //nolint:unconvert,gosec
	resp.Namelen = uint32(st.Namelen) //nolint:unconvert,gosec
	resp.Frsize = uint32(st.Frsize)   //nolint:unconvert,gosec

	return nil
}
