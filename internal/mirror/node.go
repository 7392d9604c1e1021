package mirror

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/shadowfs/shadowfs/internal/logging"
	"github.com/shadowfs/shadowfs/internal/registry"
	"golang.org/x/sys/unix"
)

var (
	_ fs.Node               = (*Node)(nil)
	_ fs.NodeForgetter      = (*Node)(nil)
	_ fs.NodeStringLookuper = (*Node)(nil)
)

// Node is one entry of the mirrored source tree: a directory, a regular
// file, or a symlink, addressed by its [registry.Record] handle.
type Node struct {
	fsys   *FS
	handle uint64
}

func (n *Node) fd() int { return n.fsys.registry.Fd(n.handle) }

// Attr implements [fs.Node] by stat'ing the node's underlying descriptor
// directly; no attribute is ever cached in the node itself.
func (n *Node) Attr(_ context.Context, a *fuse.Attr) error {
	done := n.fsys.startFrame(registry.FromHandle(n.handle).Ino())
	defer done()

	var st unix.Stat_t
	if err := unix.Fstatat(n.fd(), "", &st, unix.AT_EMPTY_PATH); err != nil {
		return toErrno(err)
	}

	statToAttr(&st, a)

	if n.fsys.Options.Cache {
		a.Valid = cacheTimeout
	} else {
		a.Valid = 0
	}

	return nil
}

// Lookup implements [fs.NodeStringLookuper]: it resolves name relative to
// n, installs or reuses a registry record for the result, records the
// resolved path in the moniker trie, and returns the child node.
func (n *Node) Lookup(_ context.Context, name string) (fs.Node, error) {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	n.fsys.Metrics.TotalLookups.Add(1)

	handle, st, err := n.fsys.registry.Lookup(n.fd(), name)
	if err != nil {
		n.fsys.Metrics.TotalErrors.Add(1)

		return nil, toErrno(err)
	}

	if parent, ok := n.fsys.trie.Resolve(rec.Ino()); ok {
		n.fsys.trie.Insert(st.Ino, joinRelative(parent, name))
	} else {
		n.fsys.trie.Insert(st.Ino, name)
	}

	return &Node{fsys: n.fsys, handle: handle}, nil
}

// Forget implements [fs.NodeForgetter]. bazil.org/fuse aggregates kernel
// FORGET traffic internally and calls this once per node it decides to
// drop; each call is one unit against the registry's own, independently
// observable nlookup count (§4.3, invariant 5).
func (n *Node) Forget() {
	n.fsys.registry.Forget(n.handle, 1)
}

func joinRelative(parent, name string) string {
	if parent == "" {
		return name
	}

	return parent + "/" + name
}

// statToAttr fills a [fuse.Attr] from a raw stat result. Ownership
// and mode bits are passed through unmodified: this is a transparent
// mirror, not a view that reinterprets permissions.
func statToAttr(st *unix.Stat_t, a *fuse.Attr) {
	a.Inode = st.Ino
	a.Size = uint64(st.Size)               //nolint:unconvert
	a.Blocks = uint64(st.Blocks)           //nolint:unconvert
	a.BlockSize = uint32(st.Blksize)       //nolint:unconvert,gosec
	a.Nlink = uint32(st.Nlink)             //nolint:unconvert,gosec
	a.Mode = os.FileMode(st.Mode & 0o7777) //nolint:gosec
	a.Uid = st.Uid
	a.Gid = st.Gid
	a.Rdev = uint32(st.Rdev) //nolint:unconvert,gosec
	a.Atime = timespecToTime(st.Atim)
	a.Mtime = timespecToTime(st.Mtim)
	a.Ctime = timespecToTime(st.Ctim)

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		a.Mode |= os.ModeDir
	case unix.S_IFLNK:
		a.Mode |= os.ModeSymlink
	case unix.S_IFBLK:
		a.Mode |= os.ModeDevice
	case unix.S_IFCHR:
		a.Mode |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFIFO:
		a.Mode |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		a.Mode |= os.ModeSocket
	}
}

// toErrno maps an error from the source filesystem onto the [fuse.Errno]
// the kernel expects. An error that isn't a recognized errno is
// reported as EIO, after being logged: it represents a case this mirror
// does not yet classify.
func toErrno(err error) error {
	var errno syscall.Errno
	if ok := asErrno(err, &errno); ok {
		return fuse.Errno(errno)
	}

	logging.Printf("mirror: unclassified error: %v\n", err)

	return fuse.ToErrno(fmt.Errorf("%w", err))
}

func asErrno(err error, target *syscall.Errno) bool {
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok { //nolint:errorlint
			*target = errno

			return true
		}

		u, ok := err.(interface{ Unwrap() error }) //nolint:errorlint
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}
