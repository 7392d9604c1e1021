package mirror

import (
	"context"
	"os"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/shadowfs/shadowfs/internal/registry"
	"golang.org/x/sys/unix"
)

var (
	_ fs.HandleReadDirAller = (*Node)(nil)
	_ fs.NodeMkdirer        = (*Node)(nil)
	_ fs.NodeCreater        = (*Node)(nil)
	_ fs.NodeRemover        = (*Node)(nil)
	_ fs.NodeRenamer        = (*Node)(nil)
	_ fs.NodeSymlinker      = (*Node)(nil)
	_ fs.NodeReadlinker     = (*Node)(nil)
	_ fs.NodeLinker         = (*Node)(nil)
	_ fs.NodeMknoder        = (*Node)(nil)
)

// ReadDirAll implements [fs.HandleReadDirAller] by reopening the
// directory's O_PATH descriptor for reading and delegating to the
// standard library's getdents wrapper.
func (n *Node) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	fd, err := reopenFd(n.fd(), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC)
	if err != nil {
		return nil, toErrno(err)
	}

	f := os.NewFile(uintptr(fd), n.fsys.RootDir)
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, toErrno(err)
	}

	dirents := make([]fuse.Dirent, 0, len(entries))

	for _, e := range entries {
		var st unix.Stat_t
		if err := unix.Fstatat(fd, e.Name(), &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			continue // vanished between getdents and stat; skip it
		}

		dirents = append(dirents, fuse.Dirent{
			Inode: st.Ino,
			Name:  e.Name(),
			Type:  directDirentType(st.Mode),
		})
	}

	return dirents, nil
}

func directDirentType(mode uint32) fuse.DirentType {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return fuse.DT_Dir
	case unix.S_IFLNK:
		return fuse.DT_Link
	case unix.S_IFBLK:
		return fuse.DT_Block
	case unix.S_IFCHR:
		return fuse.DT_Char
	case unix.S_IFIFO:
		return fuse.DT_FIFO
	case unix.S_IFSOCK:
		return fuse.DT_Socket
	default:
		return fuse.DT_File
	}
}

// Mkdir implements [fs.NodeMkdirer].
func (n *Node) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	if err := unix.Mkdirat(n.fd(), req.Name, uint32(req.Mode.Perm())); err != nil { //nolint:gosec
		return nil, toErrno(err)
	}

	return n.lookupAndTrack(req.Name)
}

// Create implements [fs.NodeCreater]: it creates and opens name in one
// step, installing a registry record and a new, independently-usable
// read/write descriptor for the returned handle.
func (n *Node) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	flags := translateOpenFlags(req.Flags) | unix.O_CREAT | unix.O_EXCL | unix.O_CLOEXEC

	fd, err := unix.Openat(n.fd(), req.Name, flags, uint32(req.Mode.Perm())) //nolint:gosec
	if err != nil {
		return nil, nil, toErrno(err)
	}

	child, err := n.lookupAndTrack(req.Name)
	if err != nil {
		unix.Close(fd)

		return nil, nil, err
	}

	n.fsys.Metrics.TotalCreates.Add(1)
	resp.Flags |= fuse.OpenDirectIO

	return child, &Handle{node: child.(*Node), fd: fd}, nil
}

// Remove implements [fs.NodeRemover].
func (n *Node) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	flags := 0
	if req.Dir {
		flags = unix.AT_REMOVEDIR
	}

	if err := unix.Unlinkat(n.fd(), req.Name, flags); err != nil {
		return toErrno(err)
	}

	return nil
}

// Rename implements [fs.NodeRenamer].
func (n *Node) Rename(_ context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	dst, ok := newDir.(*Node)
	if !ok {
		return fuse.Errno(unix.EXDEV)
	}

	if err := unix.Renameat(n.fd(), req.OldName, dst.fd(), req.NewName); err != nil {
		return toErrno(err)
	}

	return nil
}

// Symlink implements [fs.NodeSymlinker].
func (n *Node) Symlink(_ context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	if err := unix.Symlinkat(req.Target, n.fd(), req.NewName); err != nil {
		return nil, toErrno(err)
	}

	return n.lookupAndTrack(req.NewName)
}

// Readlink implements [fs.NodeReadlinker].
func (n *Node) Readlink(_ context.Context, _ *fuse.ReadlinkRequest) (string, error) {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	buf := make([]byte, unix.PathMax)

	m, err := unix.Readlinkat(n.fd(), "", buf)
	if err != nil {
		return "", toErrno(err)
	}

	return string(buf[:m]), nil
}

// Link implements [fs.NodeLinker]: old is hard-linked into n as newName.
func (n *Node) Link(_ context.Context, req *fuse.LinkRequest, old fs.Node) (fs.Node, error) {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	src, ok := old.(*Node)
	if !ok {
		return nil, fuse.Errno(unix.EXDEV)
	}

	if err := unix.Linkat(src.fd(), "", n.fd(), req.NewName, unix.AT_EMPTY_PATH); err != nil {
		return nil, toErrno(err)
	}

	return n.lookupAndTrack(req.NewName)
}

// Mknod implements [fs.NodeMknoder] for device and special files. The
// source tree this mirrors is ordinary user data, so this upcall is
// expected to be rare; it is still wired through rather than stubbed,
// since the registry and trie bookkeeping is identical to every other
// creation path.
func (n *Node) Mknod(_ context.Context, req *fuse.MknodRequest) (fs.Node, error) {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	dev := unix.Mkdev(uint32(req.Rdev>>8), uint32(req.Rdev&0xff)) //nolint:mnd

	if err := unix.Mknodat(n.fd(), req.Name, uint32(req.Mode), int(dev)); err != nil { //nolint:gosec
		return nil, toErrno(err)
	}

	return n.lookupAndTrack(req.Name)
}

// lookupAndTrack installs or reuses a registry record for name (a child
// just created under n) and records its resolved path in the trie.
func (n *Node) lookupAndTrack(name string) (fs.Node, error) {
	rec := registry.FromHandle(n.handle)

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
