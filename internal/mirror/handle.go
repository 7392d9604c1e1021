package mirror

import (
	"context"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/shadowfs/shadowfs/internal/registry"
	"golang.org/x/sys/unix"
)

var (
	_ fs.NodeOpener        = (*Node)(nil)
	_ fs.HandleReader      = (*Handle)(nil)
	_ fs.HandleWriter      = (*Handle)(nil)
	_ fs.HandleFlusher     = (*Handle)(nil)
	_ fs.HandleReleaser    = (*Handle)(nil)
	_ fs.NodeFsyncer       = (*Handle)(nil)
	_ fs.HandleFAllocater  = (*Handle)(nil)
	_ fs.HandleFlockLocker = (*Handle)(nil)
)

// Handle is an open instance of a [Node]'s underlying file: a real,
// read/write-capable descriptor obtained by reopening the node's O_PATH
// descriptor through /proc/self/fd, independent from any other open
// instance of the same node.
type Handle struct {
	node *Node
	fd   int
}

// Open implements [fs.NodeOpener]. For a directory it returns n itself,
// since [bazil.org/fuse/fs] dispatches a directory ReadRequest to
// whatever Open returned, and n already satisfies [fs.HandleReadDirAller];
// there is no real descriptor to reopen for a listing. For a regular
// file or symlink it reopens a real read/write-capable descriptor.
func (n *Node) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	rec := registry.FromHandle(n.handle)

	done := n.fsys.startFrame(rec.Ino())
	defer done()

	n.fsys.Metrics.TotalOpens.Add(1)

	if req.Dir {
		return n, nil
	}

	flags := translateOpenFlags(req.Flags)

	fd, err := reopenFd(n.fd(), flags)
	if err != nil {
		return nil, toErrno(err)
	}

	if n.fsys.Options.Cache {
		resp.Flags |= fuse.OpenKeepCache
	}

	return &Handle{node: n, fd: fd}, nil
}

// Read implements [fs.HandleReader].
func (h *Handle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	done := h.node.fsys.startFrame(registry.FromHandle(h.node.handle).Ino())
	defer done()

	buf := make([]byte, req.Size)

	n, err := unix.Pread(h.fd, buf, req.Offset)
	if err != nil {
		return toErrno(err)
	}

	resp.Data = buf[:n]

	return nil
}

// Write implements [fs.HandleWriter].
func (h *Handle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	done := h.node.fsys.startFrame(registry.FromHandle(h.node.handle).Ino())
	defer done()

	n, err := unix.Pwrite(h.fd, req.Data, req.Offset)
	if err != nil {
		return toErrno(err)
	}

	resp.Size = n

	return nil
}

// Flush implements [fs.HandleFlusher]. There is no write-back cache to
// flush (§1 Non-goals); this dup's and closes a descriptor to mirror the
// historical close-on-every-flush semantics FUSE clients rely on for
// close-to-open consistency, without disturbing the handle still in use.
func (h *Handle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	dupFd, err := unix.FcntlInt(uintptr(h.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return toErrno(err)
	}

	return toErrnoOrNil(unix.Close(dupFd))
}

// Release implements [fs.HandleReleaser].
func (h *Handle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	h.node.fsys.Metrics.TotalReleases.Add(1)

	return toErrnoOrNil(unix.Close(h.fd))
}

// Fsync implements [fs.NodeFsyncer].
func (h *Handle) Fsync(_ context.Context, req *fuse.FsyncRequest) error {
	if req.Flags != 0 { // FUSE_FSYNC_FDATASYNC request bit
		return toErrnoOrNil(unix.Fdatasync(h.fd))
	}

	return toErrnoOrNil(unix.Fsync(h.fd))
}

// FAllocate implements [fs.HandleFAllocater] by forwarding directly to
// fallocate(2) against the handle's real descriptor.
func (h *Handle) FAllocate(_ context.Context, req *fuse.FAllocateRequest) error {
	done := h.node.fsys.startFrame(registry.FromHandle(h.node.handle).Ino())
	defer done()

	return toErrnoOrNil(unix.Fallocate(h.fd, uint32(req.Mode), int64(req.Offset), int64(req.Length))) //nolint:gosec
}

// Lock implements [fs.HandleLocker] (embedded in [fs.HandleFlockLocker]).
// shadowfs mirrors BSD flock advisory locks only, never POSIX byte-range
// locks, so the request's Start/End are ignored and the lock always
// covers the whole file, matching flock(2)'s own semantics.
func (h *Handle) Lock(_ context.Context, req *fuse.LockRequest) error {
	done := h.node.fsys.startFrame(registry.FromHandle(h.node.handle).Ino())
	defer done()

	return toErrnoOrNil(unix.Flock(h.fd, flockOp(uint32(req.Lock.Type))|unix.LOCK_NB))
}

// LockWait implements [fs.HandleLocker]'s blocking acquire.
func (h *Handle) LockWait(_ context.Context, req *fuse.LockWaitRequest) error {
	done := h.node.fsys.startFrame(registry.FromHandle(h.node.handle).Ino())
	defer done()

	return toErrnoOrNil(unix.Flock(h.fd, flockOp(uint32(req.Lock.Type))))
}

// Unlock implements [fs.HandleLocker].
func (h *Handle) Unlock(_ context.Context, _ *fuse.UnlockRequest) error {
	done := h.node.fsys.startFrame(registry.FromHandle(h.node.handle).Ino())
	defer done()

	return toErrnoOrNil(unix.Flock(h.fd, unix.LOCK_UN))
}

// QueryLock implements [fs.HandleLocker]. BSD flock has no portable way
// to report another holder's lock state, so resp.Lock is left at the
// caller-supplied F_UNLCK default.
func (h *Handle) QueryLock(_ context.Context, _ *fuse.QueryLockRequest, _ *fuse.QueryLockResponse) error {
	return nil
}

// flockOp maps a [fuse.FileLock] type onto the corresponding flock(2)
// operation.
func flockOp(lockType uint32) int {
	switch lockType {
	case unix.F_RDLCK:
		return unix.LOCK_SH
	case unix.F_WRLCK:
		return unix.LOCK_EX
	default:
		return unix.LOCK_UN
	}
}

func toErrnoOrNil(err error) error {
	if err == nil {
		return nil
	}

	return toErrno(err)
}

// translateOpenFlags maps a [fuse.OpenFlags] bitset onto the
// corresponding Unix open(2) flags. O_CREAT/O_EXCL are deliberately never
// set here: [Node.Create] applies those itself, and a plain Open must
// never create.
func translateOpenFlags(f fuse.OpenFlags) int {
	var flags int

	switch {
	case f.IsReadOnly():
		flags = unix.O_RDONLY
	case f.IsWriteOnly():
		flags = unix.O_WRONLY
	case f.IsReadWrite():
		flags = unix.O_RDWR
	}

	if f&fuse.OpenAppend != 0 {
		flags |= unix.O_APPEND
	}
	if f&fuse.OpenTruncate != 0 {
		flags |= unix.O_TRUNC
	}
	if f&fuse.OpenSync != 0 {
		flags |= unix.O_SYNC
	}
	if f&fuse.OpenNonblock != 0 {
		flags |= unix.O_NONBLOCK
	}

	return flags | unix.O_CLOEXEC
}
