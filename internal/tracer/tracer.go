// Package tracer ties the token/moniker/tablet/registry components
// together: it starts a frame on entry to a kernel upcall, records the
// upcall's inode in the current tablet, and on quiesce
// sweeps the store, resolves inodes to paths, and writes the log.
package tracer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/shadowfs/shadowfs/internal/logging"
	"github.com/shadowfs/shadowfs/internal/moniker"
	"github.com/shadowfs/shadowfs/internal/tablet"
	"golang.org/x/sys/unix"
)

// logBufferSize is the reusable write buffer's capacity: large enough
// that most quiesce runs flush at most a handful of times.
const logBufferSize = 4 * 1024 * 1024

const fsyncRetries = 5

// Op names a kernel upcall. Values mirror the fixed 32-entry enumeration
// the kernel interface uses to classify every handled operation.
// [Tracer.StartFrame] takes no Op: frames do not carry an operation tag.
type Op string

// The fixed set of tracer operation tags.
const (
	OpLookup      Op = "lookup"
	OpForget      Op = "forget"
	OpForgetMany  Op = "forget_many"
	OpGetattr     Op = "getattr"
	OpSetattr     Op = "setattr"
	OpReadlink    Op = "readlink"
	OpMknod       Op = "mknod"
	OpMkdir       Op = "mkdir"
	OpSymlink     Op = "symlink"
	OpLink        Op = "link"
	OpUnlink      Op = "unlink"
	OpRmdir       Op = "rmdir"
	OpRename      Op = "rename"
	OpOpendir     Op = "opendir"
	OpReaddir     Op = "readdir"
	OpReaddirplus Op = "readdirplus"
	OpReleasedir  Op = "releasedir"
	OpFsyncdir    Op = "fsyncdir"
	OpCreate      Op = "create"
	OpOpen        Op = "open"
	OpRelease     Op = "release"
	OpFlush       Op = "flush"
	OpFsync       Op = "fsync"
	OpRead        Op = "read"
	OpWrite       Op = "write"
	OpStatfs      Op = "statfs"
	OpFallocate   Op = "fallocate"
	OpFlock       Op = "flock"
	OpGetxattr    Op = "getxattr"
	OpSetxattr    Op = "setxattr"
	OpListxattr   Op = "listxattr"
	OpRemovexattr Op = "removexattr"
)

// Tracer is the thin observation layer wrapping a [tablet.Store] and a
// [moniker.Trie]. The zero value is not usable; use [New].
type Tracer struct {
	enabled atomic.Bool
	dir     string
	epoch   atomic.Uint64

	store *tablet.Store
	trie  *moniker.Trie
}

// New returns a pointer to a new [Tracer]. The tracer starts enabled iff
// dir is non-empty, per the "access log directory" configuration key.
func New(dir string, trie *moniker.Trie) *Tracer {
	t := &Tracer{
		dir:   dir,
		store: tablet.NewStore(),
		trie:  trie,
	}
	t.enabled.Store(dir != "")

	return t
}

// SetEnabled sets the tracer's runtime enabled flag, e.g. from a signal
// handler or diagnostics endpoint.
func (t *Tracer) SetEnabled(v bool) { t.enabled.Store(v) }

// Enabled reports the tracer's current enabled flag.
func (t *Tracer) Enabled() bool { return t.enabled.Load() }

// Store returns the tracer's underlying tablet store, for diagnostics.
func (t *Tracer) Store() *tablet.Store { return t.store }

// Epoch returns the number of quiesce runs that have written a log so
// far (the next call's log file name uses this value).
func (t *Tracer) Epoch() uint64 { return t.epoch.Load() }

// Dir returns the tracer's configured access-log directory, empty iff
// the tracer has no log destination configured.
func (t *Tracer) Dir() string { return t.dir }

type depthKey struct{}

// Frame is a scoped observation of one kernel upcall. Close must be
// called exactly once, typically via defer immediately after
// construction, to keep the nesting depth balanced.
type Frame struct {
	tracer *Tracer
	depth  *int32
	closed bool
}

// StartFrame constructs a frame at the top of an upcall handler. If the
// tracer is enabled and inode is present, it inserts inode into the
// current goroutine's tablet. It returns a context carrying the nesting
// depth counter (pass it to any nested StartFrame calls on the same
// logical request) and the frame itself.
//
// Nesting is permitted: nested frames on an already-depthed context share
// the same counter and do not re-signal the outermost-frame hook until
// the outermost frame closes.
func (t *Tracer) StartFrame(ctx context.Context, inode uint64, hasInode bool) (context.Context, *Frame) {
	depth, ok := ctx.Value(depthKey{}).(*int32)
	if !ok {
		depth = new(int32)
		ctx = context.WithValue(ctx, depthKey{}, depth)
	}

	atomic.AddInt32(depth, 1)

	if t.enabled.Load() && hasInode {
		t.store.Current().Insert(inode)
	}

	return ctx, &Frame{tracer: t, depth: depth}
}

// Close releases the frame. If this was the outermost frame in its
// nesting chain, it signals the (currently no-op) end-of-request hook.
func (f *Frame) Close() {
	if f.closed {
		return
	}

	f.closed = true

	if atomic.AddInt32(f.depth, -1) == 0 {
		f.tracer.onOutermostExit()
	}
}

// onOutermostExit is reserved for flushing on end-of-request; currently a
// no-op.
func (t *Tracer) onOutermostExit() {}

// nextEpoch returns the next zero-based, process-local monotonic epoch.
func (t *Tracer) nextEpoch() uint64 {
	return t.epoch.Add(1) - 1
}

// Quiesce opens a new log file named "<dir>/<pid>.<epoch>.log", sweeps
// the tablet store into a fresh aggregated tablet, resolves each observed
// inode via the trie, and writes "path\n" for every resolved inode. It
// returns the path of the file written.
//
// If the tracer is disabled at the time of the call, an empty file is
// still created (matching the historical no-op-but-touch-the-file
// behavior) but no sweep or write occurs.
//
// If dir is empty, Quiesce is a no-op returning ("", nil): there is
// nowhere to write.
func (t *Tracer) Quiesce(pid int) (string, error) {
	if t.dir == "" {
		return "", nil
	}

	path := filepath.Join(t.dir, fmt.Sprintf("%d.%d.log", pid, t.nextEpoch()))

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_APPEND|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return "", fmt.Errorf("quiesce: open %q: %w", path, err)
	}
	defer unix.Close(fd)

	if err := t.writeLog(fd); err != nil {
		return "", fmt.Errorf("quiesce: %w", err)
	}

	return path, nil
}

func (t *Tracer) writeLog(fd int) error {
	if !t.enabled.Load() {
		return nil
	}

	aggregated := tablet.New()
	t.store.Sweep(aggregated)

	buf := make([]byte, 0, logBufferSize)

	for _, inode := range aggregated.Elements() {
		p, ok := t.trie.Resolve(inode)
		if !ok {
			continue // log resolution miss: silently skipped
		}

		line := p + "\n"
		if len(buf)+len(line) > cap(buf) {
			if err := tryWrite(fd, buf); err != nil {
				return err
			}

			buf = buf[:0]
		}

		buf = append(buf, line...)
	}

	if len(buf) > 0 {
		if err := tryWrite(fd, buf); err != nil {
			return err
		}
	}

	return tryFsync(fd, fsyncRetries)
}

// tryWrite writes the whole of buf to fd, retrying on interrupted or
// would-block writes. An unrecoverable error is fatal per the design's
// error handling policy.
func tryWrite(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN { //nolint:errorlint
				continue
			}

			fatalf("tracer: unrecoverable log write failure: %v", err)
		}

		buf = buf[n:]
	}

	return nil
}

// tryFsync fsyncs fd, retrying up to tries times. Exhausting all retries
// is fatal per the design's error handling policy.
func tryFsync(fd int, tries int) error {
	var err error

	for i := 0; i < tries; i++ {
		if err = unix.Fsync(fd); err == nil {
			return nil
		}
	}

	fatalf("tracer: fsync failed after %d attempts: %v", tries, err)

	return nil
}

// fatalf logs a diagnostic through the ring buffer and aborts the
// process. Invariant and unrecoverable I/O violations at the tracer
// level are defined as fatal, not recoverable errors (§7): there is no
// well-defined state to continue serving from once the log-writing
// contract has been broken.
func fatalf(format string, args ...any) {
	logging.Printf(format, args...)
	os.Exit(1)
}
