// Package mirror binds the observation pipeline (token/moniker/tablet,
// [registry.Registry], [tracer.Tracer]) to a [bazil.org/fuse] passthrough
// filesystem: every kernel upcall resolves to a real file beneath a
// source root, and every upcall that carries an inode feeds the tracer.
package mirror

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"bazil.org/fuse/fs"
	"github.com/shadowfs/shadowfs/internal/moniker"
	"github.com/shadowfs/shadowfs/internal/registry"
	"github.com/shadowfs/shadowfs/internal/tracer"
	"golang.org/x/sys/unix"
)

var (
	_ fs.FS               = (*FS)(nil)
	_ fs.FSInodeGenerator = (*FS)(nil)
)

// cacheTimeout is the attribute/entry cache duration advertised to the
// kernel when [Options.Cache] is set.
const cacheTimeout = 24 * time.Hour

// Options holds the mount-time settings that cannot change once the
// filesystem is serving requests.
type Options struct {
	// Cache controls whether Open responses ask the kernel to keep page
	// cache across opens of the same inode (FOPEN_KEEP_CACHE), and whether
	// Attr responses advertise a non-zero attribute cache timeout.
	Cache bool

	// Splice and Multithreaded are stored for fidelity with the mount
	// helper's option vocabulary; the diagnostics dashboard does not show
	// them. bazil.org/fuse's Mount/Serve API exposes neither a kernel splice
	// toggle nor a worker-pool size, so they have no further effect here.
	Splice        bool
	Multithreaded bool
}

// DefaultOptions returns a pointer to [Options] with the default values.
func DefaultOptions() *Options {
	return &Options{Cache: true, Splice: true, Multithreaded: true}
}

// Metrics are the counters the diagnostics dashboard reports.
type Metrics struct {
	TotalLookups  atomic.Int64
	TotalCreates  atomic.Int64
	TotalOpens    atomic.Int64
	TotalReleases atomic.Int64
	TotalErrors   atomic.Int64
}

// FS is the mounted filesystem's entry point.
type FS struct {
	RootDir   string
	MountTime time.Time

	Options *Options
	Metrics *Metrics

	registry *registry.Registry
	trie     *moniker.Trie
	tracer   *tracer.Tracer

	rootFd     int
	rootHandle uint64
}

// NewFS opens rootDir and returns a pointer to a new [FS] rooted there.
// The returned FS owns a path-only descriptor on rootDir for the lifetime
// of the mount; call [FS.Close] on unmount.
func NewFS(rootDir string, trie *moniker.Trie, tr *tracer.Tracer, opts *Options) (*FS, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	fd, err := unix.Open(rootDir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("mirror: open root %q: %w", rootDir, err)
	}

	var st unix.Stat_t
	if err := unix.Fstatat(fd, "", &st, unix.AT_EMPTY_PATH); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("mirror: stat root %q: %w", rootDir, err)
	}

	reg := registry.New(uint64(st.Dev)) //nolint:unconvert

	fsys := &FS{
		RootDir:   rootDir,
		MountTime: time.Now(),
		Options:   opts,
		Metrics:   &Metrics{},
		registry:  reg,
		trie:      trie,
		tracer:    tr,
		rootFd:    fd,
	}
	fsys.rootHandle = reg.InitRoot(fd, st.Ino)
	trie.Insert(st.Ino, "")

	return fsys, nil
}

// Close releases the root descriptor. Per-entry descriptors are released
// as their records are forgotten; Close does not wait for that.
func (fsys *FS) Close() error {
	return unix.Close(fsys.rootFd)
}

// Root returns the entry-point [fs.Node] of the filesystem.
func (fsys *FS) Root() (fs.Node, error) {
	return &Node{fsys: fsys, handle: fsys.rootHandle}, nil
}

// GenerateInode implements [fs.FSInodeGenerator]. The registry always
// supplies a real source inode number for every node; a call reaching
// here means some node failed to set one, which is a programming error.
func (fsys *FS) GenerateInode(_ uint64, _ string) uint64 {
	panic("mirror: dynamic inode generation requested, but every node carries a source inode")
}

// Registry returns the filesystem's inode registry, for diagnostics.
func (fsys *FS) Registry() *registry.Registry { return fsys.registry }

// Trie returns the filesystem's moniker trie, for diagnostics.
func (fsys *FS) Trie() *moniker.Trie { return fsys.trie }

// Tracer returns the filesystem's tracer, for diagnostics and for the
// quiesce signal handler.
func (fsys *FS) Tracer() *tracer.Tracer { return fsys.tracer }

// startFrame is a small convenience wrapper shared by every upcall
// handler: it starts a tracer frame for inode, scoped to a fresh
// background context since none of the underlying syscalls accept one,
// and returns a closer to defer.
func (fsys *FS) startFrame(inode uint64) func() {
	_, frame := fsys.tracer.StartFrame(context.Background(), inode, true)

	return frame.Close
}
