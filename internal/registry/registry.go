// Package registry implements the inode/handle registry: a map from
// (src_ino, src_dev) pairs to pointer-stable records holding an open,
// path-only file descriptor and a lookup refcount, addressed by the
// kernel as opaque 64-bit handles.
package registry

import (
	"fmt"
	"sync"
	"unsafe" //nolint:depguard

	"golang.org/x/sys/unix"
)

// RootHandle is the kernel interface's reserved root inode identifier.
// It never corresponds to a heap [Record]; callers must special-case it.
const RootHandle uint64 = 1

type srcID struct {
	ino uint64
	dev uint64
}

// Record holds one source-tree entry's open file descriptor and lookup
// refcount. Records are heap-allocated and never moved, so their address
// (obtained via [Handle]) is stable for as long as nlookup > 0.
type Record struct {
	mu sync.Mutex

	srcIno uint64
	srcDev uint64
	fd     int
	closed bool

	nlookup uint64
}

// Ino returns the record's source inode number.
func (r *Record) Ino() uint64 { return r.srcIno }

// Dev returns the record's source device number.
func (r *Record) Dev() uint64 { return r.srcDev }

// Handle returns the opaque 64-bit kernel handle for r: r's own address,
// reinterpreted as an integer. This is the direct Go counterpart of the
// historical reinterpret_cast<Inode*>(ino) scheme, and is the one place
// in this codebase where an unsafe pointer-to-integer conversion is the
// grounded, idiomatic choice rather than a workaround: the wire contract
// with the kernel interface is itself an opaque 64-bit round-tripped
// handle.
func Handle(r *Record) uint64 {
	return uint64(uintptr(unsafe.Pointer(r))) //nolint:gosec
}

// FromHandle recovers the *Record whose address is the given handle.
// Callers must only pass handles previously returned by [Handle] for a
// still-live record; passing a stale or invalid handle is undefined.
func FromHandle(h uint64) *Record {
	return (*Record)(unsafe.Pointer(uintptr(h))) //nolint:govet,gosec
}

// Registry maps (src_ino, src_dev) pairs to [Record]s.
//
// The zero value is not usable; use [New].
type Registry struct {
	mu      sync.Mutex
	records map[srcID]*Record
	rootDev uint64
}

// New returns a pointer to a new, empty [Registry] scoped to a single
// source device. Lookups resolving to any other device are rejected as
// cross-device (§4.3).
func New(rootDev uint64) *Registry {
	return &Registry{
		records: make(map[srcID]*Record),
		rootDev: rootDev,
	}
}

// ErrCrossDevice is returned by [Registry.Lookup] when the resolved entry
// resides on a different device than the source root.
var ErrCrossDevice = unix.EXDEV

// ErrReservedInode is returned by [Registry.Lookup] when the resolved
// entry's inode number collides with the kernel interface's reserved
// root ID.
var ErrReservedInode = unix.EIO

// InitRoot creates the single record for the source tree's root
// directory, holding fd, and returns its handle. It must be called exactly
// once, before any call to [Registry.Lookup]. The root record is not
// entered in the (ino, dev) map, so [Registry.Len] does not count it. Its
// nlookup starts at 1; its handle is the record's address, not
// [RootHandle], so [Registry.Forget]'s RootHandle check does not cover it,
// and it stays live because the FUSE binding layer never forgets it.
func (r *Registry) InitRoot(fd int, ino uint64) uint64 {
	rec := &Record{srcIno: ino, srcDev: r.rootDev, fd: fd, nlookup: 1}

	return Handle(rec)
}

// Lookup opens name relative to parentFd with path-only, no-follow
// semantics, stats the result, and installs or reuses a [Record] keyed by
// (ino, dev). It returns the record's handle and the raw stat result.
//
// The caller owns parentFd and must not close it; Lookup opens its own
// descriptor for the resolved child and either keeps it (new record) or
// closes it (existing record, whose descriptor is reused).
func (r *Registry) Lookup(parentFd int, name string) (uint64, unix.Stat_t, error) {
	fd, err := unix.Openat(parentFd, name, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, unix.Stat_t{}, fmt.Errorf("openat %q: %w", name, err)
	}

	var st unix.Stat_t
	if err := unix.Fstatat(fd, "", &st, unix.AT_EMPTY_PATH); err != nil {
		unix.Close(fd)

		return 0, unix.Stat_t{}, fmt.Errorf("fstatat %q: %w", name, err)
	}

	if st.Ino == RootHandle {
		unix.Close(fd)

		return 0, unix.Stat_t{}, ErrReservedInode
	}

	if uint64(st.Dev) != r.rootDev { //nolint:unconvert
		unix.Close(fd)

		return 0, unix.Stat_t{}, ErrCrossDevice
	}

	key := srcID{ino: st.Ino, dev: uint64(st.Dev)} //nolint:unconvert

	// The record lock is acquired before the registry lock whenever both
	// are held (§4.3); the reuse path below therefore drops r.mu before
	// taking rec.mu, mirroring the historical do_lookup's fs_lock.unlock()
	// ahead of inode.m. Forget may run concurrently and close rec between
	// those two locks, so the record's liveness is re-checked once
	// rec.mu is held, retrying against the registry on a lost race.
	for {
		r.mu.Lock()

		rec, ok := r.records[key]
		if !ok {
			rec = &Record{srcIno: st.Ino, srcDev: uint64(st.Dev), fd: fd, nlookup: 1} //nolint:unconvert
			r.records[key] = rec
			r.mu.Unlock()

			return Handle(rec), st, nil
		}
		r.mu.Unlock()

		rec.mu.Lock()
		if rec.closed {
			rec.mu.Unlock()

			continue
		}

		rec.nlookup++
		rec.mu.Unlock()
		unix.Close(fd)

		return Handle(rec), st, nil
	}
}

// Forget decrements the nlookup of the record addressed by handle by n.
// If the count reaches zero, the record's descriptor is closed exactly
// once and the record is removed from the registry. A count that would
// go negative is an invariant violation and aborts the process.
func (r *Registry) Forget(handle uint64, n uint64) {
	if handle == RootHandle {
		return
	}

	rec := FromHandle(handle)

	rec.mu.Lock()
	if n > rec.nlookup {
		rec.mu.Unlock()
		panic(fmt.Sprintf("registry: forget(%d) on record ino=%d dev=%d with nlookup=%d would go negative",
			n, rec.srcIno, rec.srcDev, rec.nlookup))
	}

	rec.nlookup -= n
	reachedZero := rec.nlookup == 0

	var fd int
	if reachedZero && !rec.closed {
		fd = rec.fd
		rec.fd = -1
		rec.closed = true
	}
	rec.mu.Unlock()

	if !reachedZero {
		return
	}

	r.mu.Lock()
	delete(r.records, srcID{ino: rec.srcIno, dev: rec.srcDev})
	r.mu.Unlock()

	unix.Close(fd)
}

// ForgetOne is a forget batch entry: the handle to decrement and the
// count to decrement it by.
type ForgetOne struct {
	Handle uint64
	N      uint64
}

// ForgetMany applies [Registry.Forget] once per entry in batch.
func (r *Registry) ForgetMany(batch []ForgetOne) {
	for _, f := range batch {
		r.Forget(f.Handle, f.N)
	}
}

// Fd returns the file descriptor stored in the record addressed by
// handle. A descriptor of -1 indicates a stale handle (used after its
// record was already removed) and is a fatal invariant violation.
func (r *Registry) Fd(handle uint64) int {
	rec := FromHandle(handle)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.fd == -1 {
		panic(fmt.Sprintf("registry: stale handle for record ino=%d dev=%d", rec.srcIno, rec.srcDev))
	}

	return rec.fd
}

// Len returns the number of live records, for diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}
