package registry_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shadowfs/shadowfs/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openRoot(t *testing.T, dir string) int {
	t.Helper()

	fd, err := unix.Open(dir, unix.O_PATH|unix.O_DIRECTORY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	return fd
}

func rootDev(t *testing.T, dir string) uint64 {
	t.Helper()

	var st unix.Stat_t
	require.NoError(t, unix.Stat(dir, &st))

	return uint64(st.Dev) //nolint:unconvert
}

func TestLookupReusesExistingRecord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0o755))

	rootFd := openRoot(t, dir)
	reg := registry.New(rootDev(t, dir))

	h1, _, err := reg.Lookup(rootFd, "a")
	require.NoError(t, err)

	h2, _, err := reg.Lookup(rootFd, "a")
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, reg.Len())
}

func TestRefcountBalance(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0o755))

	rootFd := openRoot(t, dir)
	reg := registry.New(rootDev(t, dir))

	h, _, err := reg.Lookup(rootFd, "a")
	require.NoError(t, err)

	_, _, err = reg.Lookup(rootFd, "a")
	require.NoError(t, err)

	assert.Equal(t, 1, reg.Len())

	reg.Forget(h, 2)
	assert.Equal(t, 0, reg.Len())
}

func TestForgetToZeroClosesDescriptorExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))

	rootFd := openRoot(t, dir)
	reg := registry.New(rootDev(t, dir))

	h, _, err := reg.Lookup(rootFd, "f")
	require.NoError(t, err)

	fd := reg.Fd(h)
	assert.NotEqual(t, -1, fd)

	reg.Forget(h, 1)
	assert.Equal(t, 0, reg.Len())

	assert.Panics(t, func() {
		reg.Fd(h)
	}, "using a handle after nlookup reached zero must be a fatal invariant violation")
}

func TestForgetBeyondNlookupPanics(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0o755))

	rootFd := openRoot(t, dir)
	reg := registry.New(rootDev(t, dir))

	h, _, err := reg.Lookup(rootFd, "a")
	require.NoError(t, err)

	assert.Panics(t, func() {
		reg.Forget(h, 2)
	})
}

func TestConcurrentLookupAndForgetStayConsistent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0o755))

	rootFd := openRoot(t, dir)
	reg := registry.New(rootDev(t, dir))

	const goroutines = 32
	const rounds = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for r := 0; r < rounds; r++ {
				h, _, err := reg.Lookup(rootFd, "a")
				require.NoError(t, err)

				// Fd must never observe a closed record for a handle this
				// goroutine itself just incremented nlookup on.
				assert.NotEqual(t, -1, reg.Fd(h))

				reg.Forget(h, 1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}

func TestCrossDeviceRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0o755))

	rootFd := openRoot(t, dir)
	reg := registry.New(rootDev(t, dir) + 1) // force a mismatch

	_, _, err := reg.Lookup(rootFd, "a")
	assert.ErrorIs(t, err, registry.ErrCrossDevice)
}
