package token_test

import (
	"strconv"
	"sync"
	"testing"

	"github.com/shadowfs/shadowfs/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrInsertOrder(t *testing.T) {
	tbl := token.New()

	ids := make([]uint64, 0, 5)
	inserted := make([]bool, 0, 5)

	for _, s := range []string{"foo", "foo", "bar", "bar", "baz"} {
		id, ok := tbl.GetOrInsert(s)
		ids = append(ids, id)
		inserted = append(inserted, ok)
	}

	assert.Equal(t, []uint64{0, 0, 1, 1, 2}, ids)
	assert.Equal(t, []bool{true, false, true, false, true}, inserted)

	s, ok := tbl.Reverse(1)
	require.True(t, ok)
	assert.Equal(t, "bar", s)

	_, ok = tbl.Reverse(99)
	assert.False(t, ok)
}

func TestRoundTrip(t *testing.T) {
	tbl := token.New()

	for i := 0; i < 100; i++ {
		s := strconv.Itoa(i)
		id, _ := tbl.GetOrInsert(s)

		got, ok := tbl.Reverse(id)
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
}

func TestDensification(t *testing.T) {
	tbl := token.New()

	n := 1000
	seen := make(map[uint64]bool, n)

	for i := 0; i < n; i++ {
		id, inserted := tbl.GetOrInsert(strconv.Itoa(i))
		require.True(t, inserted)
		seen[id] = true
	}

	assert.Len(t, seen, n)
	for i := uint64(0); i < uint64(n); i++ {
		assert.True(t, seen[i], "id %d missing from densified range", i)
	}
}

func TestConcurrentInsertsNoGaps(t *testing.T) {
	tbl := token.New()

	const workers = 16

	var wg sync.WaitGroup

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			// Every worker inserts the same 32 strings, so most calls race
			// to lose against an existing entry.
			for i := 0; i < 32; i++ {
				tbl.GetOrInsert(strconv.Itoa(i))
			}
			_ = w
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 32, tbl.Len())
	for i := 0; i < 32; i++ {
		got, ok := tbl.Reverse(uint64(i))
		require.True(t, ok)
		assert.Equal(t, strconv.Itoa(i), got)
	}
}
