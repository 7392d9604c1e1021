// Package token implements an append-only string interner.
package token

import "sync"

// Table maps path components to dense, monotonic integer IDs and back.
// The zero value is not usable; use [New].
type Table struct {
	mu      sync.RWMutex
	forward map[string]uint64
	reverse []string
}

// New returns a pointer to a new, empty [Table].
func New() *Table {
	return &Table{
		forward: make(map[string]uint64),
	}
}

// GetOrInsert returns the ID for s, creating one if s has not been seen
// before. inserted is true iff this call created the ID.
//
// The whole check-then-insert happens under a single writer lock, so no
// caller ever observes a reserved-but-uninitialized ID: unlike a scheme
// that speculatively bumps a counter and rolls it back on a lost race,
// there is no window in which an ID has been handed out but its reverse
// entry does not yet exist.
func (t *Table) GetOrInsert(s string) (id uint64, inserted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.forward[s]; ok {
		return id, false
	}

	id = uint64(len(t.reverse))
	t.forward[s] = id
	t.reverse = append(t.reverse, s)

	return id, true
}

// Reverse returns the component string for id, or false if id was never
// issued by [Table.GetOrInsert].
func (t *Table) Reverse(id uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id >= uint64(len(t.reverse)) {
		return "", false
	}

	return t.reverse[id], true
}

// Len returns the number of distinct components interned so far.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.reverse)
}
