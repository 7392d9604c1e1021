// Package moniker implements a concurrent path trie keyed by interned
// path components, with a side index resolving source-tree inode numbers
// to their fully-qualified path.
package moniker

import (
	"strings"
	"sync"

	"github.com/shadowfs/shadowfs/internal/token"
)

const separator = "/"

// node is one trie node. Nodes are pointer-stable: once created their
// address never changes, and external code (the terminal index) may hold
// a *node directly.
type node struct {
	mu       sync.RWMutex
	name     uint64 // meaningless at the root
	parent   *node  // nil at the root
	children map[uint64]*node
}

// get returns the child of n for component word, creating it if absent.
// It does an optimistic shared lookup first, then falls back to an
// exclusive get-or-create that tolerates a concurrent winner.
func (n *node) get(word uint64) *node {
	n.mu.RLock()
	if c, ok := n.children[word]; ok {
		n.mu.RUnlock()

		return c
	}
	n.mu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.children[word]; ok {
		return c
	}

	if n.children == nil {
		n.children = make(map[uint64]*node)
	}

	c := &node{name: word, parent: n}
	n.children[word] = c

	return c
}

// path walks parent links from n up to (but excluding) the root and
// returns the component IDs in root-to-leaf order.
func (n *node) path() []uint64 {
	var reversed []uint64

	cur := n
	for cur.parent != nil {
		cur.mu.RLock()
		name := cur.name
		parent := cur.parent
		cur.mu.RUnlock()

		reversed = append(reversed, name)
		cur = parent
	}

	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}

	return reversed
}

func (n *node) clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = nil
}

// Trie is the trie root plus an index from source inode number to the
// trie node representing the last component of that inode's path.
//
// The zero value is not usable; use [New].
type Trie struct {
	tokens *token.Table

	mu       sync.RWMutex // guards terminal, held across tokenize+descend+record on Insert
	root     *node
	terminal map[uint64]*node
}

// New returns a pointer to a new, empty [Trie].
func New() *Trie {
	return &Trie{
		tokens:   token.New(),
		root:     &node{},
		terminal: make(map[uint64]*node),
	}
}

// tokenize splits path on the separator, interning each non-empty
// component. Leading and doubled separators produce no component and are
// skipped silently.
func (m *Trie) tokenize(path string) []uint64 {
	var ids []uint64

	for _, comp := range strings.Split(path, separator) {
		if comp == "" {
			continue
		}

		id, _ := m.tokens.GetOrInsert(comp)
		ids = append(ids, id)
	}

	return ids
}

// Insert tokenizes path, descends/extends the trie creating children as
// needed, and records inode -> leaf node in the terminal index,
// overwriting any entry inode already had. It returns true iff inode had
// no prior terminal entry.
//
// Last writer wins: a second Insert for an inode that already has a
// terminal entry replaces it. The previously-tokenized path's trie nodes
// (if now unreferenced by any terminal entry) remain allocated, which is
// harmless since trie memory is never reclaimed.
func (m *Trie) Insert(inode uint64, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := m.tokenize(path)

	n := m.root
	for _, tk := range tokens {
		n = n.get(tk)
	}

	_, existed := m.terminal[inode]
	m.terminal[inode] = n

	return !existed
}

// Resolve looks up the terminal node for inode, walks parent links to the
// root collecting component IDs, and joins them with the separator (no
// leading separator). It returns false if inode has no entry, or if any
// token along the path is missing (defensive; should not happen in
// practice since tokens are never removed).
func (m *Trie) Resolve(inode uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.terminal[inode]
	if !ok {
		return "", false
	}

	ids := n.path()
	parts := make([]string, 0, len(ids))

	for _, id := range ids {
		s, ok := m.tokens.Reverse(id)
		if !ok {
			return "", false
		}

		parts = append(parts, s)
	}

	return strings.Join(parts, separator), true
}

// Clear drops all terminal entries and trie children. Used by tests.
func (m *Trie) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.terminal = make(map[uint64]*node)
	m.root.clear()
}

// Size returns the number of entries in the terminal index.
func (m *Trie) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.terminal)
}

// TokenCount returns the number of distinct path components interned in
// the trie's token table, for diagnostics.
func (m *Trie) TokenCount() int {
	return m.tokens.Len()
}

// Root returns the trie's root node, for tests that need to exercise
// child construction directly without going through Insert.
func (m *Trie) Root() *Node {
	return (*Node)(m.root)
}

// Node is the externally-visible handle to a trie node, used by tests
// that construct trie shapes directly (see S3 in the design notes).
type Node node

// Get returns the child of n for component word, creating it if absent.
func (n *Node) Get(word uint64) *Node {
	return (*Node)((*node)(n).get(word))
}

// Path returns the root-to-leaf sequence of component IDs for n.
func (n *Node) Path() []uint64 {
	return (*node)(n).path()
}
