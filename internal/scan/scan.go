// Package scan performs the one-shot recursive walk that populates a
// [moniker.Trie] with every directory (and, optionally, file) under a
// source root, keyed by each entry's inode number.
package scan

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/shadowfs/shadowfs/internal/moniker"
	"golang.org/x/sys/unix"
)

// Populate walks root and inserts every directory (and, if includeFiles
// is set, every file and symlink) into trie, keyed by its inode number
// and its path relative to root. The root directory itself is not
// inserted. It returns the number of entries added.
//
// Entries are visited in physical order (symlinks are never followed),
// matching the historical fts(3)-based walk this is ported from. A
// directory or file that cannot be stat'd is a fatal scan error, mirroring
// the original walk's treatment of FTS_NS/FTS_DNR/FTS_ERR as unrecoverable.
func Populate(root string, trie *moniker.Trie, includeFiles bool) (int, error) {
	added := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("scan: walking %q: %w", path, err)
		}

		if path == root {
			return nil
		}

		if !d.IsDir() && !includeFiles {
			return nil
		}

		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return fmt.Errorf("scan: lstat %q: %w", path, err)
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("scan: relativizing %q: %w", path, err)
		}

		trie.Insert(st.Ino, rel)
		added++

		return nil
	})
	if err != nil {
		return added, err
	}

	return added, nil
}
