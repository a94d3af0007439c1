// Package local reads the target tree of a mirror from a directory.
package local

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/mangle"
	"github.com/torfstack/annex-dataverse/internal/remote"
	"github.com/torfstack/annex-dataverse/internal/sync"
)

// skipped directory names
var skipDirs = []string{".git", ".annex"}

// Tree walks root and returns its regular files keyed by mangled path.
// algorithm picks the checksum algorithm for a mangled path, so files can be
// compared with what the remote already holds.
func Tree(root string, algorithm func(mangled string) string) (sync.Tree, error) {
	tree := make(sync.Tree)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && slices.Contains(skipDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			logging.Debugf("Skipping '%s', not a regular file", path)
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		mangled := mangle.Path(filepath.ToSlash(rel))
		digest, err := remote.HashFile(algorithm(mangled), path)
		if err != nil {
			return err
		}
		tree[mangled] = sync.Entry{Digest: digest, Source: path}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not walk '%s': %w", root, err)
	}
	return tree, nil
}

// Open opens the local file of an entry.
func Open(e sync.Entry) (io.ReadSeekCloser, error) {
	f, err := os.Open(e.Source)
	if err != nil {
		return nil, fmt.Errorf("could not open '%s': %w", e.Source, err)
	}
	return f, nil
}
