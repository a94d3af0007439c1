package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/torfstack/annex-dataverse/internal/remote"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func md5Only(string) string { return remote.DefaultAlgorithm }

func TestTree(t *testing.T) {
	tests := []struct {
		name string
		do   func(t *testing.T)
	}{
		{
			name: "paths are mangled and hashed",
			do: func(t *testing.T) {
				root := t.TempDir()
				writeFile(t, filepath.Join(root, "Änderungen.txt"), "a")
				writeFile(t, filepath.Join(root, ".hidden", "x-y"), "b")
				writeFile(t, filepath.Join(root, "plain", "file"), "c")

				tree, err := Tree(root, md5Only)
				require.NoError(t, err)
				require.Len(t, tree, 3)
				require.Contains(t, tree, "-C4-nderungen.txt")
				require.Contains(t, tree, "_.hidden/x-2D-y")
				require.Contains(t, tree, "plain/file")

				want, _, err := remote.Hash("md5", strings.NewReader("c"))
				require.NoError(t, err)
				require.Equal(t, want, tree["plain/file"].Digest)
				require.Equal(t, filepath.Join(root, "plain", "file"), tree["plain/file"].Source)
			},
		},
		{
			name: "repository internals are skipped",
			do: func(t *testing.T) {
				root := t.TempDir()
				writeFile(t, filepath.Join(root, ".git", "config"), "x")
				writeFile(t, filepath.Join(root, "sub", ".git", "HEAD"), "x")
				writeFile(t, filepath.Join(root, "data"), "x")

				tree, err := Tree(root, md5Only)
				require.NoError(t, err)
				require.Len(t, tree, 1)
				require.Contains(t, tree, "data")
			},
		},
		{
			name: "algorithm follows the callback",
			do: func(t *testing.T) {
				root := t.TempDir()
				writeFile(t, filepath.Join(root, "a"), "x")
				writeFile(t, filepath.Join(root, "b"), "x")

				tree, err := Tree(root, func(p string) string {
					if p == "b" {
						return "sha-1"
					}
					return "md5"
				})
				require.NoError(t, err)
				require.Equal(t, "md5", tree["a"].Digest.Algorithm())
				require.Equal(t, "sha-1", tree["b"].Digest.Algorithm())
			},
		},
		{
			name: "open",
			do: func(t *testing.T) {
				root := t.TempDir()
				writeFile(t, filepath.Join(root, "a"), "content")
				tree, err := Tree(root, md5Only)
				require.NoError(t, err)

				f, err := Open(tree["a"])
				require.NoError(t, err)
				b, err := io.ReadAll(f)
				require.NoError(t, err)
				require.NoError(t, f.Close())
				require.Equal(t, "content", string(b))
			},
		},
		{
			name: "missing root",
			do: func(t *testing.T) {
				_, err := Tree(filepath.Join(t.TempDir(), "missing"), md5Only)
				require.Error(t, err)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.do)
	}
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	w, err := NewWatcher(root)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	changes := Debounce(w.Events, 50*time.Millisecond)

	writeFile(t, filepath.Join(root, "sub", "a"), "a")
	writeFile(t, filepath.Join(root, "b"), "b")

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	cancel()
	require.NoError(t, <-done)
	_, open := <-changes
	require.False(t, open)
}

func TestSkipped(t *testing.T) {
	require.True(t, skipped(".git"))
	require.True(t, skipped(filepath.Join(".git", "objects")))
	require.False(t, skipped("data"))
	require.False(t, skipped(filepath.Join("data", ".gitignore")))
}

