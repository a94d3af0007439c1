package service

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/torfstack/annex-dataverse/internal/dataverse"
	"github.com/torfstack/annex-dataverse/internal/dataverse/dataversetest"
	"github.com/torfstack/annex-dataverse/internal/sync"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newMirror(t *testing.T, dryRun bool) (*Mirror, *dataversetest.Server, string) {
	srv := dataversetest.NewServer(t)
	root := t.TempDir()
	m := NewMirror(srv.NewClient(), srv.PID, MirrorOptions{Root: root, PageSize: 10, Workers: 2, DryRun: dryRun})
	return m, srv, root
}

func TestMirror(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		do   func(*testing.T)
	}{
		{
			name: "creates, updates and deletes",
			do: func(t *testing.T) {
				m, srv, root := newMirror(t, false)
				srv.AddFile("stale.txt", []byte("old"))
				srv.AddFile("data/changed.csv", []byte("v1"))
				srv.AddFile("same.txt", []byte("same"))
				writeFile(t, filepath.Join(root, "data", "changed.csv"), "v2")
				writeFile(t, filepath.Join(root, "same.txt"), "same")
				writeFile(t, filepath.Join(root, "new dir", "ä.txt"), "new")
				writeFile(t, filepath.Join(root, ".git", "config"), "ignored")

				plan, err := m.Sync(ctx)
				require.NoError(t, err)
				require.Equal(t, map[sync.Kind]int{sync.Create: 1, sync.Update: 1, sync.Delete: 1}, plan.Counts())
				require.Equal(t, map[string]string{
					"data/changed.csv": "v2",
					"same.txt":         "same",
					"new dir/-E4-.txt": "new",
				}, srv.Files())

				plan, err = m.Sync(ctx)
				require.NoError(t, err)
				require.Empty(t, plan)
			},
		},
		{
			name: "dry run changes nothing",
			do: func(t *testing.T) {
				m, srv, root := newMirror(t, true)
				srv.AddFile("stale.txt", []byte("old"))
				writeFile(t, filepath.Join(root, "a.txt"), "a")

				plan, err := m.Sync(ctx)
				require.NoError(t, err)
				require.Len(t, plan, 2)
				require.Equal(t, map[string]string{"stale.txt": "old"}, srv.Files())
			},
		},
		{
			name: "partial failure",
			do: func(t *testing.T) {
				m, srv, root := newMirror(t, false)
				writeFile(t, filepath.Join(root, "a.txt"), "a")
				writeFile(t, filepath.Join(root, "b.txt"), "b")
				writeFile(t, filepath.Join(root, "c.txt"), "c")
				srv.FailNext("POST /api/datasets/", http.StatusBadRequest, 1)

				_, err := m.Sync(ctx)
				var failures sync.Failures
				require.ErrorAs(t, err, &failures)
				require.Len(t, failures, 1)
				require.Len(t, srv.Files(), 2)

				_, err = m.Sync(ctx)
				require.NoError(t, err)
				require.Len(t, srv.Files(), 3)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.do(t)
		})
	}
}

func TestRunDaemon(t *testing.T) {
	m, srv, root := newMirror(t, false)
	writeFile(t, filepath.Join(root, "a.txt"), "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- RunDaemon(ctx, m, 20*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return srv.Files()["a.txt"] == "a"
	}, 5*time.Second, 10*time.Millisecond)

	writeFile(t, filepath.Join(root, "b.txt"), "b")
	require.Eventually(t, func() bool {
		return srv.Files()["b.txt"] == "b"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunDaemonStopsOnAuthError(t *testing.T) {
	m, srv, _ := newMirror(t, false)
	srv.FailNext("GET /api/datasets/", http.StatusUnauthorized, 1)

	err := RunDaemon(context.Background(), m, time.Millisecond)
	require.ErrorIs(t, err, dataverse.ErrAuth)
}
