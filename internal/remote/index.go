package remote

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/torfstack/annex-dataverse/internal/logging"
)

// Index is a session local view of the latest dataset version, keyed by
// mangled path. It is loaded lazily on first use and afterwards kept current
// by recording the mutations done through it.
type Index struct {
	api      API
	pid      string
	pageSize int
	// MinRefreshInterval throttles reloads triggered by lookup misses.
	MinRefreshInterval time.Duration

	mu       sync.RWMutex
	loaded   bool
	loadedAt time.Time
	byPath   map[string]RemoteFile
	byID     map[int64]RemoteFile
	// history holds files of every version, nil until needed
	history map[int64]RemoteFile
}

func NewIndex(api API, pid string, pageSize int) *Index {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Index{api: api, pid: pid, pageSize: pageSize}
}

// Load fetches the complete listing unless it is already loaded.
func (ix *Index) Load(ctx context.Context) error {
	ix.mu.RLock()
	loaded := ix.loaded
	ix.mu.RUnlock()
	if loaded {
		return nil
	}
	return ix.Refresh(ctx)
}

// Refresh replaces the cached listing with a fresh one. Lookups keep being
// served from the old snapshot until every page is merged.
func (ix *Index) Refresh(ctx context.Context) error {
	var files []RemoteFile
	for offset := 0; ; {
		page, err := ix.api.ListFiles(ctx, ix.pid, offset, ix.pageSize)
		if err != nil {
			return fmt.Errorf("could not load file index: %w", err)
		}
		for _, f := range page.Files {
			files = append(files, fromFile(f))
		}
		offset += len(page.Files)
		if len(page.Files) == 0 {
			break
		}
		// servers may cap the page size, a short page ends the listing only
		// when the total is unknown
		if page.Total >= 0 {
			if offset >= page.Total {
				break
			}
		} else if len(page.Files) < ix.pageSize {
			break
		}
	}

	byPath := make(map[string]RemoteFile, len(files))
	byID := make(map[int64]RemoteFile, len(files))
	for _, f := range files {
		if prev, ok := byPath[f.Path]; ok {
			logging.Warnf("Duplicate remote path '%s' (ids %d and %d)", f.Path, prev.ID, f.ID)
			if prev.ID > f.ID {
				continue
			}
		}
		byPath[f.Path] = f
		byID[f.ID] = f
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.byPath, ix.byID = byPath, byID
	ix.history = nil
	ix.loaded = true
	ix.loadedAt = time.Now()
	logging.Debugf("Loaded index of %s with %d files", ix.pid, len(byPath))
	return nil
}

// refreshOnMiss reloads the listing unless that happened within
// MinRefreshInterval.
func (ix *Index) refreshOnMiss(ctx context.Context) (bool, error) {
	ix.mu.RLock()
	recent := ix.loaded && time.Since(ix.loadedAt) < ix.MinRefreshInterval
	ix.mu.RUnlock()
	if recent {
		return false, nil
	}
	return true, ix.Refresh(ctx)
}

// Invalidate drops the cached listing; the next use reloads it.
func (ix *Index) Invalidate() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.loaded = false
	ix.byPath, ix.byID, ix.history = nil, nil, nil
}

// Lookup returns the file at path in the latest version.
func (ix *Index) Lookup(ctx context.Context, path string) (RemoteFile, bool, error) {
	if err := ix.Load(ctx); err != nil {
		return RemoteFile{}, false, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	f, ok := ix.byPath[path]
	return f, ok, nil
}

// LookupFresh is Lookup that refreshes the listing once before reporting a
// miss.
func (ix *Index) LookupFresh(ctx context.Context, path string) (RemoteFile, bool, error) {
	f, ok, err := ix.Lookup(ctx, path)
	if err != nil || ok {
		return f, ok, err
	}
	refreshed, err := ix.refreshOnMiss(ctx)
	if err != nil || !refreshed {
		return RemoteFile{}, false, err
	}
	return ix.Lookup(ctx, path)
}

// InLatest reports whether id is part of the latest version.
func (ix *Index) InLatest(ctx context.Context, id int64) (bool, error) {
	if err := ix.Load(ctx); err != nil {
		return false, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.byID[id]
	return ok, nil
}

// LookupID finds a file by ID in any version of the dataset. Older versions
// are listed on the first call that needs them.
func (ix *Index) LookupID(ctx context.Context, id int64) (RemoteFile, bool, error) {
	if err := ix.Load(ctx); err != nil {
		return RemoteFile{}, false, err
	}
	ix.mu.RLock()
	f, ok := ix.byID[id]
	ix.mu.RUnlock()
	if ok {
		return f, true, nil
	}
	if err := ix.loadHistory(ctx); err != nil {
		return RemoteFile{}, false, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	f, ok = ix.history[id]
	return f, ok, nil
}

// HistoryPath returns the IDs any version of the dataset kept at path.
func (ix *Index) HistoryPath(ctx context.Context, path string) ([]int64, error) {
	if err := ix.Load(ctx); err != nil {
		return nil, err
	}
	if err := ix.loadHistory(ctx); err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var ids []int64
	for id, f := range ix.history {
		if f.Path == path {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (ix *Index) loadHistory(ctx context.Context) error {
	ix.mu.RLock()
	have := ix.history != nil
	ix.mu.RUnlock()
	if have {
		return nil
	}

	versions, err := ix.api.ListVersions(ctx, ix.pid)
	if err != nil {
		return fmt.Errorf("could not load dataset history: %w", err)
	}
	history := make(map[int64]RemoteFile)
	for _, v := range versions {
		for _, f := range v.Files {
			history[f.ID] = fromFile(f)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	// files changed during this session are more current than the listing
	maps.Copy(history, ix.byID)
	ix.history = history
	logging.Debugf("Loaded %d versions of %s", len(versions), ix.pid)
	return nil
}

// Put records a file created or changed through this session.
func (ix *Index) Put(f RemoteFile) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.loaded {
		return
	}
	if prev, ok := ix.byPath[f.Path]; ok && prev.ID != f.ID {
		delete(ix.byID, prev.ID)
	}
	ix.byPath[f.Path] = f
	ix.byID[f.ID] = f
	if ix.history != nil {
		ix.history[f.ID] = f
	}
}

// Remove records that f left the latest version. Unpublished files are gone
// from the history too.
func (ix *Index) Remove(f RemoteFile) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.loaded {
		return
	}
	if cur, ok := ix.byPath[f.Path]; ok && cur.ID == f.ID {
		delete(ix.byPath, f.Path)
	}
	delete(ix.byID, f.ID)
	if ix.history != nil && f.Draft {
		delete(ix.history, f.ID)
	}
}

// Snapshot copies the entries of the latest version below prefix. An empty
// prefix selects everything.
func (ix *Index) Snapshot(ctx context.Context, prefix string) (map[string]RemoteFile, error) {
	if err := ix.Load(ctx); err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]RemoteFile)
	prefix = strings.Trim(prefix, "/")
	for p, f := range ix.byPath {
		if prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/") {
			out[p] = f
		}
	}
	return out, nil
}
