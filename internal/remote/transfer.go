package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/torfstack/annex-dataverse/internal/dataverse"
	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/mangle"
)

// ErrNotPresent is returned when neither the index nor the key records know
// a file for a request.
var ErrNotPresent = fmt.Errorf("not present on remote: %w", dataverse.ErrNotFound)

// Transfer moves content of keys to and from the dataset. All paths are
// mangled remote paths.
type Transfer struct {
	api     API
	pid     string
	mode    Mode
	index   *Index
	records KeyRecords
}

func NewTransfer(api API, pid string, mode Mode, index *Index, records KeyRecords) *Transfer {
	if records == nil {
		records = NopRecords{}
	}
	return &Transfer{api: api, pid: pid, mode: mode, index: index, records: records}
}

func (t *Transfer) Index() *Index {
	return t.index
}

func (t *Transfer) Mode() Mode {
	return t.mode
}

// Store makes path hold content. Unchanged content is left alone, draft
// files are replaced in place and published files are deleted from the
// draft and uploaded anew.
func (t *Transfer) Store(ctx context.Context, key ContentKey, content io.ReadSeeker, path string) (RemoteFile, error) {
	existing, ok, err := t.index.Lookup(ctx, path)
	if err != nil {
		return RemoteFile{}, err
	}
	digest, size, err := hashSeeker(AlgorithmFor(existing.Digest), content)
	if err != nil {
		return RemoteFile{}, err
	}

	if ok {
		if existing.Digest == digest {
			logging.Debugf("'%s' is unchanged", path)
			return existing, t.recordStored(key, existing, nil)
		}
		f, done, err := t.replace(ctx, key, existing, content, digest)
		if done || err != nil {
			return f, err
		}
	}

	logging.Debugf("Uploading %s to '%s' (%s)", key, path, humanize.IBytes(uint64(size)))
	f, err := t.upload(ctx, path, content)
	if errors.Is(err, dataverse.ErrConflict) {
		// someone else created the path since the index was loaded
		logging.Debugf("Conflict on '%s', reloading index", path)
		if err = t.index.Refresh(ctx); err != nil {
			return RemoteFile{}, err
		}
		if cur, found, _ := t.index.Lookup(ctx, path); found {
			if cur.Digest.Algorithm() != digest.Algorithm() {
				digest, _, err = hashSeeker(AlgorithmFor(cur.Digest), content)
				if err != nil {
					return RemoteFile{}, err
				}
			}
			if cur.Digest == digest {
				return cur, t.recordStored(key, cur, nil)
			}
			if err = t.delete(ctx, key, cur); err != nil {
				return RemoteFile{}, err
			}
		}
		f, err = t.upload(ctx, path, content)
	}
	if errors.Is(err, dataverse.ErrDuplicateContent) {
		logging.Debugf("Remote already holds the content of %s, not uploading", key)
		return RemoteFile{Path: path, Size: size, Digest: digest, Draft: true}, nil
	}
	if err != nil {
		return RemoteFile{}, err
	}
	return f, t.recordStored(key, f, nil)
}

// replace updates an existing file with new content. done is false when the
// caller still has to upload.
func (t *Transfer) replace(
	ctx context.Context,
	key ContentKey,
	existing RemoteFile,
	content io.ReadSeeker,
	digest Digest,
) (f RemoteFile, done bool, err error) {
	if existing.Draft {
		dir, label := mangle.Split(existing.Path)
		logging.Debugf("Replacing file %d at '%s'", existing.ID, existing.Path)
		nf, err := t.api.Replace(ctx, existing.ID, dir, label, content)
		switch {
		case err == nil:
			f = fromFile(nf)
			t.index.Remove(existing)
			t.index.Put(f)
			return f, true, t.recordStored(key, f, &existing)
		case errors.Is(err, dataverse.ErrDuplicateContent):
			logging.Debugf("Remote already holds the content of %s, keeping file %d", key, existing.ID)
			return RemoteFile{Path: existing.Path, Digest: digest, Draft: true}, true, nil
		case errors.Is(err, dataverse.ErrConflict), errors.Is(err, dataverse.ErrNotFound):
			logging.Debugf("Replacing file %d failed (%s), reloading index", existing.ID, err)
			if err = t.index.Refresh(ctx); err != nil {
				return RemoteFile{}, false, err
			}
			cur, ok, err := t.index.Lookup(ctx, existing.Path)
			if err != nil || !ok {
				return RemoteFile{}, false, err
			}
			if cur.Digest == digest {
				return cur, true, t.recordStored(key, cur, nil)
			}
			existing = cur
		default:
			return RemoteFile{}, false, err
		}
	}
	if err = t.delete(ctx, key, existing); err != nil {
		return RemoteFile{}, false, err
	}
	return RemoteFile{}, false, nil
}

func (t *Transfer) upload(ctx context.Context, path string, content io.ReadSeeker) (RemoteFile, error) {
	dir, label := mangle.Split(path)
	nf, err := t.api.Upload(ctx, t.pid, dir, label, content)
	if err != nil {
		return RemoteFile{}, err
	}
	f := fromFile(nf)
	t.index.Put(f)
	return f, nil
}

// delete removes f from the draft. A missing file counts as deleted.
func (t *Transfer) delete(ctx context.Context, key ContentKey, f RemoteFile) error {
	logging.Debugf("Deleting file %d at '%s'", f.ID, f.Path)
	err := t.api.Delete(ctx, f.ID)
	if err != nil && !errors.Is(err, dataverse.ErrNotFound) {
		return err
	}
	t.index.Remove(f)
	if f.Draft && key != "" {
		return dropRecord(t.records, key, f.ID)
	}
	return nil
}

func (t *Transfer) recordStored(key ContentKey, f RemoteFile, replaced *RemoteFile) error {
	if key == "" {
		return nil
	}
	if replaced != nil && replaced.Draft {
		if err := dropRecord(t.records, key, replaced.ID); err != nil {
			return err
		}
	}
	return addRecord(t.records, key, f.ID)
}

// Fetch writes the content of key to w. Recorded IDs are tried first, then
// the file at path.
func (t *Transfer) Fetch(ctx context.Context, key ContentKey, path string, w io.Writer) error {
	candidates, err := t.candidates(ctx, key, path)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return ErrNotPresent
	}

	var lastErr error
	for _, id := range candidates {
		err := t.FetchID(ctx, id, w)
		if errors.Is(err, dataverse.ErrNotFound) {
			logging.Debugf("File %d of %s is gone", id, key)
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %w", ErrNotPresent, lastErr)
}

// FetchID writes the content of the file with the given ID to w. Tabular
// files are fetched in their uploaded format.
func (t *Transfer) FetchID(ctx context.Context, id int64, w io.Writer) error {
	f, known, err := t.index.LookupID(ctx, id)
	if err != nil {
		return err
	}
	rc, err := t.api.Download(ctx, id, known && f.Tabular)
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()
	n, err := io.Copy(w, rc)
	if err != nil {
		return fmt.Errorf("could not download file %d: %w", id, err)
	}
	logging.Debugf("Downloaded file %d (%s)", id, humanize.IBytes(uint64(n)))
	return nil
}

func (t *Transfer) candidates(ctx context.Context, key ContentKey, path string) ([]int64, error) {
	ids, err := t.records.IDs(key)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return ids, nil
	}
	f, ok, err := t.index.LookupFresh(ctx, path)
	if err != nil {
		return nil, err
	}
	if ok && !slices.Contains(ids, f.ID) {
		ids = append(ids, f.ID)
	}
	if len(ids) == 0 && t.mode == ContentMode {
		// content of a key never changes, older versions serve as well
		return t.index.HistoryPath(ctx, path)
	}
	return ids, nil
}

// Remove takes the file of key at path out of the draft. Removing absent
// content succeeds.
func (t *Transfer) Remove(ctx context.Context, key ContentKey, path string) error {
	var targets []RemoteFile
	if f, ok, err := t.index.Lookup(ctx, path); err != nil {
		return err
	} else if ok {
		targets = append(targets, f)
	}
	if t.mode == ContentMode && len(targets) == 0 {
		ids, err := t.records.IDs(key)
		if err != nil {
			return err
		}
		for _, id := range ids {
			latest, err := t.index.InLatest(ctx, id)
			if err != nil {
				return err
			}
			if !latest {
				continue
			}
			f, ok, err := t.index.LookupID(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				targets = append(targets, f)
			}
		}
	}
	for _, f := range targets {
		if err := t.delete(ctx, key, f); err != nil {
			return err
		}
	}
	return nil
}

// CheckPresent reports whether the content of key is available from the
// dataset. No content is downloaded.
func (t *Transfer) CheckPresent(ctx context.Context, key ContentKey, path string) (bool, error) {
	ids, err := t.records.IDs(key)
	if err != nil {
		return false, err
	}
	f, ok, err := t.index.LookupFresh(ctx, path)
	if err != nil {
		return false, err
	}
	if ok {
		// in export mode the path may hold other content by now
		if t.mode == ExportMode && len(ids) > 0 && !slices.Contains(ids, f.ID) {
			return false, nil
		}
		return true, nil
	}
	if t.mode == ExportMode {
		return false, nil
	}

	for _, id := range ids {
		if _, found, err := t.index.LookupID(ctx, id); err != nil {
			return false, err
		} else if found {
			return true, nil
		}
	}
	hist, err := t.index.HistoryPath(ctx, path)
	if err != nil {
		return false, err
	}
	if len(hist) > 0 {
		return true, addRecord(t.records, key, hist[0])
	}
	return false, nil
}

// Rename moves the file at from to to.
func (t *Transfer) Rename(ctx context.Context, from, to string) error {
	f, ok, err := t.index.LookupFresh(ctx, from)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("could not rename '%s': %w", from, ErrNotPresent)
	}
	dir, label := mangle.Split(to)
	if err = t.api.Rename(ctx, f.ID, dir, label); err != nil {
		return err
	}
	t.index.Remove(f)
	f.Path = to
	t.index.Put(f)
	return nil
}

// Locate returns the ID of the file holding key's content, if any. An empty
// path consults the key records only.
func (t *Transfer) Locate(ctx context.Context, key ContentKey, path string) (int64, bool, error) {
	ids, err := t.candidates(ctx, key, path)
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}
	return ids[0], true, nil
}

// AccessURL is the download location of a file ID.
func (t *Transfer) AccessURL(id int64) string {
	return t.api.AccessURL(id)
}
