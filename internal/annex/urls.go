package annex

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/remote"
)

const accessPath = "/api/access/datafile/"

// fileID extracts the file ID from a download URL of the configured
// installation.
func (e *Engine) fileID(url string) (int64, bool) {
	if e.client == nil {
		return 0, false
	}
	rest, ok := strings.CutPrefix(url, e.client.BaseURL()+accessPath)
	if !ok {
		return 0, false
	}
	rest, _, _ = strings.Cut(rest, "?")
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// retrieveURL downloads key from one of the URLs git-annex recorded for it.
func (e *Engine) retrieveURL(ctx context.Context, key string, f *os.File) error {
	urls, err := e.conn.QueryList("GETURLS", key, e.client.BaseURL()+accessPath)
	if err != nil {
		return err
	}
	for _, u := range urls {
		id, ok := e.fileID(u)
		if !ok {
			continue
		}
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err = f.Truncate(0); err != nil {
			return err
		}
		logging.Debugf("Retrieving %s from %s", key, u)
		if err = e.transfer.FetchID(ctx, id, f); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no usable URL for %s", key)
}

func (e *Engine) claimURL(_ context.Context, url string) error {
	if _, ok := e.fileID(url); ok {
		return e.conn.Send("CLAIMURL-SUCCESS")
	}
	return e.conn.Send("CLAIMURL-FAILURE")
}

func (e *Engine) checkURL(ctx context.Context, url string) error {
	if err := e.checkPrepared(); err != nil {
		return e.fail(err, "CHECKURL-FAILURE")
	}
	id, ok := e.fileID(url)
	if !ok {
		return e.conn.Send("CHECKURL-FAILURE", "not a file of "+e.loc.BaseURL)
	}
	f, found, err := e.transfer.Index().LookupID(ctx, id)
	switch {
	case err != nil:
		return e.fail(err, "CHECKURL-FAILURE")
	case !found:
		return e.conn.Send("CHECKURL-FAILURE", fmt.Sprintf("file %d is not part of %s", id, e.loc.DOI))
	}
	return e.conn.Send("CHECKURL-CONTENTS", strconv.FormatInt(f.Size, 10))
}

// whereIs tells where the content of key can be downloaded.
func (e *Engine) whereIs(ctx context.Context, key string) error {
	if err := e.checkPrepared(); err != nil {
		return e.failBare(err, "WHEREIS-FAILURE")
	}
	p, err := e.contentPath(key)
	if err != nil {
		return err
	}
	id, ok, err := e.transfer.Locate(ctx, remote.ContentKey(key), p)
	switch {
	case err != nil:
		return e.failBare(err, "WHEREIS-FAILURE")
	case !ok:
		return e.conn.Send("WHEREIS-FAILURE")
	}
	return e.conn.Send("WHEREIS-SUCCESS", e.transfer.AccessURL(id))
}
