package annex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/torfstack/annex-dataverse/internal/dataverse"
	"github.com/torfstack/annex-dataverse/internal/mangle"
	"github.com/torfstack/annex-dataverse/internal/remote"
)

// keyPath is the remote path of a key in content mode.
func (e *Engine) keyPath(key string) (string, error) {
	hash, err := e.conn.Query("DIRHASH-LOWER", key)
	if err != nil {
		return "", err
	}
	return mangle.Path(path.Join("annex", hash, key)), nil
}

// contentPath is the remote path of key for content mode requests. In export
// mode keys have no path of their own.
func (e *Engine) contentPath(key string) (string, error) {
	if e.transfer.Mode() == remote.ExportMode {
		return "", nil
	}
	return e.keyPath(key)
}

func (e *Engine) transferKey(ctx context.Context, args string) error {
	a, ok := splitArgs(args, 3)
	if !ok {
		return e.conn.Send("UNSUPPORTED-REQUEST")
	}
	dir, key, file := a[0], a[1], a[2]
	if err := e.checkPrepared(); err != nil {
		return e.fail(err, "TRANSFER-FAILURE", dir, key)
	}
	p, err := e.keyPath(key)
	if err != nil {
		return err
	}
	return e.transferFile(ctx, dir, key, file, p)
}

// transferFile runs a STORE or RETRIEVE of key between file and the remote
// path p.
func (e *Engine) transferFile(ctx context.Context, dir, key, file, p string) error {
	var err error
	switch dir {
	case "STORE":
		err = e.store(ctx, key, file, p)
	case "RETRIEVE":
		err = e.retrieve(ctx, key, file, p)
	default:
		return e.conn.Send("UNSUPPORTED-REQUEST")
	}
	if err != nil {
		return e.fail(err, "TRANSFER-FAILURE", dir, key)
	}
	return e.conn.Send("TRANSFER-SUCCESS", dir, key)
}

func (e *Engine) store(ctx context.Context, key, file, p string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("could not open '%s': %w", file, err)
	}
	defer func() {
		_ = f.Close()
	}()
	_, err = e.transfer.Store(ctx, remote.ContentKey(key), f, p)
	return err
}

func (e *Engine) retrieve(ctx context.Context, key, file, p string) error {
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("could not create '%s': %w", file, err)
	}
	err = e.transfer.Fetch(ctx, remote.ContentKey(key), p, f)
	if ending(err) {
		_ = f.Close()
		return err
	}
	if errors.Is(err, dataverse.ErrNotFound) {
		// git-annex may know a download URL of a file this session never saw
		urlErr := e.retrieveURL(ctx, key, f)
		switch {
		case urlErr == nil:
			err = nil
		case ending(urlErr):
			_ = f.Close()
			return urlErr
		}
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		return fmt.Errorf("could not write '%s': %w", file, closeErr)
	}
	return err
}

func (e *Engine) checkPresent(ctx context.Context, key string) error {
	if err := e.checkPrepared(); err != nil {
		return e.fail(err, "CHECKPRESENT-UNKNOWN", key)
	}
	p, err := e.keyPath(key)
	if err != nil {
		return err
	}
	return e.answerPresent(ctx, key, p)
}

func (e *Engine) answerPresent(ctx context.Context, key, p string) error {
	present, err := e.transfer.CheckPresent(ctx, remote.ContentKey(key), p)
	switch {
	case err != nil:
		return e.fail(err, "CHECKPRESENT-UNKNOWN", key)
	case present:
		return e.conn.Send("CHECKPRESENT-SUCCESS", key)
	}
	return e.conn.Send("CHECKPRESENT-FAILURE", key)
}

func (e *Engine) remove(ctx context.Context, key string) error {
	if err := e.checkPrepared(); err != nil {
		return e.fail(err, "REMOVE-FAILURE", key)
	}
	p, err := e.keyPath(key)
	if err != nil {
		return err
	}
	return e.answerRemove(ctx, key, p)
}

func (e *Engine) answerRemove(ctx context.Context, key, p string) error {
	if err := e.transfer.Remove(ctx, remote.ContentKey(key), p); err != nil {
		return e.fail(err, "REMOVE-FAILURE", key)
	}
	return e.conn.Send("REMOVE-SUCCESS", key)
}
