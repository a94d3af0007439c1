package annex

import (
	"context"
	"errors"

	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/mangle"
	"github.com/torfstack/annex-dataverse/internal/sync"
)

var errNoExport = errors.New("no EXPORT name given")

func (e *Engine) exportSupported(context.Context, string) error {
	return e.conn.Send("EXPORTSUPPORTED-SUCCESS")
}

// setExport remembers the file name the next export request is about.
func (e *Engine) setExport(_ context.Context, name string) error {
	e.export, e.hasExport = name, true
	return nil
}

// exportPath is the remote path of the last EXPORT name.
func (e *Engine) exportPath() (string, error) {
	if err := e.checkPrepared(); err != nil {
		return "", err
	}
	if !e.hasExport {
		return "", errNoExport
	}
	return mangle.Path(e.export), nil
}

func (e *Engine) transferExport(ctx context.Context, args string) error {
	a, ok := splitArgs(args, 3)
	if !ok {
		return e.conn.Send("UNSUPPORTED-REQUEST")
	}
	dir, key, file := a[0], a[1], a[2]
	p, err := e.exportPath()
	if err != nil {
		return e.fail(err, "TRANSFER-FAILURE", dir, key)
	}
	return e.transferFile(ctx, dir, key, file, p)
}

func (e *Engine) checkPresentExport(ctx context.Context, key string) error {
	p, err := e.exportPath()
	if err != nil {
		return e.fail(err, "CHECKPRESENT-UNKNOWN", key)
	}
	return e.answerPresent(ctx, key, p)
}

func (e *Engine) removeExport(ctx context.Context, key string) error {
	p, err := e.exportPath()
	if err != nil {
		return e.fail(err, "REMOVE-FAILURE", key)
	}
	return e.answerRemove(ctx, key, p)
}

// removeExportDirectory deletes every file below dir.
func (e *Engine) removeExportDirectory(ctx context.Context, dir string) error {
	if err := e.checkPrepared(); err != nil {
		return e.failBare(err, "REMOVEEXPORTDIRECTORY-FAILURE")
	}
	snapshot, err := e.transfer.Index().Snapshot(ctx, mangle.Dir(dir))
	if err != nil {
		return e.failBare(err, "REMOVEEXPORTDIRECTORY-FAILURE")
	}
	plan := sync.NewPlan(nil, snapshot)
	logging.Debugf("Removing %d files below '%s'", len(plan), dir)
	err = sync.NewSynchronizer(e.transfer, nil, e.cfg.Workers).Apply(ctx, plan)
	if err != nil {
		return e.failBare(err, "REMOVEEXPORTDIRECTORY-FAILURE")
	}
	return e.conn.Send("REMOVEEXPORTDIRECTORY-SUCCESS")
}

func (e *Engine) renameExport(ctx context.Context, args string) error {
	a, ok := splitArgs(args, 2)
	if !ok {
		return e.conn.Send("UNSUPPORTED-REQUEST")
	}
	key, name := a[0], a[1]
	from, err := e.exportPath()
	if err != nil {
		return e.failBare(err, "RENAMEEXPORT-FAILURE", key)
	}
	if err = e.transfer.Rename(ctx, from, mangle.Path(name)); err != nil {
		return e.failBare(err, "RENAMEEXPORT-FAILURE", key)
	}
	return e.conn.Send("RENAMEEXPORT-SUCCESS", key)
}
