package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/torfstack/annex-dataverse/internal/dataverse"
	"github.com/torfstack/annex-dataverse/internal/local"
	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/sync"
)

// RunDaemon syncs once and then again whenever the directory has been quiet
// for the given duration after a change, until ctx is done. Partial failures
// are logged and retried with the next change.
func RunDaemon(ctx context.Context, m *Mirror, quiet time.Duration) error {
	w, err := local.NewWatcher(m.opts.Root)
	if err != nil {
		return fmt.Errorf("run-daemon: could not create watcher: %w", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- w.Run(ctx)
	}()
	changes := local.Debounce(w.Events, quiet)

	if err = syncLogged(ctx, m); err != nil {
		return err
	}
	for range changes {
		if err = syncLogged(ctx, m); err != nil {
			return err
		}
	}

	if err = <-watchErr; err != nil {
		return fmt.Errorf("run-daemon: error while running watcher: %w", err)
	}
	return nil
}

// syncLogged runs one pass. Only a rejected credential is returned.
func syncLogged(ctx context.Context, m *Mirror) error {
	_, err := m.Sync(ctx)
	var failures sync.Failures
	switch {
	case err == nil:
		logging.Info("Mirror is up to date")
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, dataverse.ErrAuth):
		return err
	case errors.As(err, &failures):
		for _, f := range failures {
			logging.Error(fmt.Sprintf("Could not %s", f.Action), f.Err)
		}
	default:
		logging.Error("Mirror pass failed", err)
	}
	return nil
}
