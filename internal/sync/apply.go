package sync

import (
	"context"
	"fmt"
	"io"

	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/remote"
	"github.com/torfstack/annex-dataverse/internal/util"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Executor carries out single actions, usually a *remote.Transfer.
type Executor interface {
	Store(ctx context.Context, key remote.ContentKey, content io.ReadSeeker, path string) (remote.RemoteFile, error)
	Remove(ctx context.Context, key remote.ContentKey, path string) error
}

// Opener provides the content of an entry.
type Opener func(e Entry) (io.ReadSeekCloser, error)

type Synchronizer struct {
	exec    Executor
	open    Opener
	workers int
}

func NewSynchronizer(exec Executor, open Opener, workers int) *Synchronizer {
	return &Synchronizer{exec: exec, open: open, workers: max(workers, 1)}
}

// Failure is an action that could not be carried out.
type Failure struct {
	Action Action
	Err    error
}

// Failures is returned by Apply when some actions failed.
type Failures []Failure

func (f Failures) Error() string {
	return fmt.Sprintf("%d of the planned actions failed: %s", len(f), f.combined())
}

func (f Failures) Unwrap() []error {
	return multierr.Errors(f.combined())
}

func (f Failures) combined() error {
	var err error
	for _, fail := range f {
		err = multierr.Append(err, fmt.Errorf("%s: %w", fail.Action, fail.Err))
	}
	return err
}

// Apply carries out every action of the plan. Deletes run first and one at a
// time, the rest runs on a bounded number of workers. A failing action does
// not stop the others; all failures are returned together as Failures.
func (s *Synchronizer) Apply(ctx context.Context, plan Plan) error {
	failures := util.NewSyncSlice[Failure]()
	run := func(a Action) {
		if err := ctx.Err(); err != nil {
			failures.Add(Failure{a, err})
			return
		}
		if err := s.do(ctx, a); err != nil {
			logging.Debugf("%s failed: %s", a, err)
			failures.Add(Failure{a, err})
		}
	}

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, a := range plan {
		if a.Kind == Delete {
			run(a)
			continue
		}
		g.Go(func() error {
			run(a)
			return nil
		})
	}
	_ = g.Wait()

	if failures.Len() > 0 {
		return Failures(failures.Items())
	}
	return nil
}

func (s *Synchronizer) do(ctx context.Context, a Action) error {
	switch a.Kind {
	case Delete:
		return s.exec.Remove(ctx, a.Entry.Key, a.Path)
	case Create, Update:
		content, err := s.open(a.Entry)
		if err != nil {
			return fmt.Errorf("could not open content: %w", err)
		}
		defer func() {
			_ = content.Close()
		}()
		_, err = s.exec.Store(ctx, a.Entry.Key, content, a.Path)
		return err
	}
	return fmt.Errorf("unknown action kind %d", a.Kind)
}
