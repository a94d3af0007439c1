// Package service runs the mirror command: it keeps the latest version of a
// dataset equal to a local directory.
package service

import (
	"context"
	"fmt"

	"github.com/torfstack/annex-dataverse/internal/local"
	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/remote"
	"github.com/torfstack/annex-dataverse/internal/sync"
)

type MirrorOptions struct {
	Root     string
	PageSize int
	Workers  int
	// DryRun only computes the plan.
	DryRun bool
}

type Mirror struct {
	opts     MirrorOptions
	index    *remote.Index
	transfer *remote.Transfer
}

func NewMirror(api remote.API, pid string, opts MirrorOptions) *Mirror {
	index := remote.NewIndex(api, pid, opts.PageSize)
	return &Mirror{
		opts:     opts,
		index:    index,
		transfer: remote.NewTransfer(api, pid, remote.ExportMode, index, nil),
	}
}

// Sync runs one pass and returns the plan it carried out. A partial failure
// is reported as sync.Failures together with the plan.
func (m *Mirror) Sync(ctx context.Context) (sync.Plan, error) {
	if err := m.index.Refresh(ctx); err != nil {
		return nil, err
	}
	snapshot, err := m.index.Snapshot(ctx, "")
	if err != nil {
		return nil, err
	}
	tree, err := local.Tree(m.opts.Root, func(p string) string {
		return remote.AlgorithmFor(snapshot[p].Digest)
	})
	if err != nil {
		return nil, err
	}

	plan := sync.NewPlan(tree, snapshot)
	counts := plan.Counts()
	logging.Infof("Plan for '%s': %d to create, %d to update, %d to delete",
		m.opts.Root, counts[sync.Create], counts[sync.Update], counts[sync.Delete])
	if m.opts.DryRun || len(plan) == 0 {
		return plan, nil
	}

	err = sync.NewSynchronizer(m.transfer, local.Open, m.opts.Workers).Apply(ctx, plan)
	if err != nil {
		return plan, fmt.Errorf("could not mirror '%s': %w", m.opts.Root, err)
	}
	return plan, nil
}
