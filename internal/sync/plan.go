// Package sync reconciles the files of a dataset with a target tree.
package sync

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/torfstack/annex-dataverse/internal/remote"
)

type Kind int

const (
	Delete Kind = iota
	Update
	Create
)

func (k Kind) String() string {
	switch k {
	case Delete:
		return "delete"
	case Update:
		return "update"
	case Create:
		return "create"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Entry is the wanted state of one path.
type Entry struct {
	Digest remote.Digest
	Key    remote.ContentKey
	// Source locates the content, e.g. a local file name.
	Source string
}

// Tree maps mangled remote paths to their wanted state.
type Tree map[string]Entry

type Action struct {
	Kind   Kind
	Path   string
	Entry  Entry
	Remote remote.RemoteFile
}

func (a Action) String() string {
	return a.Kind.String() + " " + a.Path
}

// Plan lists deletes first, then updates, then creates, each sorted by path.
// Deleting first frees names a create might collide with.
type Plan []Action

// NewPlan diffs target against a snapshot of the remote index.
func NewPlan(target Tree, snapshot map[string]remote.RemoteFile) Plan {
	var plan Plan
	for p, f := range snapshot {
		if _, ok := target[p]; !ok {
			plan = append(plan, Action{Kind: Delete, Path: p, Remote: f})
		}
	}
	for p, e := range target {
		f, ok := snapshot[p]
		switch {
		case !ok:
			plan = append(plan, Action{Kind: Create, Path: p, Entry: e})
		case f.Digest != e.Digest:
			plan = append(plan, Action{Kind: Update, Path: p, Entry: e, Remote: f})
		}
	}
	slices.SortFunc(plan, func(a, b Action) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Path, b.Path))
	})
	return plan
}

// Counts returns the number of actions per kind.
func (p Plan) Counts() map[Kind]int {
	out := make(map[Kind]int, 3)
	for _, a := range p {
		out[a.Kind]++
	}
	return out
}
