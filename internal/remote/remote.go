// Package remote keeps track of the files of a Dataverse dataset and moves
// content between git-annex keys and those files.
package remote

import (
	"context"
	"io"

	"github.com/torfstack/annex-dataverse/internal/dataverse"
)

// ContentKey is a git-annex key.
type ContentKey string

// API is the part of the Dataverse client used by the index and the transfer
// engine.
type API interface {
	ListFiles(ctx context.Context, pid string, offset, limit int) (dataverse.Page, error)
	ListVersions(ctx context.Context, pid string) ([]dataverse.Version, error)
	Upload(ctx context.Context, pid, dir, label string, content io.ReadSeeker) (dataverse.File, error)
	Replace(ctx context.Context, id int64, dir, label string, content io.ReadSeeker) (dataverse.File, error)
	Delete(ctx context.Context, id int64) error
	Rename(ctx context.Context, id int64, dir, label string) error
	Download(ctx context.Context, id int64, original bool) (io.ReadCloser, error)
	AccessURL(id int64) string
}

// RemoteFile is a file of the dataset. Path is the mangled remote path.
type RemoteFile struct {
	ID     int64
	Path   string
	Size   int64
	Digest Digest
	// Draft files were never published and may be replaced or deleted for good.
	Draft   bool
	Tabular bool
}

func fromFile(f dataverse.File) RemoteFile {
	return RemoteFile{
		ID:      f.ID,
		Path:    f.Path(),
		Size:    f.Size,
		Digest:  Digest(f.Digest()),
		Draft:   !f.Released(),
		Tabular: f.Tabular(),
	}
}

// Mode is the deposition mode of a remote.
type Mode int

const (
	// ContentMode stores every key under a path derived from the key.
	ContentMode Mode = iota
	// ExportMode mirrors a working tree; paths say nothing about keys.
	ExportMode
)

func (m Mode) String() string {
	if m == ExportMode {
		return "export"
	}
	return "content"
}
