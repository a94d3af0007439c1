package dataverse

import (
	"strings"
)

// File is one file record of a dataset version.
type File struct {
	ID             int64
	Label          string
	DirectoryLabel string
	Size           int64
	ContentType    string
	Checksum       Checksum
	// OriginalFormat is set for files Dataverse ingested as tabular data.
	OriginalFormat  string
	PublicationDate string
}

type Checksum struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Path joins directory label and label.
func (f File) Path() string {
	if f.DirectoryLabel == "" {
		return f.Label
	}
	return strings.TrimSuffix(f.DirectoryLabel, "/") + "/" + f.Label
}

// Released reports whether the file is part of a published version.
func (f File) Released() bool {
	return f.PublicationDate != ""
}

// Tabular reports whether Dataverse ingested the file and serves a derived
// format unless the original is requested explicitly.
func (f File) Tabular() bool {
	return f.OriginalFormat != ""
}

// Digest renders the checksum as "<algorithm>:<hex>".
func (f File) Digest() string {
	if f.Checksum.Value == "" {
		return ""
	}
	algo := strings.ToLower(f.Checksum.Type)
	if algo == "" {
		algo = "md5"
	}
	return algo + ":" + strings.ToLower(f.Checksum.Value)
}

type Dataset struct {
	ID           int64
	PersistentID string
	LatestState  string
}

type Version struct {
	ID     int64
	Number int
	Minor  int
	// State is DRAFT, RELEASED or DEACCESSIONED
	State string
	Files []File
}

func (v Version) Draft() bool {
	return v.State == "DRAFT"
}

type fileMetadata struct {
	Label          string `json:"label"`
	DirectoryLabel string `json:"directoryLabel"`
	DataFile       struct {
		ID                 int64    `json:"id"`
		Filename           string   `json:"filename"`
		ContentType        string   `json:"contentType"`
		Filesize           int64    `json:"filesize"`
		MD5                string   `json:"md5"`
		Checksum           Checksum `json:"checksum"`
		OriginalFileFormat string   `json:"originalFileFormat"`
		PublicationDate    string   `json:"publicationDate"`
	} `json:"dataFile"`
}

func (m fileMetadata) file() File {
	df := m.DataFile
	f := File{
		ID:              df.ID,
		Label:           m.Label,
		DirectoryLabel:  m.DirectoryLabel,
		Size:            df.Filesize,
		ContentType:     df.ContentType,
		Checksum:        df.Checksum,
		OriginalFormat:  df.OriginalFileFormat,
		PublicationDate: df.PublicationDate,
	}
	if f.Label == "" {
		f.Label = df.Filename
	}
	if f.Checksum.Value == "" && df.MD5 != "" {
		f.Checksum = Checksum{Type: "MD5", Value: df.MD5}
	}
	return f
}

type datasetVersion struct {
	ID                 int64          `json:"id"`
	VersionNumber      int            `json:"versionNumber"`
	VersionMinorNumber int            `json:"versionMinorNumber"`
	VersionState       string         `json:"versionState"`
	Files              []fileMetadata `json:"files"`
}

func (v datasetVersion) version() Version {
	out := Version{
		ID:     v.ID,
		Number: v.VersionNumber,
		Minor:  v.VersionMinorNumber,
		State:  v.VersionState,
		Files:  make([]File, 0, len(v.Files)),
	}
	for _, m := range v.Files {
		out.Files = append(out.Files, m.file())
	}
	return out
}
