package dataverse

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
)

// ServerVersion returns the version string of the installation. It doubles
// as a connectivity and credential check.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	var data struct {
		Version string `json:"version"`
		Build   string `json:"build"`
	}
	_, err := c.doJSON(ctx, request{method: http.MethodGet, path: "/api/info/version"}, &data)
	if err != nil {
		return "", fmt.Errorf("could not get server version: %w", err)
	}
	return data.Version, nil
}

// Dataset resolves a persistent identifier.
func (c *Client) Dataset(ctx context.Context, pid string) (Dataset, error) {
	var data struct {
		ID            int64  `json:"id"`
		Protocol      string `json:"protocol"`
		Authority     string `json:"authority"`
		Identifier    string `json:"identifier"`
		LatestVersion struct {
			VersionState string `json:"versionState"`
		} `json:"latestVersion"`
	}
	req := request{
		method: http.MethodGet,
		path:   "/api/datasets/:persistentId/",
		query:  pidQuery(pid),
	}
	if _, err := c.doJSON(ctx, req, &data); err != nil {
		return Dataset{}, fmt.Errorf("could not get dataset '%s': %w", pid, err)
	}
	return Dataset{
		ID:           data.ID,
		PersistentID: pid,
		LatestState:  data.LatestVersion.VersionState,
	}, nil
}

// Page is one slice of the file listing of the latest version.
type Page struct {
	Files []File
	// Total is -1 if the server does not report a total count.
	Total int
}

func (c *Client) ListFiles(ctx context.Context, pid string, offset, limit int) (Page, error) {
	q := pidQuery(pid)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	req := request{
		method: http.MethodGet,
		path:   "/api/datasets/:persistentId/versions/:latest/files",
		query:  q,
	}
	var metas []fileMetadata
	env, err := c.doJSON(ctx, req, &metas)
	if err != nil {
		return Page{}, fmt.Errorf("could not list files of '%s': %w", pid, err)
	}
	page := Page{Files: make([]File, 0, len(metas)), Total: -1}
	for _, m := range metas {
		page.Files = append(page.Files, m.file())
	}
	if env.TotalCount != nil {
		page.Total = *env.TotalCount
	}
	return page, nil
}

// ListVersions returns every version of the dataset including their file
// listings, oldest first. A draft sorts last.
func (c *Client) ListVersions(ctx context.Context, pid string) ([]Version, error) {
	q := pidQuery(pid)
	q.Set("includeFiles", "true")
	req := request{
		method: http.MethodGet,
		path:   "/api/datasets/:persistentId/versions",
		query:  q,
	}
	var raw []datasetVersion
	if _, err := c.doJSON(ctx, req, &raw); err != nil {
		return nil, fmt.Errorf("could not list versions of '%s': %w", pid, err)
	}
	versions := make([]Version, 0, len(raw))
	for _, v := range raw {
		versions = append(versions, v.version())
	}
	slices.SortStableFunc(versions, func(a, b Version) int {
		if a.Draft() != b.Draft() {
			if a.Draft() {
				return 1
			}
			return -1
		}
		return cmp.Or(cmp.Compare(a.Number, b.Number), cmp.Compare(a.Minor, b.Minor))
	})
	return versions, nil
}
