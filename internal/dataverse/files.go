package dataverse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
)

type fileJSON struct {
	DirectoryLabel string `json:"directoryLabel,omitempty"`
	Label          string `json:"label"`
	TabIngest      *bool  `json:"tabIngest,omitempty"`
	ForceReplace   *bool  `json:"forceReplace,omitempty"`
}

// Upload adds a new file to the draft version of the dataset. Tabular ingest
// is disabled so the stored bytes stay exactly the uploaded ones.
func (c *Client) Upload(ctx context.Context, pid, dir, label string, content io.ReadSeeker) (File, error) {
	no := false
	req := request{
		method: http.MethodPost,
		path:   "/api/datasets/:persistentId/add",
		query:  pidQuery(pid),
		body:   multipartBody(content, label, fileJSON{DirectoryLabel: dir, Label: label, TabIngest: &no}),
	}
	f, err := c.fileResponse(ctx, req)
	if err != nil {
		return File{}, fmt.Errorf("could not upload '%s': %w", joinLabel(dir, label), err)
	}
	return f, nil
}

// Replace swaps the content of a draft file in place. The returned file
// carries the new ID.
func (c *Client) Replace(ctx context.Context, id int64, dir, label string, content io.ReadSeeker) (File, error) {
	yes, no := true, false
	req := request{
		method: http.MethodPost,
		path:   "/api/files/" + strconv.FormatInt(id, 10) + "/replace",
		body: multipartBody(content, label, fileJSON{
			DirectoryLabel: dir,
			Label:          label,
			TabIngest:      &no,
			ForceReplace:   &yes,
		}),
	}
	f, err := c.fileResponse(ctx, req)
	if err != nil {
		return File{}, fmt.Errorf("could not replace file %d: %w", id, err)
	}
	return f, nil
}

// Delete removes a file from the draft version. Content of released files
// stays accessible through older versions.
func (c *Client) Delete(ctx context.Context, id int64) error {
	req := request{
		method: http.MethodDelete,
		path:   "/api/files/" + strconv.FormatInt(id, 10),
	}
	if _, err := c.doJSON(ctx, req, nil); err != nil {
		return fmt.Errorf("could not delete file %d: %w", id, err)
	}
	return nil
}

// Rename changes directory label and label of a file.
func (c *Client) Rename(ctx context.Context, id int64, dir, label string) error {
	req := request{
		method: http.MethodPost,
		path:   "/api/files/" + strconv.FormatInt(id, 10) + "/metadata",
		body:   multipartBody(nil, "", fileJSON{DirectoryLabel: dir, Label: label}),
	}
	// the response is plain text followed by the updated record
	res, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("could not rename file %d: %w", id, err)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return res.Body.Close()
}

// Download streams the content of a file. With original set, ingested
// tabular files are served in their uploaded format.
func (c *Client) Download(ctx context.Context, id int64, original bool) (io.ReadCloser, error) {
	req := request{
		method: http.MethodGet,
		path:   "/api/access/datafile/" + strconv.FormatInt(id, 10),
	}
	if original {
		req.query = url.Values{"format": []string{"original"}}
	}
	res, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("could not download file %d: %w", id, err)
	}
	return res.Body, nil
}

// AccessURL is the download location of a file.
func (c *Client) AccessURL(id int64) string {
	return c.baseURL + "/api/access/datafile/" + strconv.FormatInt(id, 10)
}

func (c *Client) fileResponse(ctx context.Context, req request) (File, error) {
	var data struct {
		Files []fileMetadata `json:"files"`
	}
	if _, err := c.doJSON(ctx, req, &data); err != nil {
		return File{}, err
	}
	if len(data.Files) == 0 {
		return File{}, fmt.Errorf("%s returned no file record", req.op())
	}
	return data.Files[0].file(), nil
}

// multipartBody streams a jsonData field and, if content is set, a file part.
// content is rewound on every call so the body can be resent.
func multipartBody(content io.ReadSeeker, filename string, meta fileJSON) func() (io.ReadCloser, string, error) {
	return func() (io.ReadCloser, string, error) {
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return nil, "", err
		}
		if content == nil {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			if err = mw.WriteField("jsonData", string(metaJSON)); err != nil {
				return nil, "", err
			}
			if err = mw.Close(); err != nil {
				return nil, "", err
			}
			return io.NopCloser(&buf), mw.FormDataContentType(), nil
		}
		if _, err = content.Seek(0, io.SeekStart); err != nil {
			return nil, "", fmt.Errorf("could not rewind content: %w", err)
		}

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		body := &pipeBody{PipeReader: pr, done: make(chan struct{})}
		go func() {
			defer close(body.done)
			pw.CloseWithError(writeParts(mw, content, filename, metaJSON))
		}()
		return body, mw.FormDataContentType(), nil
	}
}

func writeParts(mw *multipart.Writer, content io.Reader, filename string, meta []byte) error {
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err = io.Copy(part, content); err != nil {
		return err
	}
	if err = mw.WriteField("jsonData", string(meta)); err != nil {
		return err
	}
	return mw.Close()
}

// pipeBody waits for the writing goroutine on Close so the content is no
// longer read when the next attempt rewinds it.
type pipeBody struct {
	*io.PipeReader
	done chan struct{}
}

func (b *pipeBody) Close() error {
	err := b.PipeReader.Close()
	<-b.done
	return err
}

func joinLabel(dir, label string) string {
	return File{DirectoryLabel: dir, Label: label}.Path()
}
