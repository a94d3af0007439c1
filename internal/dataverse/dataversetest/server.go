// Package dataversetest provides an in-memory Dataverse installation serving
// a single dataset over HTTP.
package dataversetest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torfstack/annex-dataverse/internal/dataverse"
)

const (
	DefaultPID   = "doi:10.5072/FK2/TEST01"
	DefaultToken = "secret-token"
)

var dirLabelPattern = regexp.MustCompile(`^[0-9A-Za-z_\-. /]*$`)

type entry struct {
	id       int64
	dir      string
	label    string
	content  []byte
	released bool
	// originalFormat marks the file as ingested
	originalFormat string
}

type release struct {
	number int
	ids    []int64
}

type failure struct {
	prefix string
	status int
	times  int
}

type Server struct {
	*httptest.Server

	PID   string
	Token string
	// RejectDuplicates makes uploads of content already present in the
	// latest version fail like older Dataverse releases do.
	RejectDuplicates bool
	// Version is reported by /api/info/version.
	Version string
	// MaxPageSize caps the limit of file listings when positive.
	MaxPageSize int

	mu       sync.Mutex
	nextID   int64
	files    map[int64]*entry
	latest   []int64
	releases []release
	failures []*failure
	requests []string
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		PID:     DefaultPID,
		Token:   DefaultToken,
		Version: "6.2",
		nextID:  100,
		files:   make(map[int64]*entry),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/info/version", s.handleVersion)
	mux.HandleFunc("GET /api/datasets/:persistentId/{$}", s.handleDataset)
	mux.HandleFunc("GET /api/datasets/:persistentId/versions/:latest/files", s.handleListFiles)
	mux.HandleFunc("GET /api/datasets/:persistentId/versions", s.handleVersions)
	mux.HandleFunc("POST /api/datasets/:persistentId/add", s.handleAdd)
	mux.HandleFunc("POST /api/files/{id}/replace", s.handleReplace)
	mux.HandleFunc("POST /api/files/{id}/metadata", s.handleMetadata)
	mux.HandleFunc("DELETE /api/files/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/access/datafile/{id}", s.handleDownload)
	s.Server = httptest.NewServer(s.middleware(mux))
	t.Cleanup(s.Close)
	return s
}

// NewClient returns an API client authenticated with the server's token and a
// retry policy without noticeable delays.
func (s *Server) NewClient() *dataverse.Client {
	hc := &http.Client{Transport: keyTransport{token: s.Token, next: http.DefaultTransport}}
	return dataverse.NewClient(s.URL, hc, dataverse.RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
}

type keyTransport struct {
	token string
	next  http.RoundTripper
}

func (k keyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("X-Dataverse-key", k.token)
	return k.next.RoundTrip(req)
}

// FailNext makes the next times requests whose "METHOD /path" starts with
// prefix fail with status.
func (s *Server) FailNext(prefix string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{prefix: prefix, status: status, times: times})
}

// Requests counts received requests whose "METHOD /path" starts with prefix.
func (s *Server) Requests(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

// AddFile places a file into the latest version and returns its ID.
func (s *Server) AddFile(path string, content []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, label := splitPath(path)
	return s.add(dir, label, content).id
}

// Publish releases the latest version.
func (s *Server) Publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.latest {
		s.files[id].released = true
	}
	s.releases = append(s.releases, release{number: len(s.releases) + 1, ids: slices.Clone(s.latest)})
}

// Ingest marks a file as tabular data converted from originalFormat.
func (s *Server) Ingest(id int64, originalFormat string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id].originalFormat = originalFormat
}

// Files maps the paths of the latest version to their content.
func (s *Server) Files() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.latest))
	for _, id := range s.latest {
		e := s.files[id]
		out[e.path()] = string(e.content)
	}
	return out
}

// ID returns the ID of the file at path in the latest version, or 0.
func (s *Server) ID(path string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.byPath(path); e != nil {
		return e.id
	}
	return 0
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.requests = append(s.requests, key)
		var status int
		for _, f := range s.failures {
			if f.times > 0 && strings.HasPrefix(key, f.prefix) {
				f.times--
				status = f.status
				break
			}
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		if s.Token != "" && r.Header.Get("X-Dataverse-key") != s.Token &&
			r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "Bad API key")
			return
		}
		if strings.Contains(r.URL.Path, ":persistentId") && r.URL.Query().Get("persistentId") != s.PID {
			writeError(w, http.StatusNotFound, "Dataset with Persistent ID "+r.URL.Query().Get("persistentId")+" not found.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeData(w, map[string]string{"version": s.Version, "build": "test"})
}

func (s *Server) handleDataset(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeData(w, map[string]any{
		"id":            1,
		"latestVersion": map[string]any{"versionState": s.latestState()},
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxPageSize > 0 && (limit <= 0 || limit > s.MaxPageSize) {
		limit = s.MaxPageSize
	}
	ids := slices.Clone(s.latest)
	slices.Sort(ids)
	total := len(ids)
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	metas := make([]any, 0, len(ids))
	for _, id := range ids {
		metas = append(metas, s.files[id].metadata())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "OK", "data": metas, "totalCount": total})
}

func (s *Server) handleVersions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var versions []any
	// newest first, like the real service
	if s.latestState() == "DRAFT" {
		versions = append(versions, s.versionJSON("DRAFT", 0, s.latest))
	}
	for i := len(s.releases) - 1; i >= 0; i-- {
		versions = append(versions, s.versionJSON("RELEASED", s.releases[i].number, s.releases[i].ids))
	}
	writeData(w, versions)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	content, meta, ok := readUpload(w, r)
	if !ok {
		return
	}
	dir, ok := s.checkLabels(w, meta)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byPath(joinPath(dir, meta.Label)) != nil {
		writeError(w, http.StatusConflict, "A file with the same name already exists in the dataset.")
		return
	}
	if s.RejectDuplicates && s.hasContent(content) {
		writeError(w, http.StatusBadRequest, "This file has duplicate content already present in the dataset.")
		return
	}
	e := s.add(dir, meta.Label, content)
	writeData(w, map[string]any{"files": []any{e.metadata()}})
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	content, meta, ok := readUpload(w, r)
	if !ok {
		return
	}
	dir, ok := s.checkLabels(w, meta)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !slices.Contains(s.latest, old.id) {
		writeError(w, http.StatusBadRequest, "File is not part of the latest version.")
		return
	}
	s.unlink(old.id)
	e := s.add(dir, meta.Label, content)
	writeData(w, map[string]any{"files": []any{e.metadata()}})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	var meta uploadMeta
	if err := json.Unmarshal([]byte(r.FormValue("jsonData")), &meta); err != nil {
		writeError(w, http.StatusBadRequest, "invalid jsonData")
		return
	}
	dir, ok := s.checkLabels(w, meta)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if other := s.byPath(joinPath(dir, meta.Label)); other != nil && other.id != e.id {
		writeError(w, http.StatusBadRequest, "Filename already exists at "+other.path())
		return
	}
	e.dir, e.label = dir, meta.Label
	w.WriteHeader(http.StatusOK)
	b, _ := json.Marshal(e.metadata())
	_, _ = fmt.Fprintf(w, "File Metadata update has been completed: %s", b)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !slices.Contains(s.latest, e.id) {
		writeError(w, http.StatusNotFound, "File not found in the latest version.")
		return
	}
	s.unlink(e.id)
	writeData(w, map[string]string{"message": "File deleted"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	e, ok := s.lookup(w, r)
	s.mu.Unlock()
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if e.originalFormat != "" && r.URL.Query().Get("format") != "original" {
		_, _ = w.Write([]byte("ingested\t"))
	}
	_, _ = w.Write(e.content)
}

func (s *Server) add(dir, label string, content []byte) *entry {
	s.nextID++
	e := &entry{id: s.nextID, dir: dir, label: label, content: content}
	s.files[e.id] = e
	s.latest = append(s.latest, e.id)
	return e
}

// unlink drops a file from the latest version. Unreleased content is gone.
func (s *Server) unlink(id int64) {
	s.latest = slices.DeleteFunc(s.latest, func(i int64) bool { return i == id })
	if !s.files[id].released {
		delete(s.files, id)
	}
}

func (s *Server) byPath(p string) *entry {
	for _, id := range s.latest {
		if s.files[id].path() == p {
			return s.files[id]
		}
	}
	return nil
}

func (s *Server) hasContent(content []byte) bool {
	for _, id := range s.latest {
		if string(s.files[id].content) == string(content) {
			return true
		}
	}
	return false
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*entry, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return nil, false
	}
	e, ok := s.files[id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("File with ID %d not found.", id))
		return nil, false
	}
	return e, true
}

func (s *Server) latestState() string {
	if len(s.releases) == 0 {
		return "DRAFT"
	}
	if slices.Equal(s.releases[len(s.releases)-1].ids, s.latest) {
		return "RELEASED"
	}
	return "DRAFT"
}

func (s *Server) versionJSON(state string, number int, ids []int64) map[string]any {
	files := make([]any, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.files[id]; ok {
			files = append(files, e.metadata())
		}
	}
	v := map[string]any{"id": number + 1000, "versionState": state, "files": files}
	if state != "DRAFT" {
		v["versionNumber"] = number
		v["versionMinorNumber"] = 0
	}
	return v
}

// checkLabels rejects characters Dataverse refuses and strips leading
// characters it silently drops from directory names.
func (s *Server) checkLabels(w http.ResponseWriter, meta uploadMeta) (string, bool) {
	if meta.Label == "" || strings.ContainsAny(meta.Label, `/\:*?"<>|;#`) {
		writeError(w, http.StatusBadRequest, "Invalid file name: "+meta.Label)
		return "", false
	}
	if !dirLabelPattern.MatchString(meta.DirectoryLabel) {
		writeError(w, http.StatusBadRequest, "Invalid directory name: "+meta.DirectoryLabel)
		return "", false
	}
	var segs []string
	for _, seg := range strings.Split(meta.DirectoryLabel, "/") {
		if seg = strings.TrimLeft(seg, " -."); seg != "" {
			segs = append(segs, seg)
		}
	}
	return strings.Join(segs, "/"), true
}

func (e *entry) path() string {
	return joinPath(e.dir, e.label)
}

func (e *entry) metadata() map[string]any {
	sum := md5.Sum(e.content)
	df := map[string]any{
		"id":          e.id,
		"filename":    e.label,
		"contentType": "application/octet-stream",
		"filesize":    len(e.content),
		"checksum":    map[string]string{"type": "MD5", "value": hex.EncodeToString(sum[:])},
	}
	if e.released {
		df["publicationDate"] = "2024-01-01"
	}
	if e.originalFormat != "" {
		df["originalFileFormat"] = e.originalFormat
		df["contentType"] = "text/tab-separated-values"
	}
	m := map[string]any{"label": e.label, "dataFile": df}
	if e.dir != "" {
		m["directoryLabel"] = e.dir
	}
	return m
}

type uploadMeta struct {
	DirectoryLabel string `json:"directoryLabel"`
	Label          string `json:"label"`
}

func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, uploadMeta, bool) {
	var meta uploadMeta
	f, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return nil, meta, false
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file part")
		return nil, meta, false
	}
	if err = json.Unmarshal([]byte(r.FormValue("jsonData")), &meta); err != nil {
		writeError(w, http.StatusBadRequest, "invalid jsonData")
		return nil, meta, false
	}
	return content, meta, true
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "OK", "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": "ERROR", "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func splitPath(p string) (string, string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

func joinPath(dir, label string) string {
	if dir == "" {
		return label
	}
	return dir + "/" + label
}
