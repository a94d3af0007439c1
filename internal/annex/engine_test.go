package annex_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/torfstack/annex-dataverse/internal/annex"
	"github.com/torfstack/annex-dataverse/internal/config"
	"github.com/torfstack/annex-dataverse/internal/dataverse"
	"github.com/torfstack/annex-dataverse/internal/dataverse/dataversetest"
	"github.com/torfstack/annex-dataverse/internal/locator"
)

const dirHash = "f8/3a"

// fakeAnnex plays git-annex: it sends requests and answers the queries the
// engine makes while serving them.
type fakeAnnex struct {
	t      *testing.T
	in     *io.PipeWriter
	out    *bufio.Reader
	config map[string]string
	state  map[string]string
	urls   map[string][]string
	debug  []string
	done   chan error
}

func newFakeAnnex(t *testing.T, srv *dataversetest.Server, export bool) *fakeAnnex {
	t.Helper()
	exporttree := "no"
	if export {
		exporttree = "yes"
	}
	connect := func(_ context.Context, loc locator.Locator, _ string) (*dataverse.Client, error) {
		if loc.BaseURL != srv.URL {
			return nil, fmt.Errorf("unexpected installation %s", loc.BaseURL)
		}
		return srv.NewClient(), nil
	}
	return startFakeAnnex(t, connect, map[string]string{
		"url":        srv.URL,
		"doi":        srv.PID,
		"exporttree": exporttree,
	})
}

func startFakeAnnex(t *testing.T, connect annex.Connector, cfg map[string]string) *fakeAnnex {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	a := &fakeAnnex{
		t:      t,
		in:     inW,
		out:    bufio.NewReader(outR),
		config: cfg,
		state:  map[string]string{},
		urls:   map[string][]string{},
		done:   make(chan error, 1),
	}

	c := config.Default()
	c.Workers = 2
	c.RefreshInterval = 0
	engine := annex.New(inR, outW, c, connect)
	go func() {
		err := engine.Run(context.Background())
		_ = inR.CloseWithError(io.ErrClosedPipe)
		_ = outW.Close()
		a.done <- err
	}()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
		<-a.done
	})

	require.Equal(t, "VERSION 2", a.readLine())
	return a
}

func (a *fakeAnnex) readLine() string {
	a.t.Helper()
	line, err := a.out.ReadString('\n')
	require.NoError(a.t, err)
	return strings.TrimSuffix(line, "\n")
}

func (a *fakeAnnex) send(line string) {
	a.t.Helper()
	_, err := io.WriteString(a.in, line+"\n")
	require.NoError(a.t, err)
}

// next returns the next line that is not a query.
func (a *fakeAnnex) next() string {
	a.t.Helper()
	for {
		line := a.readLine()
		verb, rest, _ := strings.Cut(line, " ")
		switch verb {
		case "GETCONFIG":
			a.send("VALUE " + a.config[rest])
		case "DIRHASH-LOWER":
			a.send("VALUE " + dirHash + "/")
		case "GETSTATE":
			a.send("VALUE " + a.state[rest])
		case "SETSTATE":
			key, value, _ := strings.Cut(rest, " ")
			a.state[key] = value
		case "GETURLS":
			key, _, _ := strings.Cut(rest, " ")
			for _, u := range a.urls[key] {
				a.send("VALUE " + u)
			}
			a.send("VALUE")
		case "DEBUG":
			a.debug = append(a.debug, rest)
		default:
			return line
		}
	}
}

func (a *fakeAnnex) request(line string) string {
	a.t.Helper()
	a.send(line)
	return a.next()
}

// requestAll reads responses until one starts with last.
func (a *fakeAnnex) requestAll(line, last string) []string {
	a.t.Helper()
	a.send(line)
	var out []string
	for {
		l := a.next()
		out = append(out, l)
		if strings.HasPrefix(l, last) {
			return out
		}
	}
}

func (a *fakeAnnex) prepare() {
	a.t.Helper()
	require.Equal(a.t, "PREPARE-SUCCESS", a.request("PREPARE"))
}

// finish closes the channel and returns the result of Run.
func (a *fakeAnnex) finish() error {
	_ = a.in.Close()
	err := <-a.done
	a.done <- err
	return err
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "content")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}

const key = "MD5E-s3--5a105e8b9d40e1329780d62ea2265d8a.txt"

var keyPath = "annex/f8/3a/MD5E-2D-s3-2D--2D-5a105e8b9d40e1329780d62ea2265d8a.txt"

func TestCapabilities(t *testing.T) {
	tests := []struct {
		name string
		do   func(*testing.T)
	}{
		{
			name: "answered before PREPARE",
			do: func(t *testing.T) {
				a := newFakeAnnex(t, dataversetest.NewServer(t), false)

				require.Equal(t, "EXTENSIONS INFO", a.request("EXTENSIONS INFO ASYNC"))
				require.Equal(t, "COST 200", a.request("GETCOST"))
				require.Equal(t, "AVAILABILITY GLOBAL", a.request("GETAVAILABILITY"))
				require.Equal(t, "EXPORTSUPPORTED-SUCCESS", a.request("EXPORTSUPPORTED"))
				require.Equal(t, []string{
					"CONFIG url URL of the Dataverse installation",
					"CONFIG doi persistent identifier of the dataset",
					"CONFIG dlacredential name of the stored credential to use",
					"CONFIGEND",
				}, a.requestAll("LISTCONFIGS", "CONFIGEND"))
				require.Equal(t, []string{"INFOEND"}, a.requestAll("GETINFO", "INFOEND"))
			},
		},
		{
			name: "unknown requests are unsupported",
			do: func(t *testing.T) {
				a := newFakeAnnex(t, dataversetest.NewServer(t), false)

				require.Equal(t, "UNSUPPORTED-REQUEST", a.request("GETORDERED"))
				require.Equal(t, "UNSUPPORTED-REQUEST", a.request("TRANSFER STORE"))
				require.Equal(t, "COST 200", a.request("GETCOST"))
			},
		},
		{
			name: "info after PREPARE",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, true)
				a.prepare()

				require.Equal(t, []string{
					"INFOFIELD url", "INFOVALUE " + srv.URL,
					"INFOFIELD doi", "INFOVALUE " + srv.PID,
					"INFOFIELD mode", "INFOVALUE export",
					"INFOFIELD server version", "INFOVALUE " + srv.Version,
					"INFOEND",
				}, a.requestAll("GETINFO", "INFOEND"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.do(t)
		})
	}
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name string
		do   func(*testing.T)
	}{
		{
			name: "initremote",
			do: func(t *testing.T) {
				a := newFakeAnnex(t, dataversetest.NewServer(t), false)
				require.Equal(t, "INITREMOTE-SUCCESS", a.request("INITREMOTE"))
				a.prepare()
				require.NoError(t, a.finish())
			},
		},
		{
			name: "missing doi is fatal",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, false)
				delete(a.config, "doi")

				resp := a.request("INITREMOTE")
				require.True(t, strings.HasPrefix(resp, "INITREMOTE-FAILURE "), resp)
				require.Contains(t, resp, "doi")

				var fatal *annex.FatalError
				require.ErrorAs(t, a.finish(), &fatal)
				var cerr *locator.ConfigError
				require.ErrorAs(t, fatal, &cerr)
			},
		},
		{
			name: "credential is checked against the server version",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, false)
				require.Equal(t, "INITREMOTE-SUCCESS", a.request("INITREMOTE"))
				require.Equal(t, 1, srv.Requests("GET /api/info/version"))

				srv.FailNext("GET /api/info/version", http.StatusUnauthorized, 1)
				resp := a.request("PREPARE")
				require.True(t, strings.HasPrefix(resp, "PREPARE-FAILURE "), resp)
				require.Equal(t, 1, srv.Requests("GET /api/datasets/"))
				require.ErrorIs(t, a.finish(), dataverse.ErrAuth)
			},
		},
		{
			name: "rejected credential is fatal",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, false)
				srv.FailNext("GET /api/datasets/", http.StatusUnauthorized, 1)

				resp := a.request("PREPARE")
				require.True(t, strings.HasPrefix(resp, "PREPARE-FAILURE "), resp)
				require.ErrorIs(t, a.finish(), dataverse.ErrAuth)
			},
		},
		{
			name: "unknown dataset fails PREPARE without ending the session",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, false)
				a.config["doi"] = "doi:10.5072/OTHER"

				resp := a.request("PREPARE")
				require.True(t, strings.HasPrefix(resp, "PREPARE-FAILURE "), resp)
				require.Equal(t, "COST 200", a.request("GETCOST"))
				require.NoError(t, a.finish())
			},
		},
		{
			name: "data requests before PREPARE fail",
			do: func(t *testing.T) {
				a := newFakeAnnex(t, dataversetest.NewServer(t), false)

				require.Equal(t, "TRANSFER-FAILURE STORE "+key+" remote is not prepared",
					a.request("TRANSFER STORE "+key+" /tmp/x"))
				require.Equal(t, "CHECKPRESENT-UNKNOWN "+key+" remote is not prepared",
					a.request("CHECKPRESENT "+key))
				require.Equal(t, "REMOVE-FAILURE "+key+" remote is not prepared", a.request("REMOVE "+key))
				require.Equal(t, "WHEREIS-FAILURE", a.request("WHEREIS "+key))
				require.Equal(t, "CLAIMURL-FAILURE", a.request("CLAIMURL https://example.org/x"))
				require.Equal(t, "REMOVEEXPORTDIRECTORY-FAILURE", a.request("REMOVEEXPORTDIRECTORY dir"))
			},
		},
		{
			name: "ERROR from git-annex ends the session",
			do: func(t *testing.T) {
				a := newFakeAnnex(t, dataversetest.NewServer(t), false)
				a.send("ERROR something broke")

				var perr *annex.ParentError
				require.ErrorAs(t, a.finish(), &perr)
				require.Equal(t, "something broke", perr.Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.do(t)
		})
	}
}

func TestContentMode(t *testing.T) {
	tests := []struct {
		name string
		do   func(*testing.T)
	}{
		{
			name: "store, check, retrieve and remove",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, false)
				a.prepare()

				require.Equal(t, "CHECKPRESENT-FAILURE "+key, a.request("CHECKPRESENT "+key))
				require.Equal(t, "TRANSFER-SUCCESS STORE "+key,
					a.request("TRANSFER STORE "+key+" "+writeTemp(t, "one")))
				require.Equal(t, map[string]string{keyPath: "one"}, srv.Files())
				require.Equal(t, fmt.Sprint(srv.ID(keyPath)), a.state[key])

				require.Equal(t, "CHECKPRESENT-SUCCESS "+key, a.request("CHECKPRESENT "+key))

				dst := filepath.Join(t.TempDir(), "with space")
				require.Equal(t, "TRANSFER-SUCCESS RETRIEVE "+key, a.request("TRANSFER RETRIEVE "+key+" "+dst))
				require.Equal(t, "one", readFile(t, dst))

				require.Equal(t, "WHEREIS-SUCCESS "+srv.URL+fmt.Sprintf("/api/access/datafile/%d", srv.ID(keyPath)),
					a.request("WHEREIS "+key))

				require.Equal(t, "REMOVE-SUCCESS "+key, a.request("REMOVE "+key))
				require.Empty(t, srv.Files())
				require.Equal(t, "", a.state[key])
				require.Equal(t, "CHECKPRESENT-FAILURE "+key, a.request("CHECKPRESENT "+key))

				// removing absent content succeeds
				require.Equal(t, "REMOVE-SUCCESS "+key, a.request("REMOVE "+key))
			},
		},
		{
			name: "retrieve of unknown content fails",
			do: func(t *testing.T) {
				a := newFakeAnnex(t, dataversetest.NewServer(t), false)
				a.prepare()

				resp := a.request("TRANSFER RETRIEVE " + key + " " + filepath.Join(t.TempDir(), "x"))
				require.True(t, strings.HasPrefix(resp, "TRANSFER-FAILURE RETRIEVE "+key+" "), resp)
				require.NotEmpty(t, a.debug)
			},
		},
		{
			name: "published content stays retrievable after removal",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, false)
				a.prepare()

				require.Equal(t, "TRANSFER-SUCCESS STORE "+key,
					a.request("TRANSFER STORE "+key+" "+writeTemp(t, "one")))
				id := srv.ID(keyPath)
				require.NoError(t, a.finish())
				srv.Publish()

				b := newFakeAnnex(t, srv, false)
				b.state = a.state
				b.prepare()
				require.Equal(t, "REMOVE-SUCCESS "+key, b.request("REMOVE "+key))
				require.Empty(t, srv.Files())
				require.Equal(t, fmt.Sprint(id), b.state[key])

				require.Equal(t, "CHECKPRESENT-SUCCESS "+key, b.request("CHECKPRESENT "+key))
				dst := filepath.Join(t.TempDir(), "out")
				require.Equal(t, "TRANSFER-SUCCESS RETRIEVE "+key, b.request("TRANSFER RETRIEVE "+key+" "+dst))
				require.Equal(t, "one", readFile(t, dst))
			},
		},
		{
			name: "retrieve falls back to recorded urls",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				id := srv.AddFile("elsewhere/data.bin", []byte("payload"))
				a := newFakeAnnex(t, srv, false)
				a.prepare()

				u := fmt.Sprintf("%s/api/access/datafile/%d", srv.URL, id)
				a.urls[key] = []string{"https://example.org/unrelated", u}
				require.Equal(t, "CLAIMURL-SUCCESS", a.request("CLAIMURL "+u))
				require.Equal(t, "CLAIMURL-FAILURE", a.request("CLAIMURL https://example.org/unrelated"))
				require.Equal(t, "CHECKURL-CONTENTS 7", a.request("CHECKURL "+u))

				dst := filepath.Join(t.TempDir(), "out")
				require.Equal(t, "TRANSFER-SUCCESS RETRIEVE "+key, a.request("TRANSFER RETRIEVE "+key+" "+dst))
				require.Equal(t, "payload", readFile(t, dst))
			},
		},
		{
			name: "rejected credential during a transfer ends the session",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, false)
				a.prepare()
				srv.FailNext("GET /api/datasets/", http.StatusForbidden, 1)

				resp := a.request("TRANSFER STORE " + key + " " + writeTemp(t, "one"))
				require.True(t, strings.HasPrefix(resp, "ERROR "), resp)
				require.ErrorIs(t, a.finish(), dataverse.ErrAuth)
			},
		},
		{
			name: "server errors are retried",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, false)
				a.prepare()
				srv.FailNext("POST /api/datasets/", http.StatusServiceUnavailable, 2)

				require.Equal(t, "TRANSFER-SUCCESS STORE "+key,
					a.request("TRANSFER STORE "+key+" "+writeTemp(t, "one")))
				require.Equal(t, map[string]string{keyPath: "one"}, srv.Files())
			},
		},
		{
			name: "exhausted retries fail the transfer only",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, false)
				a.prepare()
				srv.FailNext("POST /api/datasets/", http.StatusBadGateway, 10)

				resp := a.request("TRANSFER STORE " + key + " " + writeTemp(t, "one"))
				require.True(t, strings.HasPrefix(resp, "TRANSFER-FAILURE STORE "+key+" "), resp)
				require.Equal(t, "CHECKPRESENT-FAILURE "+key, a.request("CHECKPRESENT "+key))
				require.NoError(t, a.finish())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.do(t)
		})
	}
}

func TestExportMode(t *testing.T) {
	tests := []struct {
		name string
		do   func(*testing.T)
	}{
		{
			name: "export, rename and remove",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, true)
				a.prepare()

				a.send("EXPORT Änderungen/notes 1.txt")
				require.Equal(t, "TRANSFER-SUCCESS STORE "+key,
					a.request("TRANSFEREXPORT STORE "+key+" "+writeTemp(t, "one")))
				require.Equal(t, map[string]string{"_-C4-nderungen/notes 1.txt": "one"}, srv.Files())

				a.send("EXPORT Änderungen/notes 1.txt")
				require.Equal(t, "CHECKPRESENT-SUCCESS "+key, a.request("CHECKPRESENTEXPORT "+key))

				a.send("EXPORT Änderungen/notes 1.txt")
				require.Equal(t, "RENAMEEXPORT-SUCCESS "+key, a.request("RENAMEEXPORT "+key+" .hidden/notes-1.txt"))
				require.Equal(t, map[string]string{"_.hidden/notes-2D-1.txt": "one"}, srv.Files())

				a.send("EXPORT .hidden/notes-1.txt")
				dst := filepath.Join(t.TempDir(), "out")
				require.Equal(t, "TRANSFER-SUCCESS RETRIEVE "+key,
					a.request("TRANSFEREXPORT RETRIEVE "+key+" "+dst))
				require.Equal(t, "one", readFile(t, dst))

				a.send("EXPORT .hidden/notes-1.txt")
				require.Equal(t, "REMOVE-SUCCESS "+key, a.request("REMOVEEXPORT "+key))
				require.Empty(t, srv.Files())

				a.send("EXPORT .hidden/notes-1.txt")
				require.Equal(t, "CHECKPRESENT-FAILURE "+key, a.request("CHECKPRESENTEXPORT "+key))
			},
		},
		{
			name: "path holding other content is not present",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				a := newFakeAnnex(t, srv, true)
				a.prepare()

				a.send("EXPORT a.txt")
				require.Equal(t, "TRANSFER-SUCCESS STORE "+key,
					a.request("TRANSFEREXPORT STORE "+key+" "+writeTemp(t, "one")))
				// the records name a file that no longer sits at the path
				a.state[key] = "1"

				a.send("EXPORT a.txt")
				require.Equal(t, "CHECKPRESENT-FAILURE "+key, a.request("CHECKPRESENTEXPORT "+key))
			},
		},
		{
			name: "remove directory",
			do: func(t *testing.T) {
				srv := dataversetest.NewServer(t)
				srv.AddFile("keep.txt", []byte("k"))
				srv.AddFile("dir/a.txt", []byte("a"))
				srv.AddFile("dir/sub/b.txt", []byte("b"))
				srv.AddFile("dirx/c.txt", []byte("c"))
				a := newFakeAnnex(t, srv, true)
				a.prepare()

				require.Equal(t, "REMOVEEXPORTDIRECTORY-SUCCESS", a.request("REMOVEEXPORTDIRECTORY dir"))
				require.Equal(t, map[string]string{"keep.txt": "k", "dirx/c.txt": "c"}, srv.Files())

				require.Equal(t, "REMOVEEXPORTDIRECTORY-SUCCESS", a.request("REMOVEEXPORTDIRECTORY missing"))
			},
		},
		{
			name: "export request without EXPORT fails",
			do: func(t *testing.T) {
				a := newFakeAnnex(t, dataversetest.NewServer(t), true)
				a.prepare()

				resp := a.request("CHECKPRESENTEXPORT " + key)
				require.Equal(t, "CHECKPRESENT-UNKNOWN "+key+" no EXPORT name given", resp)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.do(t)
		})
	}
}

func TestFatalErrorUnwrap(t *testing.T) {
	err := &annex.FatalError{Err: dataverse.ErrAuth}
	require.True(t, errors.Is(err, dataverse.ErrAuth))
}
