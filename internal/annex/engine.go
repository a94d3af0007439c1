// Package annex implements the git-annex external special remote protocol
// (version 2) on top of a Dataverse dataset.
package annex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/torfstack/annex-dataverse/internal/auth"
	"github.com/torfstack/annex-dataverse/internal/config"
	"github.com/torfstack/annex-dataverse/internal/dataverse"
	"github.com/torfstack/annex-dataverse/internal/locator"
	"github.com/torfstack/annex-dataverse/internal/logging"
	"github.com/torfstack/annex-dataverse/internal/remote"
)

const protocolVersion = "2"

type state int

const (
	uninitialized state = iota
	prepared
	ready
	failed
)

func (s state) String() string {
	switch s {
	case uninitialized:
		return "UNINITIALIZED"
	case prepared:
		return "PREPARED"
	case ready:
		return "READY"
	}
	return "ERROR"
}

var errNotPrepared = errors.New("remote is not prepared")

// FatalError ends a session. git-annex has been told about it already.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "session aborted: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Connector returns an API client for the installation of loc. credential
// names a stored credential and may be empty.
type Connector func(ctx context.Context, loc locator.Locator, credential string) (*dataverse.Client, error)

type handler func(ctx context.Context, args string) error

// Engine serves one protocol session. Requests are handled one at a time in
// the order they arrive.
type Engine struct {
	conn    *Conn
	cfg     config.Config
	connect Connector

	state    state
	loc      locator.Locator
	client   *dataverse.Client
	server   string
	transfer *remote.Transfer
	// export is the name given by the last EXPORT request
	export    string
	hasExport bool

	handlers map[string]handler
}

func New(r io.Reader, w io.Writer, cfg config.Config, connect Connector) *Engine {
	e := &Engine{
		conn:    NewConn(r, w),
		cfg:     cfg,
		connect: connect,
	}
	e.handlers = map[string]handler{
		"EXTENSIONS":      e.extensions,
		"LISTCONFIGS":     e.listConfigs,
		"GETCOST":         e.getCost,
		"GETAVAILABILITY": e.getAvailability,
		"GETINFO":         e.getInfo,
		"EXPORTSUPPORTED": e.exportSupported,
		"EXPORT":          e.setExport,

		"INITREMOTE": e.initRemote,
		"PREPARE":    e.prepare,

		"TRANSFER":     e.transferKey,
		"CHECKPRESENT": e.checkPresent,
		"REMOVE":       e.remove,
		"WHEREIS":      e.whereIs,
		"CLAIMURL":     e.claimURL,
		"CHECKURL":     e.checkURL,

		"TRANSFEREXPORT":        e.transferExport,
		"CHECKPRESENTEXPORT":    e.checkPresentExport,
		"REMOVEEXPORT":          e.removeExport,
		"REMOVEEXPORTDIRECTORY": e.removeExportDirectory,
		"RENAMEEXPORT":          e.renameExport,
	}
	return e
}

// Run serves requests until git-annex closes the channel or the session
// fails.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.conn.Send("VERSION", protocolVersion); err != nil {
		return err
	}
	for {
		line, err := e.conn.Receive()
		if errors.Is(err, io.EOF) {
			logging.Debug("git-annex closed the session")
			return nil
		}
		if err != nil {
			return err
		}
		if err = e.serve(ctx, line); err != nil {
			return err
		}
	}
}

func (e *Engine) serve(ctx context.Context, line string) error {
	verb, args := splitVerb(line)
	if verb == "ERROR" {
		return &ParentError{Message: args}
	}
	h, ok := e.handlers[verb]
	if !ok {
		logging.Debugf("Unsupported request '%s'", line)
		return e.conn.Send("UNSUPPORTED-REQUEST")
	}
	logging.Debugf("%s in state %s", line, e.state)
	if err := h(ctx, args); err != nil {
		return err
	}
	if e.state == prepared && verb != "PREPARE" {
		e.state = ready
	}
	return nil
}

func (e *Engine) checkPrepared() error {
	if e.state != prepared && e.state != ready {
		return errNotPrepared
	}
	return nil
}

// fatal reports whether err makes every further request pointless.
func fatal(err error) bool {
	var cerr *locator.ConfigError
	return errors.As(err, &cerr) || errors.Is(err, dataverse.ErrAuth) || errors.Is(err, auth.ErrNoCredential)
}

// fail answers a failed request with the given words followed by the reason.
// A rejected credential ends the session with ERROR instead.
func (e *Engine) fail(err error, words ...string) error {
	return e.answerFailure(err, true, words)
}

// failBare is fail for responses that carry no reason.
func (e *Engine) failBare(err error, words ...string) error {
	return e.answerFailure(err, false, words)
}

func (e *Engine) answerFailure(err error, reason bool, words []string) error {
	if ending(err) {
		return err
	}
	if fatal(err) {
		return e.abort(err)
	}
	logging.Debugf("%s: %s", words[0], err)
	if !errors.Is(err, errNotPrepared) {
		if sendErr := e.conn.Send("DEBUG", oneLine(err)); sendErr != nil {
			return sendErr
		}
	}
	if reason {
		words = append(words, oneLine(err))
	}
	return e.conn.Send(words...)
}

// abort tells git-annex that the session cannot go on.
func (e *Engine) abort(err error) error {
	e.state = failed
	logging.Error("Aborting session", err)
	if sendErr := e.conn.Send("ERROR", oneLine(err)); sendErr != nil {
		return sendErr
	}
	return &FatalError{Err: err}
}

// readConfig collects the remote's settings from git-annex.
func (e *Engine) readConfig() (locator.Locator, string, error) {
	values := make(map[string]string, len(configs))
	for _, c := range configs {
		v, err := e.conn.Query("GETCONFIG", c.name)
		if err != nil {
			return locator.Locator{}, "", err
		}
		values[c.name] = v
	}
	export, err := locator.ParseBool(values["exporttree"])
	if err != nil {
		return locator.Locator{}, "", err
	}
	loc, err := locator.New(values["url"], values["doi"], export)
	if err != nil {
		return locator.Locator{}, "", err
	}
	return loc, values["dlacredential"], nil
}

// setup connects to the dataset the remote is configured for.
func (e *Engine) setup(ctx context.Context) error {
	loc, credential, err := e.readConfig()
	if err != nil {
		return err
	}
	client, err := e.connect(ctx, loc, credential)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", loc.BaseURL, err)
	}
	server, err := client.ServerVersion(ctx)
	if err != nil {
		return fmt.Errorf("could not reach %s: %w", loc.BaseURL, err)
	}
	ds, err := client.Dataset(ctx, loc.DOI)
	if err != nil {
		return fmt.Errorf("could not access dataset %s: %w", loc.DOI, err)
	}
	logging.Infof("Using dataset %s (%d) at %s (Dataverse %s)", ds.PersistentID, ds.ID, loc.BaseURL, server)

	mode := remote.ContentMode
	if loc.Export {
		mode = remote.ExportMode
	}
	index := remote.NewIndex(client, loc.DOI, e.cfg.PageSize)
	index.MinRefreshInterval = e.cfg.RefreshInterval
	e.loc = loc
	e.client = client
	e.server = server
	e.transfer = remote.NewTransfer(client, loc.DOI, mode, index, stateRecords{conn: e.conn})
	return nil
}

func (e *Engine) initRemote(ctx context.Context, _ string) error {
	if err := e.setup(ctx); err != nil {
		return e.setupFailed(err, "INITREMOTE-FAILURE")
	}
	return e.conn.Send("INITREMOTE-SUCCESS")
}

func (e *Engine) prepare(ctx context.Context, _ string) error {
	if err := e.setup(ctx); err != nil {
		return e.setupFailed(err, "PREPARE-FAILURE")
	}
	e.state = prepared
	return e.conn.Send("PREPARE-SUCCESS")
}

func (e *Engine) setupFailed(err error, verb string) error {
	if ending(err) {
		return err
	}
	logging.Error("Could not set up remote", err)
	if sendErr := e.conn.Send(verb, oneLine(err)); sendErr != nil {
		return sendErr
	}
	if fatal(err) {
		e.state = failed
		return &FatalError{Err: err}
	}
	return nil
}

func (e *Engine) extensions(context.Context, string) error {
	return e.conn.Send("EXTENSIONS", "INFO")
}

var configs = []struct {
	name string
	desc string
}{
	{"url", "URL of the Dataverse installation"},
	{"doi", "persistent identifier of the dataset"},
	{"exporttree", "mirror the working tree instead of storing keys (yes/no)"},
	{"dlacredential", "name of the stored credential to use"},
}

func (e *Engine) listConfigs(context.Context, string) error {
	for _, c := range configs {
		// exporttree is a setting of git-annex itself
		if c.name == "exporttree" {
			continue
		}
		if err := e.conn.Send("CONFIG", c.name, c.desc); err != nil {
			return err
		}
	}
	return e.conn.Send("CONFIGEND")
}

func (e *Engine) getCost(context.Context, string) error {
	return e.conn.Send("COST", strconv.Itoa(e.cfg.Cost))
}

func (e *Engine) getAvailability(context.Context, string) error {
	return e.conn.Send("AVAILABILITY", "GLOBAL")
}

func (e *Engine) getInfo(context.Context, string) error {
	if e.loc.BaseURL != "" {
		fields := [][2]string{
			{"url", e.loc.BaseURL},
			{"doi", e.loc.DOI},
			{"mode", e.transfer.Mode().String()},
			{"server version", e.server},
		}
		for _, f := range fields {
			if err := e.conn.Send("INFOFIELD", f[0]); err != nil {
				return err
			}
			if err := e.conn.Send("INFOVALUE", f[1]); err != nil {
				return err
			}
		}
	}
	return e.conn.Send("INFOEND")
}
