// Package auth finds the API token for a Dataverse installation and builds
// http.Clients that present it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/torfstack/annex-dataverse/internal/db"
	"github.com/torfstack/annex-dataverse/internal/logging"
	"golang.org/x/oauth2"
)

const (
	// EnvToken is consulted when no stored credential matches.
	EnvToken = "DATAVERSE_API_TOKEN"

	apiKeyType = "X-Dataverse-key"
)

var ErrNoCredential = errors.New("no credential found")

// Store is the credential table, usually *db.Queries.
type Store interface {
	GetCredential(ctx context.Context, name string) (db.Credential, error)
	LatestCredentialForRealm(ctx context.Context, realm string) (db.Credential, error)
	UpsertCredential(ctx context.Context, c db.Credential) error
}

// Lookup returns the token stored as name, or else the most recently stored
// token for realm, or else the token in the environment.
func Lookup(ctx context.Context, store Store, name, realm string) (*oauth2.Token, error) {
	if store != nil {
		var (
			c   db.Credential
			err error
		)
		if name != "" {
			c, err = store.GetCredential(ctx, name)
		} else {
			c, err = store.LatestCredentialForRealm(ctx, realm)
		}
		switch {
		case err == nil:
			logging.Debugf("Using credential '%s'", c.Name)
			return parseToken(c.Token)
		case !errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("could not look up credential: %w", err)
		case name != "":
			return nil, fmt.Errorf("credential '%s': %w", name, ErrNoCredential)
		}
	}
	if raw := os.Getenv(EnvToken); raw != "" {
		logging.Debugf("Using token from %s", EnvToken)
		return NewToken(raw)
	}
	return nil, fmt.Errorf("no credential for '%s': %w", realm, ErrNoCredential)
}

// Save stores a raw token under name.
func Save(ctx context.Context, store Store, name, realm, raw string) error {
	tok, err := NewToken(raw)
	if err != nil {
		return err
	}
	s, err := serializeToken(tok)
	if err != nil {
		return err
	}
	return store.UpsertCredential(ctx, db.Credential{Name: name, Realm: realm, Token: s})
}

// HTTPClient authenticates every request with tok.
func HTTPClient(ctx context.Context, tok *oauth2.Token, timeout time.Duration) *http.Client {
	if strings.EqualFold(tok.TokenType, "Bearer") {
		c := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
		c.Timeout = timeout
		return c
	}
	return &http.Client{
		Transport: &apiKeyTransport{key: tok.AccessToken, next: http.DefaultTransport},
		Timeout:   timeout,
	}
}

type apiKeyTransport struct {
	key  string
	next http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("X-Dataverse-key", t.key)
	return t.next.RoundTrip(req)
}
