package auth

import (
	"context"

	"github.com/torfstack/annex-dataverse/internal/config"
	"github.com/torfstack/annex-dataverse/internal/dataverse"
	"github.com/torfstack/annex-dataverse/internal/db"
	"github.com/torfstack/annex-dataverse/internal/locator"
	"github.com/torfstack/annex-dataverse/internal/logging"
)

// NewClient returns an API client for the installation of loc, authenticated
// with the credential found by Lookup in the database at cfg.DBPath.
func NewClient(ctx context.Context, cfg config.Config, loc locator.Locator, credential string) (*dataverse.Client, error) {
	var store Store
	d, err := db.New(ctx, cfg.DBPath)
	if err != nil {
		logging.Warnf("Credential database unavailable: %s", err)
	} else {
		defer func() {
			_ = d.Close()
		}()
		store = d.Queries()
	}

	tok, err := Lookup(ctx, store, credential, loc.Realm())
	if err != nil {
		return nil, err
	}
	return dataverse.NewClient(loc.BaseURL, HTTPClient(ctx, tok, cfg.RequestTimeout), RetryPolicy(cfg)), nil
}

// RetryPolicy converts the configured retry bounds.
func RetryPolicy(cfg config.Config) dataverse.RetryPolicy {
	return dataverse.RetryPolicy{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}
}
