package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("no such credential")

type Credential struct {
	Name      string
	Realm     string
	Token     string
	UpdatedAt time.Time
}

type Queries struct {
	db *sql.DB
}

const upsertCredential = `
INSERT INTO credentials (name, realm, token, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET realm      = excluded.realm,
                                 token      = excluded.token,
                                 updated_at = excluded.updated_at`

func (q *Queries) UpsertCredential(ctx context.Context, c Credential) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, upsertCredential, c.Name, c.Realm, c.Token, c.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("could not store credential '%s': %w", c.Name, err)
	}
	return nil
}

const getCredential = `
SELECT name, realm, token, updated_at
FROM credentials
WHERE name = ?`

func (q *Queries) GetCredential(ctx context.Context, name string) (Credential, error) {
	return scanOne(q.db.QueryRowContext(ctx, getCredential, name))
}

const latestCredentialForRealm = `
SELECT name, realm, token, updated_at
FROM credentials
WHERE realm = ?
ORDER BY updated_at DESC
LIMIT 1`

func (q *Queries) LatestCredentialForRealm(ctx context.Context, realm string) (Credential, error) {
	return scanOne(q.db.QueryRowContext(ctx, latestCredentialForRealm, realm))
}

const listCredentials = `
SELECT name, realm, token, updated_at
FROM credentials
ORDER BY name`

func (q *Queries) ListCredentials(ctx context.Context) ([]Credential, error) {
	rows, err := q.db.QueryContext(ctx, listCredentials)
	if err != nil {
		return nil, fmt.Errorf("could not list credentials: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Credential
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const deleteCredential = `DELETE FROM credentials WHERE name = ?`

func (q *Queries) DeleteCredential(ctx context.Context, name string) error {
	res, err := q.db.ExecContext(ctx, deleteCredential, name)
	if err != nil {
		return fmt.Errorf("could not delete credential '%s': %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Credential, error) {
	var (
		c       Credential
		updated int64
	)
	if err := s.Scan(&c.Name, &c.Realm, &c.Token, &updated); err != nil {
		return Credential{}, err
	}
	c.UpdatedAt = time.Unix(0, updated)
	return c, nil
}

func scanOne(row *sql.Row) (Credential, error) {
	c, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Credential{}, ErrNotFound
	case err != nil:
		return Credential{}, fmt.Errorf("could not read credential: %w", err)
	}
	return c, nil
}
