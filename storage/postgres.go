// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"mellium.im/xmppd/jid"
)

// Schema is the backing schema expected by Postgres. It is applied by
// EnsureSchema and kept here so that deployments without a migration tool
// can bootstrap a database.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         BIGSERIAL PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	password   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS roster_items (
	owner        TEXT NOT NULL,
	contact      TEXT NOT NULL,
	subscription TEXT NOT NULL DEFAULT 'none',
	name         TEXT NOT NULL DEFAULT '',
	groups       TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner, contact)
);
`

// Postgres implements AccountStore and RosterStore on top of a PostgreSQL
// database accessed through the pgx driver.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to the database at the given DSN and verifies the
// connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the backing tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// VerifyCredentials implements AccountStore.
func (p *Postgres) VerifyCredentials(ctx context.Context, username, secret string) (bool, error) {
	stored, err := p.Password(ctx, username)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) == 1, nil
}

// Password implements AccountStore.
func (p *Postgres) Password(ctx context.Context, username string) (string, error) {
	var password string
	err := p.db.QueryRowContext(ctx,
		`SELECT password FROM accounts WHERE username = $1`, username,
	).Scan(&password)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup account %q: %w", username, err)
	}
	return password, nil
}

// Exists implements AccountStore.
func (p *Postgres) Exists(ctx context.Context, username string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM accounts WHERE username = $1`, username,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup account %q: %w", username, err)
	}
	return true, nil
}

// Create implements AccountStore.
func (p *Postgres) Create(ctx context.Context, username, secret string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO accounts (username, password) VALUES ($1, $2)`,
		username, secret,
	)
	if err != nil {
		return fmt.Errorf("create account %q: %w", username, err)
	}
	return nil
}

// Load implements RosterStore.
func (p *Postgres) Load(ctx context.Context, owner jid.JID) ([]RosterItem, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT contact, subscription, name, groups FROM roster_items WHERE owner = $1`,
		owner.Bare().String(),
	)
	if err != nil {
		return nil, fmt.Errorf("load roster for %s: %w", owner.Bare(), err)
	}
	defer rows.Close()

	var items []RosterItem
	for rows.Next() {
		var (
			contact, sub, name, groups string
		)
		if err := rows.Scan(&contact, &sub, &name, &groups); err != nil {
			return nil, fmt.Errorf("scan roster item: %w", err)
		}
		cj, err := jid.Parse(contact)
		if err != nil {
			return nil, fmt.Errorf("roster item for %s has malformed contact %q: %w", owner.Bare(), contact, err)
		}
		items = append(items, RosterItem{
			Owner:        owner.Bare(),
			Contact:      cj,
			Subscription: Subscription(sub),
			Name:         name,
			Groups:       splitGroups(groups),
		})
	}
	return items, rows.Err()
}

// Upsert implements RosterStore.
func (p *Postgres) Upsert(ctx context.Context, item RosterItem) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO roster_items (owner, contact, subscription, name, groups, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (owner, contact) DO UPDATE SET
			subscription = EXCLUDED.subscription,
			name = EXCLUDED.name,
			groups = EXCLUDED.groups,
			updated_at = now()`,
		item.Owner.Bare().String(),
		item.Contact.Bare().String(),
		string(item.Subscription),
		item.Name,
		joinGroups(item.Groups),
	)
	if err != nil {
		return fmt.Errorf("upsert roster item: %w", err)
	}
	return nil
}

// Remove implements RosterStore.
func (p *Postgres) Remove(ctx context.Context, owner, contact jid.JID) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM roster_items WHERE owner = $1 AND contact = $2`,
		owner.Bare().String(), contact.Bare().String(),
	)
	if err != nil {
		return fmt.Errorf("remove roster item: %w", err)
	}
	return nil
}

// Groups are flattened into a single column. Group names containing the
// separator are not supported by this store.
const groupSep = "\x1f"

func joinGroups(groups []string) string {
	return strings.Join(groups, groupSep)
}

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, groupSep)
}

var (
	_ AccountStore = (*Postgres)(nil)
	_ RosterStore  = (*Postgres)(nil)
)
