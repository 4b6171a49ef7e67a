// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package storage defines the persistence boundary consumed by the server:
// account credential lookup and durable roster storage. Stores are
// interface-driven so that the in-memory implementation can back tests and
// single node deployments while PostgreSQL backs everything else.
package storage // import "mellium.im/xmppd/storage"

import (
	"context"
	"errors"
	"time"

	"mellium.im/xmppd/jid"
)

// ErrNotFound is returned by stores when the requested record does not
// exist.
var ErrNotFound = errors.New("storage: record not found")

// Account is a principal record. Username is the localpart of the
// principal's bare address.
type Account struct {
	ID        int64
	Username  string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription is the state of a roster item's presence subscription.
type Subscription string

// Subscription states. The pending states are transient: they exist between
// a subscription request and the contact's answer.
const (
	SubNone       Subscription = "none"
	SubTo         Subscription = "to"
	SubFrom       Subscription = "from"
	SubBoth       Subscription = "both"
	SubPendingOut Subscription = "pending_out"
	SubPendingIn  Subscription = "pending_in"
)

// RosterItem is a single entry in a principal's contact list. There is at
// most one item per (owner, contact) pair; both addresses are bare.
type RosterItem struct {
	Owner        jid.JID
	Contact      jid.JID
	Subscription Subscription
	Name         string
	Groups       []string
}

// AccountStore provides credential lookup and account management.
type AccountStore interface {
	// VerifyCredentials reports whether the given secret matches the stored
	// credential for username. It returns ErrNotFound when no such account
	// exists.
	VerifyCredentials(ctx context.Context, username, secret string) (bool, error)

	// Password returns the stored credential for username so that
	// challenge/response SASL mechanisms can derive proofs from it. It
	// returns ErrNotFound when no such account exists.
	Password(ctx context.Context, username string) (string, error)

	// Exists reports whether an account with the given username exists.
	Exists(ctx context.Context, username string) (bool, error)

	// Create registers a new account.
	Create(ctx context.Context, username, secret string) error
}

// RosterStore persists roster items.
type RosterStore interface {
	// Load returns every roster item owned by the given bare address.
	Load(ctx context.Context, owner jid.JID) ([]RosterItem, error)

	// Upsert inserts or replaces the item for (item.Owner, item.Contact).
	Upsert(ctx context.Context, item RosterItem) error

	// Remove deletes the item for (owner, contact). Removing a missing item
	// is not an error.
	Remove(ctx context.Context, owner, contact jid.JID) error
}
