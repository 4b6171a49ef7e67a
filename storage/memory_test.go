// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mellium.im/xmppd/jid"
)

func TestMemoryAccounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, err := store.VerifyCredentials(ctx, "romeo", "s3cret")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Create(ctx, "romeo", "s3cret"))

	ok, err := store.VerifyCredentials(ctx, "romeo", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.VerifyCredentials(ctx, "romeo", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	pw, err := store.Password(ctx, "romeo")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	exists, err := store.Exists(ctx, "romeo")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, "juliet")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryRoster(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	owner := jid.MustParse("romeo@example.net")
	contact := jid.MustParse("juliet@example.net")

	items, err := store.Load(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, items)

	item := RosterItem{
		Owner:        owner,
		Contact:      contact,
		Subscription: SubPendingOut,
		Name:         "Juliet",
		Groups:       []string{"Capulets"},
	}
	require.NoError(t, store.Upsert(ctx, item))

	// Upsert replaces rather than duplicates.
	item.Subscription = SubTo
	require.NoError(t, store.Upsert(ctx, item))

	items, err = store.Load(ctx, owner)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, SubTo, items[0].Subscription)
	assert.Equal(t, "Juliet", items[0].Name)

	// Load keys by the bare owner even when given a full JID.
	full, err := owner.WithResource("orchard")
	require.NoError(t, err)
	items, err = store.Load(ctx, full)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, store.Remove(ctx, owner, contact))
	require.NoError(t, store.Remove(ctx, owner, contact)) // idempotent

	items, err = store.Load(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, items)
}
