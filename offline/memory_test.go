// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package offline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

func TestMemoryQueueOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0)
	to := jid.MustParse("juliet@example.net")

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, q.Enqueue(ctx, to, stanza.Message{Type: stanza.ChatMessage, Body: body}))
	}

	msgs, err := q.Drain(ctx, to)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Body)
	assert.Equal(t, "three", msgs[2].Body)

	// Drain empties the queue.
	msgs, err = q.Drain(ctx, to)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryQueueKeysOnBareJID(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0)
	full := jid.MustParse("juliet@example.net/chamber")

	require.NoError(t, q.Enqueue(ctx, full, stanza.Message{Body: "hi"}))

	msgs, err := q.Drain(ctx, jid.MustParse("juliet@example.net"))
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMemoryQueueLimit(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(2)
	to := jid.MustParse("juliet@example.net")

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, q.Enqueue(ctx, to, stanza.Message{Body: body}))
	}

	msgs, err := q.Drain(ctx, to)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Body)
	assert.Equal(t, "three", msgs[1].Body)
}
