// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package offline stores messages addressed to principals with no available
// resources and replays them when the principal next broadcasts available
// presence.
package offline // import "mellium.im/xmppd/offline"

import (
	"context"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Queue is the offline message hook consumed by the router. Enqueue is
// fire-and-forget from the router's perspective; replaying the queue on
// reconnect is the queue owner's responsibility.
type Queue interface {
	// Enqueue stores a message for the given recipient. The recipient is
	// always a bare address.
	Enqueue(ctx context.Context, to jid.JID, msg stanza.Message) error

	// Drain removes and returns every queued message for the recipient in
	// the order it was enqueued.
	Drain(ctx context.Context, to jid.JID) ([]stanza.Message, error)
}
