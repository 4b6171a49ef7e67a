// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package c2s

import (
	"context"
	"log/slog"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/roster"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

// IQHandler answers info/query stanzas addressed to the server itself:
// roster management, pings, and the legacy session request. Unknown
// payloads get a service-unavailable error so clients are never left
// waiting on a reply.
type IQHandler struct {
	roster *roster.Engine
	logger *slog.Logger
}

// NewIQHandler builds the server's IQ dispatch table.
func NewIQHandler(engine *roster.Engine, logger *slog.Logger) *IQHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IQHandler{roster: engine, logger: logger.With("component", "iq")}
}

// HandleIQ implements router.IQHandler.
func (h *IQHandler) HandleIQ(ctx context.Context, iq stanza.IQ, sender router.Session) error {
	// Results and errors addressed to the server close out requests we do
	// not track; drop them.
	if iq.Type == stanza.ResultIQ || iq.Type == stanza.ErrorIQ {
		return nil
	}

	if _, ok := iq.Child(ns.Roster, "query"); ok {
		return h.roster.HandleRosterIQ(ctx, iq, sender)
	}
	if _, ok := iq.Child(ns.Ping, "ping"); ok {
		return sender.Send(iq.Result())
	}
	if _, ok := iq.Child(ns.Session, "session"); ok {
		// Session establishment is a no-op kept for RFC 3921 era clients.
		return sender.Send(iq.Result())
	}

	h.logger.DebugContext(ctx, "unhandled query", "from", sender.JID(), "id", iq.ID)
	return sender.Send(iq.Error(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}))
}
