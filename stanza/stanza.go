// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains types for the three top level XMPP protocol
// elements (message, presence, and info/query) and for the error payloads
// they may carry.
//
// Stanzas are constructed once per received wire unit and treated as
// read-only after construction; routing code copies a stanza before
// rewriting its addressing.
package stanza // import "mellium.im/xmppd/stanza"

import (
	"encoding/xml"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// Stanza is the interface implemented by Message, Presence, and IQ. It
// exposes the addressing common to the three types so that the router can
// dispatch without knowing the concrete variant.
type Stanza interface {
	// Sender returns the value of the "from" attribute (possibly the zero
	// JID).
	Sender() jid.JID
	// Dest returns the value of the "to" attribute (possibly the zero JID).
	Dest() jid.JID
	// IsError reports whether the stanza carries type="error".
	IsError() bool
}

// Is tests whether name identifies a stanza based on its local name and
// namespace.
func Is(name xml.Name) bool {
	return (name.Local == "iq" || name.Local == "message" || name.Local == "presence") &&
		(name.Space == ns.Client || name.Space == ns.Server || name.Space == "")
}
