// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmppd/jid"
)

// Presence is an XMPP stanza that is used as an indication that an entity is
// available for communication. It is used to set a status message, broadcast
// availability, and manage presence subscriptions.
type Presence struct {
	XMLName  xml.Name     `xml:"presence"`
	ID       string       `xml:"id,attr,omitempty"`
	To       jid.JID      `xml:"to,attr,omitempty"`
	From     jid.JID      `xml:"from,attr,omitempty"`
	Lang     string       `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type     PresenceType `xml:"type,attr,omitempty"`
	Show     string       `xml:"show,omitempty"`
	Status   string       `xml:"status,omitempty"`
	Priority int8         `xml:"priority,omitempty"`
	Err      *Error       `xml:"error,omitempty"`
}

// Sender implements the Stanza interface.
func (p Presence) Sender() jid.JID { return p.From }

// Dest implements the Stanza interface.
func (p Presence) Dest() jid.JID { return p.To }

// IsError implements the Stanza interface.
func (p Presence) IsError() bool { return p.Type == ErrorPresence }

// Error returns a copy of the presence with reversed addressing, type
// "error", and the provided error payload attached.
func (p Presence) Error(err Error) Presence {
	p.Type = ErrorPresence
	p.From, p.To = p.To, p.From
	p.Err = &err
	return p
}

// PresenceType is the type of a presence stanza.
// It should normally be one of the constants defined in this package.
type PresenceType string

const (
	// AvailablePresence is a special case that signals that the entity is
	// available for communication. It is never encoded to the wire.
	AvailablePresence PresenceType = ""

	// UnavailablePresence indicates that the sender is no longer available
	// for communication.
	UnavailablePresence PresenceType = "unavailable"

	// SubscribePresence is sent when the sender wishes to subscribe to the
	// recipient's presence.
	SubscribePresence PresenceType = "subscribe"

	// SubscribedPresence indicates that the sender has allowed the recipient
	// to receive future presence broadcasts.
	SubscribedPresence PresenceType = "subscribed"

	// UnsubscribePresence indicates that the sender is unsubscribing from the
	// receiver's presence.
	UnsubscribePresence PresenceType = "unsubscribe"

	// UnsubscribedPresence indicates that the subscription request has been
	// denied, or a previously granted subscription has been revoked.
	UnsubscribedPresence PresenceType = "unsubscribed"

	// ProbePresence is a request for an entity's current presence. It should
	// generally only be generated and sent by servers on behalf of a user.
	ProbePresence PresenceType = "probe"

	// ErrorPresence indicates that an error has occurred regarding processing
	// of a previously sent presence stanza.
	ErrorPresence PresenceType = "error"
)
