// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream negotiation primitives and stream
// errors as defined by RFC 6120 §4.9.
package stream // import "mellium.im/xmppd/stream"

import (
	"encoding/xml"

	"mellium.im/xmppd/internal/ns"
)

// A list of stream errors defined in RFC 6120 §4.9.3 that this server emits
// or recognizes.
var (
	// BadFormat is used when the entity has sent XML that cannot be
	// processed. This error can be used instead of the more specific
	// XML-related errors, such as <invalid-xml/> and <not-well-formed/>.
	BadFormat = Error{Err: "bad-format"}

	// Conflict is sent when the server is closing the existing stream for
	// this entity because a new stream has been initiated that conflicts with
	// the existing stream.
	Conflict = Error{Err: "conflict"}

	// ConnectionTimeout results when one party is closing the stream because
	// it has reason to believe that the other party has permanently lost the
	// ability to communicate over the stream.
	ConnectionTimeout = Error{Err: "connection-timeout"}

	// HostUnknown is sent when the value of the 'to' attribute provided in
	// the initial stream header does not correspond to a domain serviced by
	// the receiving entity.
	HostUnknown = Error{Err: "host-unknown"}

	// InternalServerError is sent when the server has experienced a
	// misconfiguration or other internal error that prevents it from
	// servicing the stream.
	InternalServerError = Error{Err: "internal-server-error"}

	// InvalidNamespace may be sent when the stream namespace name is
	// something other than "http://etherx.jabber.org/streams" or the content
	// namespace declared as the default namespace is not supported.
	InvalidNamespace = Error{Err: "invalid-namespace"}

	// InvalidXML may be sent when the entity has sent invalid XML over the
	// stream.
	InvalidXML = Error{Err: "invalid-xml"}

	// NotAuthorized is sent when the entity has attempted to send XML stanzas
	// or other outbound data before the stream has been authenticated, or
	// otherwise is not authorized to perform an action related to stream
	// negotiation.
	NotAuthorized = Error{Err: "not-authorized"}

	// NotWellFormed may be sent when the initiating entity has sent XML that
	// violates the well-formedness rules of XML or XML namespaces.
	NotWellFormed = Error{Err: "not-well-formed"}

	// PolicyViolation may be sent when an entity has violated some local
	// service policy (e.g., exceeding the permitted number of failed
	// authentication attempts).
	PolicyViolation = Error{Err: "policy-violation"}

	// SystemShutdown may be sent when the server is being shut down and all
	// active streams are being closed.
	SystemShutdown = Error{Err: "system-shutdown"}

	// UndefinedCondition may be sent when the error condition is not one of
	// those defined by the other conditions in this list.
	UndefinedCondition = Error{Err: "undefined-condition"}

	// UnsupportedStanzaType may be sent when the initiating entity has sent a
	// first-level child of the stream that is not supported by the server.
	UnsupportedStanzaType = Error{Err: "unsupported-stanza-type"}

	// UnsupportedVersion may be sent when the 'version' attribute provided by
	// the initiating entity in the stream header specifies a version of XMPP
	// that is not supported by the server.
	UnsupportedVersion = Error{Err: "unsupported-version"}
)

// An Error represents an unrecoverable stream-level error. Writing one to a
// stream is always followed by closing the stream.
type Error struct {
	Err string
	// Text is an optional human readable description of the error.
	Text string
}

// Error satisfies the builtin error interface and returns the name of the
// stream error, eg. "not-authorized".
func (e Error) Error() string {
	return e.Err
}

// Is lets errors.Is match any stream error against the package level values
// regardless of the Text field.
func (e Error) Is(target error) bool {
	te, ok := target.(Error)
	return ok && te.Err == e.Err
}

// WithText returns a copy of the error with a human readable description
// attached.
func (e Error) WithText(text string) Error {
	e.Text = text
	return e
}

// MarshalXML satisfies the xml.Marshaler interface. The element is emitted
// with an explicit stream prefix so that it is valid inside a stream that
// declared the prefixed namespace on its header.
func (e Error) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "stream:error"}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{
		Name: xml.Name{Local: e.Err},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: ns.StreamErr}},
	}
	if err := enc.EncodeToken(cond); err != nil {
		return err
	}
	if err := enc.EncodeToken(cond.End()); err != nil {
		return err
	}
	if e.Text != "" {
		text := xml.StartElement{
			Name: xml.Name{Local: "text"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: ns.StreamErr}},
		}
		if err := enc.EncodeToken(text); err != nil {
			return err
		}
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
		if err := enc.EncodeToken(text.End()); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return err
	}
	return enc.Flush()
}

// UnmarshalXML satisfies the xml.Unmarshaler interface.
func (e *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	se := struct {
		XMLName xml.Name
		Err     struct {
			XMLName xml.Name
		} `xml:",any"`
		Text string `xml:"urn:ietf:params:xml:ns:xmpp-streams text"`
	}{}
	if err := d.DecodeElement(&se, &start); err != nil {
		return err
	}
	e.Err = se.Err.XMLName.Local
	e.Text = se.Text
	return nil
}
