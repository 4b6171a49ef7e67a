// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmppd/jid"
)

// IQ ("Information Query") is used as a general request/response mechanism.
// IQs are one-to-one, provide get and set semantics, and always require a
// response in the form of a result or an error.
type IQ struct {
	XMLName xml.Name  `xml:"iq"`
	ID      string    `xml:"id,attr"`
	To      jid.JID   `xml:"to,attr,omitempty"`
	From    jid.JID   `xml:"from,attr,omitempty"`
	Lang    string    `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type    IQType    `xml:"type,attr"`
	Payload []Payload `xml:",any"`
	Err     *Error    `xml:"-"`
}

// Sender implements the Stanza interface.
func (iq IQ) Sender() jid.JID { return iq.From }

// Dest implements the Stanza interface.
func (iq IQ) Dest() jid.JID { return iq.To }

// IsError implements the Stanza interface.
func (iq IQ) IsError() bool { return iq.Type == ErrorIQ }

// Child returns the first payload element qualified by the given namespace
// and the second return value reports whether one was found at all.
func (iq IQ) Child(space, local string) (Payload, bool) {
	for _, p := range iq.Payload {
		if p.XMLName.Space == space && (local == "" || p.XMLName.Local == local) {
			return p, true
		}
	}
	return Payload{}, false
}

// Result returns a copy of the IQ that acknowledges the request: the
// addressing is reversed, the type becomes "result", and the payload is
// replaced with the provided elements (which may be empty).
func (iq IQ) Result(payload ...Payload) IQ {
	iq.Type = ResultIQ
	iq.From, iq.To = iq.To, iq.From
	iq.Payload = payload
	iq.Err = nil
	return iq
}

// Error returns a copy of the IQ that reports failure of the request. The
// original payload is preserved per RFC 6120 §8.3.1 and the error payload is
// appended after it when marshaling.
func (iq IQ) Error(err Error) IQ {
	iq.Type = ErrorIQ
	iq.From, iq.To = iq.To, iq.From
	iq.Err = &err
	return iq
}

// MarshalXML implements xml.Marshaler so that the error payload, which is
// excluded from the generic payload list, is emitted after any other
// children.
func (iq IQ) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "iq"}}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: iq.ID})
	if !iq.To.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: iq.To.String()})
	}
	if !iq.From.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: iq.From.String()})
	}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(iq.Type)})
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, p := range iq.Payload {
		if err := e.Encode(p); err != nil {
			return err
		}
	}
	if iq.Err != nil {
		if err := e.Encode(*iq.Err); err != nil {
			return err
		}
	}
	if err := e.EncodeToken(start.End()); err != nil {
		return err
	}
	return e.Flush()
}

// IQType is the type of an IQ stanza.
// It should normally be one of the constants defined in this package.
type IQType string

const (
	// GetIQ is used to query another entity for information.
	GetIQ IQType = "get"

	// SetIQ is used to provide data to another entity, set new values, and
	// replace existing values.
	SetIQ IQType = "set"

	// ResultIQ is sent in response to a successful get or set IQ.
	ResultIQ IQType = "result"

	// ErrorIQ is sent to report that an error occurred during the delivery or
	// processing of a get or set IQ.
	ErrorIQ IQType = "error"
)
