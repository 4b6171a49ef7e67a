// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
	"fmt"
	"io"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// DefaultVersion is the version of XMPP supported by this package.
const DefaultVersion = "1.0"

// Header contains metadata extracted from a stream start token: either a
// <stream:stream> open tag or, for connections using the websocket
// subprotocol defined in RFC 7395, a complete <open/> element.
type Header struct {
	Name      xml.Name
	XMLNS     string
	To        jid.JID
	From      jid.JID
	ID        string
	Version   string
	Lang      string
	WebSocket bool
}

// FromStartElement sets the data in the Header from the provided start
// element.
func (h *Header) FromStartElement(s xml.StartElement) error {
	h.Name = s.Name
	h.WebSocket = s.Name.Local == "open"
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			if err := (&h.To).UnmarshalXMLAttr(attr); err != nil {
				return BadFormat.WithText("malformed to address")
			}
		case xml.Name{Space: "", Local: "from"}:
			if err := (&h.From).UnmarshalXMLAttr(attr); err != nil {
				return BadFormat.WithText("malformed from address")
			}
		case xml.Name{Space: "", Local: "id"}:
			h.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			h.Version = attr.Value
		case xml.Name{Space: "", Local: "xmlns"}:
			if (h.WebSocket && attr.Value != ns.Framing) ||
				(!h.WebSocket && attr.Value != ns.Client && attr.Value != ns.Server) {
				return InvalidNamespace
			}
			h.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if !h.WebSocket && attr.Value != ns.Stream {
				return InvalidNamespace
			}
		case xml.Name{Space: "xml", Local: "lang"}:
			h.Lang = attr.Value
		}
	}
	return nil
}

// Expect reads tokens from d until a stream open is encountered and returns
// its parsed header. Processing instructions and insignificant whitespace
// before the header are skipped.
func Expect(d *xml.Decoder) (Header, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return Header{}, err
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			if t.Target != "xml" {
				return Header{}, RestrictedXML()
			}
		case xml.CharData:
			// Ignore whitespace between the XML declaration and the header.
		case xml.StartElement:
			switch {
			case t.Name.Local == "stream" && t.Name.Space == ns.Stream:
			case t.Name.Local == "open" && t.Name.Space == ns.Framing:
			default:
				return Header{}, InvalidNamespace
			}
			var h Header
			if err := h.FromStartElement(t); err != nil {
				return Header{}, err
			}
			return h, nil
		default:
			return Header{}, NotWellFormed
		}
	}
}

// RestrictedXML returns the stream error sent when a client uses XML
// features that are prohibited over XMPP streams.
func RestrictedXML() Error {
	return Error{Err: "restricted-xml"}
}

// WriteResponse writes the server side response to the received header: the
// unterminated <stream:stream> open tag, or a complete <open/> element for
// websocket framed streams. The from, id, and version attributes are those
// set on h.
func (h Header) WriteResponse(w io.Writer) error {
	lang := ""
	if h.Lang != "" {
		lang = fmt.Sprintf(" xml:lang='%s'", h.Lang)
	}
	to := ""
	if !h.To.IsZero() {
		to = fmt.Sprintf(" to='%s'", h.To)
	}
	if h.WebSocket {
		_, err := fmt.Fprintf(w,
			"<open xmlns='%s' from='%s'%s id='%s' version='%s'%s/>",
			ns.Framing, h.From, to, h.ID, h.Version, lang,
		)
		return err
	}
	_, err := fmt.Fprintf(w,
		"<?xml version='1.0'?><stream:stream xmlns='%s' xmlns:stream='%s' from='%s'%s id='%s' version='%s'%s>",
		ns.Client, ns.Stream, h.From, to, h.ID, h.Version, lang,
	)
	return err
}

// WriteClose terminates the stream, emitting either the stream end tag or
// the websocket <close/> element.
func (h Header) WriteClose(w io.Writer) error {
	var err error
	if h.WebSocket {
		_, err = fmt.Fprintf(w, "<close xmlns='%s'/>", ns.Framing)
	} else {
		_, err = io.WriteString(w, "</stream:stream>")
	}
	return err
}
