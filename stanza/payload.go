// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmlstream"
)

// Payload is a generic XML element tree: a name, its attributes, any
// character data, and any child elements. It represents stanza children
// whose schema is not known to the server, preserving them byte-for-byte
// (modulo insignificant whitespace) as they are routed.
type Payload struct {
	XMLName  xml.Name
	Attr     []xml.Attr
	Text     string
	Children []Payload
}

// NewPayload constructs a childless payload element in the given namespace.
func NewPayload(space, local string) Payload {
	return Payload{XMLName: xml.Name{Space: space, Local: local}}
}

// Attrib returns the value of the named unqualified attribute, or the empty
// string if it is not present.
func (p Payload) Attrib(local string) string {
	for _, a := range p.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// Child returns the first child element with the given local name and
// whether one was found.
func (p Payload) Child(local string) (Payload, bool) {
	for _, c := range p.Children {
		if c.XMLName.Local == local {
			return c, true
		}
	}
	return Payload{}, false
}

// UnmarshalXML implements xml.Unmarshaler by consuming tokens until the
// matching end element, building the tree as it goes.
func (p *Payload) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	p.XMLName = start.Name
	// The decoder reuses the attribute slice; copy it.
	if len(start.Attr) > 0 {
		p.Attr = make([]xml.Attr, len(start.Attr))
		copy(p.Attr, start.Attr)
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var child Payload
			if err := child.UnmarshalXML(d, t); err != nil {
				return err
			}
			p.Children = append(p.Children, child)
		case xml.CharData:
			p.Text += string(t)
		case xml.EndElement:
			return nil
		}
	}
}

// MarshalXML implements xml.Marshaler by replaying the payload's token
// stream into the encoder.
func (p Payload) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := xmlstream.Copy(e, p.TokenReader())
	return err
}

// TokenReader returns a stream of XML tokens that encode the payload tree.
func (p Payload) TokenReader() xml.TokenReader {
	inner := make([]xml.TokenReader, 0, len(p.Children)+1)
	if p.Text != "" {
		inner = append(inner, xmlstream.Token(xml.CharData(p.Text)))
	}
	for _, c := range p.Children {
		inner = append(inner, c.TokenReader())
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: p.XMLName, Attr: p.Attr},
	)
}
