// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// ErrorType is the type of a stanza error payload.
// It should normally be one of the constants defined in this package.
type ErrorType string

const (
	// Cancel indicates that the error cannot be remedied and the operation
	// should not be retried.
	Cancel ErrorType = "cancel"

	// Auth indicates that an operation should be retried after providing
	// credentials.
	Auth ErrorType = "auth"

	// Continue indicates that the operation can proceed (the condition was
	// only a warning).
	Continue ErrorType = "continue"

	// Modify indicates that the operation can be retried after changing the
	// data sent.
	Modify ErrorType = "modify"

	// Wait indicates that an error is temporary and may be retried.
	Wait ErrorType = "wait"
)

// Condition represents a more specific stanza error condition that can be
// encapsulated by an <error/> element.
type Condition string

// A list of stanza error conditions defined in RFC 6120 §8.3.3.
const (
	// BadRequest is returned when the sender has sent a stanza containing XML
	// that does not conform to the appropriate schema or that cannot be
	// processed.
	BadRequest Condition = "bad-request"

	// Conflict is returned when access cannot be granted because an existing
	// resource exists with the same name or address.
	Conflict Condition = "conflict"

	// FeatureNotImplemented is returned when the feature represented in the
	// XML stanza is not implemented by the intended recipient or an
	// intermediate server.
	FeatureNotImplemented Condition = "feature-not-implemented"

	// Forbidden is returned when the requesting entity does not possess the
	// necessary permissions to perform the action.
	Forbidden Condition = "forbidden"

	// InternalServerError is returned when the server has experienced a
	// misconfiguration or other internal error that prevents it from
	// processing the stanza.
	InternalServerError Condition = "internal-server-error"

	// ItemNotFound is returned when the addressed entity does not exist.
	ItemNotFound Condition = "item-not-found"

	// NotAcceptable is returned when the recipient or server understands the
	// request but cannot process it because it does not meet criteria defined
	// by the recipient or server.
	NotAcceptable Condition = "not-acceptable"

	// NotAuthorized is returned when the sender needs to provide credentials
	// before being allowed to perform the action.
	NotAuthorized Condition = "not-authorized"

	// RecipientUnavailable is returned when the intended recipient is
	// temporarily unavailable.
	RecipientUnavailable Condition = "recipient-unavailable"

	// RemoteServerNotFound is returned when a remote server or service
	// specified as part or all of the JID of the intended recipient does not
	// exist or cannot be resolved.
	RemoteServerNotFound Condition = "remote-server-not-found"

	// ServiceUnavailable is returned when the server or recipient does not
	// currently provide the requested service.
	ServiceUnavailable Condition = "service-unavailable"

	// UndefinedCondition is returned when the error condition is not one of
	// the defined conditions.
	UndefinedCondition Condition = "undefined-condition"
)

// Error is a stanza level error. It is marshaled or unmarshaled before or
// after the rest of the stanza it belongs to and never terminates the
// stream.
type Error struct {
	XMLName   xml.Name
	By        jid.JID
	Type      ErrorType
	Condition Condition
	Text      string
}

// Error satisfies the error interface.
func (e Error) Error() string {
	if e.Text != "" {
		return string(e.Condition) + ": " + e.Text
	}
	return string(e.Condition)
}

// MarshalXML satisfies the xml.Marshaler interface.
func (e Error) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "error"}}
	if string(e.Type) != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(e.Type)})
	}
	if !e.By.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "by"}, Value: e.By.String()})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{
		Name: xml.Name{Local: string(e.Condition)},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: ns.Stanza}},
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
			Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: ns.Stanza}},
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
	e.XMLName = start.Name
	for _, a := range start.Attr {
		switch a.Name.Local {
		case "type":
			e.Type = ErrorType(a.Value)
		case "by":
			if err := (&e.By).UnmarshalXMLAttr(a); err != nil {
				return err
			}
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Space == ns.Stanza && t.Name.Local == "text":
				var text struct {
					Data string `xml:",chardata"`
				}
				if err := d.DecodeElement(&text, &t); err != nil {
					return err
				}
				e.Text = text.Data
			case t.Name.Space == ns.Stanza:
				e.Condition = Condition(t.Name.Local)
				if err := d.Skip(); err != nil {
					return err
				}
			default:
				// Application specific conditions are ignored.
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}
