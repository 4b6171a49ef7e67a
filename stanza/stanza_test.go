// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza_test

import (
	"encoding/xml"
	"io"
	"strings"
	"testing"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

var (
	_ stanza.Stanza = stanza.Message{}
	_ stanza.Stanza = stanza.Presence{}
	_ stanza.Stanza = stanza.IQ{}
	_ error         = stanza.Error{}
)

func TestMessageError(t *testing.T) {
	m := stanza.Message{
		ID:   "m1",
		To:   jid.MustParse("juliet@example.net"),
		From: jid.MustParse("romeo@example.net/orchard"),
		Type: stanza.ChatMessage,
		Body: "O Romeo, Romeo!",
	}
	reply := m.Error(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
	if !reply.IsError() {
		t.Error("expected error type on reply")
	}
	if !reply.To.Equal(m.From) || !reply.From.Equal(m.To) {
		t.Error("expected reversed addressing on error reply")
	}
	if reply.Body != m.Body {
		t.Error("error reply should preserve the original body")
	}

	out, err := xml.Marshal(reply)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`type="error"`,
		`<service-unavailable xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">`,
	} {
		if !strings.Contains(string(out), want) {
			t.Errorf("marshaled error %s missing %s", out, want)
		}
	}
}

func TestPresenceDefaults(t *testing.T) {
	p := stanza.Presence{From: jid.MustParse("romeo@example.net/orchard")}
	if p.Type != stanza.AvailablePresence {
		t.Error("zero presence type should be available")
	}
	out, err := xml.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "type=") {
		t.Errorf("available presence should omit the type attribute: %s", out)
	}
}

func TestPresencePriority(t *testing.T) {
	var p stanza.Presence
	err := xml.Unmarshal([]byte(`<presence from='romeo@example.net/orchard'><priority>10</priority></presence>`), &p)
	if err != nil {
		t.Fatal(err)
	}
	if p.Priority != 10 {
		t.Errorf("got priority %d, want 10", p.Priority)
	}
}

func TestIQRoundTrip(t *testing.T) {
	in := `<iq id="i1" to="example.net" type="get"><query xmlns="jabber:iq:roster"></query></iq>`
	var iq stanza.IQ
	if err := xml.Unmarshal([]byte(in), &iq); err != nil {
		t.Fatal(err)
	}
	if iq.Type != stanza.GetIQ {
		t.Errorf("got type %q", iq.Type)
	}
	q, ok := iq.Child("jabber:iq:roster", "query")
	if !ok {
		t.Fatal("expected roster query payload")
	}
	if q.XMLName.Local != "query" {
		t.Errorf("got payload %v", q.XMLName)
	}

	res := iq.Result(stanza.NewPayload("jabber:iq:roster", "query"))
	if res.Type != stanza.ResultIQ || res.ID != "i1" {
		t.Errorf("bad result IQ: %+v", res)
	}
	out, err := xml.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `type="result"`) {
		t.Errorf("marshaled result missing type: %s", out)
	}
}

func TestPayloadTree(t *testing.T) {
	in := `<query xmlns="jabber:iq:roster"><item jid="juliet@example.net" name="Juliet"><group>Capulets</group></item></query>`
	var p stanza.Payload
	if err := xml.Unmarshal([]byte(in), &p); err != nil {
		t.Fatal(err)
	}
	item, ok := p.Child("item")
	if !ok {
		t.Fatal("expected item child")
	}
	if item.Attrib("jid") != "juliet@example.net" {
		t.Errorf("got jid attr %q", item.Attrib("jid"))
	}
	group, ok := item.Child("group")
	if !ok || group.Text != "Capulets" {
		t.Errorf("got group %+v", group)
	}

	out, err := xml.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var p2 stanza.Payload
	if err := xml.Unmarshal(out, &p2); err != nil {
		t.Fatal(err)
	}
	if len(p2.Children) != 1 {
		t.Errorf("payload did not round trip: %s", out)
	}
}

func TestPayloadTokenReader(t *testing.T) {
	p := stanza.NewPayload("jabber:iq:roster", "query")
	item := stanza.NewPayload("jabber:iq:roster", "item")
	item.Attr = []xml.Attr{{Name: xml.Name{Local: "jid"}, Value: "juliet@example.net"}}
	group := stanza.NewPayload("jabber:iq:roster", "group")
	group.Text = "Capulets"
	item.Children = []stanza.Payload{group}
	p.Children = []stanza.Payload{item}

	var got []string
	r := p.TokenReader()
	for {
		tok, err := r.Token()
		switch tk := tok.(type) {
		case xml.StartElement:
			got = append(got, tk.Name.Local)
		case xml.CharData:
			got = append(got, string(tk))
		case xml.EndElement:
			got = append(got, "/"+tk.Name.Local)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	want := "query item group Capulets /group /item /query"
	if s := strings.Join(got, " "); s != want {
		t.Errorf("got token order %q, want %q", s, want)
	}
}

func TestErrorUnmarshal(t *testing.T) {
	in := `<error type="cancel"><item-not-found xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/><text xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">gone</text></error>`
	var e stanza.Error
	if err := xml.Unmarshal([]byte(in), &e); err != nil {
		t.Fatal(err)
	}
	if e.Condition != stanza.ItemNotFound || e.Type != stanza.Cancel || e.Text != "gone" {
		t.Errorf("got %+v", e)
	}
}
