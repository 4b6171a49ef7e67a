// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream_test

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stream"
)

func TestExpectHeader(t *testing.T) {
	for i, tc := range [...]struct {
		in        string
		err       error
		to        string
		websocket bool
	}{
		0: {
			in: `<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' to='example.net' version='1.0'>`,
			to: "example.net",
		},
		1: {
			in:        `<open xmlns='urn:ietf:params:xml:ns:xmpp-framing' to='example.net' version='1.0'/>`,
			to:        "example.net",
			websocket: true,
		},
		2: {
			in:  `<stream:stream xmlns='wrong:ns' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>`,
			err: stream.InvalidNamespace,
		},
		3: {
			in:  `<message xmlns='jabber:client'/>`,
			err: stream.InvalidNamespace,
		},
	} {
		d := xml.NewDecoder(strings.NewReader(tc.in))
		h, err := stream.Expect(d)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Errorf("%d: got error %v, want %v", i, err, tc.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%d: unexpected error %v", i, err)
			continue
		}
		if h.To.String() != tc.to {
			t.Errorf("%d: got to %s", i, h.To)
		}
		if h.WebSocket != tc.websocket {
			t.Errorf("%d: got websocket %v", i, h.WebSocket)
		}
	}
}

func TestWriteResponse(t *testing.T) {
	h := stream.Header{
		From:    jid.MustParse("example.net"),
		ID:      "abc",
		Version: stream.DefaultVersion,
	}
	var b strings.Builder
	if err := h.WriteResponse(&b); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{"<stream:stream ", "from='example.net'", "id='abc'", "version='1.0'"} {
		if !strings.Contains(out, want) {
			t.Errorf("response %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "<open") {
		t.Error("plain stream should not use websocket framing")
	}

	h.WebSocket = true
	b.Reset()
	if err := h.WriteResponse(&b); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), "<open xmlns='urn:ietf:params:xml:ns:xmpp-framing'") {
		t.Errorf("got websocket response %q", b.String())
	}
}

func TestErrorMarshal(t *testing.T) {
	out, err := xml.Marshal(stream.NotAuthorized)
	if err != nil {
		t.Fatal(err)
	}
	want := `<not-authorized xmlns="urn:ietf:params:xml:ns:xmpp-streams">`
	if !strings.Contains(string(out), want) {
		t.Errorf("marshaled %s, missing %s", out, want)
	}

	var e stream.Error
	if err := xml.Unmarshal(out, &e); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(e, stream.NotAuthorized) {
		t.Errorf("round tripped error was %v", e)
	}
}
