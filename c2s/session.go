// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package c2s

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"mellium.im/xmppd/internal/idgen"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"

	"github.com/google/uuid"
)

var errSessionClosed = errors.New("c2s: session closed")

const writeTimeout = 10 * time.Second

// session is one client connection working through stream negotiation and,
// once a resource is bound, exchanging stanzas through the router.
//
// Writes go directly to the connection while negotiation runs on a single
// goroutine; after binding, an outbound queue goroutine serializes writes
// from the many goroutines that may route to this session.
type session struct {
	srv  *Server
	conn net.Conn
	ws   bool
	id   string
	d    *xml.Decoder

	header stream.Header
	secure bool

	addr jid.JID

	pmu       sync.Mutex
	pres      stanza.Presence
	available bool

	wmu sync.Mutex
	out chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(srv *Server, conn net.Conn, ws bool) *session {
	_, isTLS := conn.(*tls.Conn)
	return &session{
		srv:    srv,
		conn:   conn,
		ws:     ws,
		id:     idgen.New(),
		d:      xml.NewDecoder(conn),
		secure: isTLS || ws,
		out:    make(chan []byte, 32),
		done:   make(chan struct{}),
	}
}

// ID is a server-internal identifier for this connection, distinct from the
// bound address.
func (s *session) ID() string { return s.id }

// JID returns the bound address, or the zero value before binding.
func (s *session) JID() jid.JID { return s.addr }

// Presence returns the last broadcast presence of this session.
func (s *session) Presence() stanza.Presence {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.pres
}

func (s *session) setPresence(p stanza.Presence) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.pres = p
	// An explicit unavailable already reaches subscribed contacts through
	// the roster engine; teardown must not announce it a second time.
	s.available = p.Type == stanza.AvailablePresence
}

// Send queues a stanza for delivery on this session's stream. It fails once
// the session starts tearing down.
func (s *session) Send(st stanza.Stanza) error {
	b, err := xml.Marshal(st)
	if err != nil {
		return fmt.Errorf("c2s: marshaling stanza: %w", err)
	}
	select {
	case s.out <- b:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// CloseWithError sends a stream error to the client and tears the session
// down. It is safe to call from any goroutine and more than once.
func (s *session) CloseWithError(serr stream.Error) {
	s.teardown(&serr)
}

// write sends raw bytes on the connection. Each call carries one complete
// XML element so that websocket transports can frame it as one message.
func (s *session) write(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(b)
	return err
}

func (s *session) writeLoop() {
	for {
		select {
		case b := <-s.out:
			if err := s.write(b); err != nil {
				s.teardown(nil)
				return
			}
		case <-s.done:
			return
		}
	}
}

// serve runs the session to completion: negotiation, then the stanza read
// loop. All exit paths funnel through teardown exactly once.
func (s *session) serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		s.CloseWithError(stream.SystemShutdown)
	})
	defer stop()
	defer s.teardown(nil)

	if err := s.negotiate(ctx); err != nil {
		var serr stream.Error
		if errors.As(err, &serr) {
			s.teardown(&serr)
		} else {
			s.srv.logger.DebugContext(ctx, "negotiation failed", "err", err)
		}
		return
	}
	s.readLoop(ctx)
}

// teardown releases everything the session acquired: the registry entry,
// the transport, and the presence visible to contacts. It runs at most
// once no matter how many exit paths race into it.
func (s *session) teardown(serr *stream.Error) {
	s.closeOnce.Do(func() {
		close(s.done)

		bound := !s.addr.IsZero()
		replaced := false
		if bound {
			reg := s.srv.cfg.Router.Registry()
			reg.Unregister(s)
			// If another session took over this address the presence it
			// advertises is still live and must not be revoked here.
			_, replaced = reg.Lookup(s.addr)
		}

		if serr != nil {
			if b, err := xml.Marshal(*serr); err == nil {
				_ = s.write(b)
			}
		}
		if s.header.ID != "" {
			var buf []byte
			w := &sliceWriter{b: &buf}
			_ = s.header.WriteClose(w)
			_ = s.write(buf)
		}
		_ = s.conn.Close()

		s.pmu.Lock()
		wasAvailable := s.available
		s.pmu.Unlock()
		if bound && wasAvailable && !replaced {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.srv.cfg.Roster.BroadcastUnavailable(ctx, s.addr); err != nil {
				s.srv.logger.Debug("offline broadcast failed", "jid", s.addr, "err", err)
			}
		}
	})
}

type sliceWriter struct{ b *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.b = append(*w.b, p...)
	return len(p), nil
}

// resetStream replaces the decoder after an event that restarts the XML
// stream, such as a completed TLS handshake or authentication.
func (s *session) resetStream() {
	s.d = xml.NewDecoder(s.conn)
}

// negotiate brings the stream from raw transport to a bound resource:
// header exchange, optional STARTTLS, SASL with a bounded number of
// attempts, a stream restart, and resource binding. Protocol elements that
// arrive out of order abort the stream.
func (s *session) negotiate(ctx context.Context) error {
	deadline := time.Now().Add(s.srv.cfg.NegotiateTimeout)
	_ = s.conn.SetReadDeadline(deadline)

	if err := s.openStream(); err != nil {
		return err
	}
	if err := s.sendFeatures(false); err != nil {
		return err
	}

	authed := ""
	attempts := 0
	for authed == "" {
		start, err := s.nextStart()
		if err != nil {
			return err
		}
		switch {
		case start.Name.Space == ns.StartTLS && start.Name.Local == "starttls":
			if err := s.d.Skip(); err != nil {
				return stream.NotWellFormed
			}
			if err := s.startTLS(); err != nil {
				return err
			}
		case start.Name.Space == ns.SASL && start.Name.Local == "auth":
			user, err := s.handleAuth(ctx, &start)
			if err == nil {
				authed = user
				break
			}
			if !errors.Is(err, errAuthFailed) {
				return err
			}
			attempts++
			if attempts >= maxAuthAttempts {
				return stream.PolicyViolation.WithText("too many failed authentication attempts")
			}
		default:
			// Stanzas and anything else are not allowed before
			// authentication completes.
			return stream.NotAuthorized
		}
	}

	// Authentication restarts the stream.
	s.resetStream()
	if err := s.openStream(); err != nil {
		return err
	}
	if err := s.sendFeatures(true); err != nil {
		return err
	}
	return s.bind(authed)
}

// openStream reads the client's stream header and answers it.
func (s *session) openStream() error {
	h, err := stream.Expect(s.d)
	if err != nil {
		var serr stream.Error
		if errors.As(err, &serr) {
			return serr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return stream.ConnectionTimeout
		}
		return stream.NotWellFormed
	}
	if h.WebSocket != s.ws {
		return stream.InvalidNamespace
	}
	if h.Version != "" && h.Version != stream.DefaultVersion {
		return stream.UnsupportedVersion
	}
	if !h.To.IsZero() && h.To.Domainpart() != s.srv.cfg.Domain.Domainpart() {
		return stream.HostUnknown
	}
	resp := stream.Header{
		From:      s.srv.cfg.Domain,
		To:        h.From,
		ID:        idgen.New(),
		Version:   stream.DefaultVersion,
		Lang:      h.Lang,
		WebSocket: s.ws,
	}
	s.header = resp
	var buf []byte
	if err := resp.WriteResponse(&sliceWriter{b: &buf}); err != nil {
		return err
	}
	return s.write(buf)
}

// sendFeatures advertises what the client may negotiate next: STARTTLS and
// authentication mechanisms before authentication, resource binding after.
func (s *session) sendFeatures(authed bool) error {
	buf := []byte("<stream:features>")
	if !authed {
		if s.srv.cfg.TLSConfig != nil && !s.secure {
			buf = append(buf, "<starttls xmlns='"+ns.StartTLS+"'><required/></starttls>"...)
		} else {
			buf = append(buf, "<mechanisms xmlns='"+ns.SASL+"'>"...)
			for _, m := range saslMechanisms {
				buf = append(buf, "<mechanism>"+m.Name+"</mechanism>"...)
			}
			buf = append(buf, "</mechanisms>"...)
		}
	} else {
		buf = append(buf, "<bind xmlns='"+ns.Bind+"'/>"...)
		buf = append(buf, "<session xmlns='"+ns.Session+"'/>"...)
	}
	buf = append(buf, "</stream:features>"...)
	if s.ws {
		// The websocket framing has no open stream element to hang the
		// stream prefix on.
		buf = []byte(string(buf[:16]) + " xmlns:stream='" + ns.Stream + "'" + string(buf[16:]))
	}
	return s.write(buf)
}

// startTLS upgrades the transport in place and restarts the stream.
func (s *session) startTLS() error {
	if s.srv.cfg.TLSConfig == nil || s.secure {
		return stream.PolicyViolation.WithText("starttls not available")
	}
	if err := s.write([]byte("<proceed xmlns='" + ns.StartTLS + "'/>")); err != nil {
		return err
	}
	tconn := tls.Server(s.conn, s.srv.cfg.TLSConfig)
	if err := tconn.Handshake(); err != nil {
		return fmt.Errorf("c2s: tls handshake: %w", err)
	}
	s.conn = tconn
	s.secure = true
	s.resetStream()
	if err := s.openStream(); err != nil {
		return err
	}
	return s.sendFeatures(false)
}

// bind completes resource binding for the authenticated user: the client
// either requests a resource or receives a generated one, and the bound
// address is registered for routing. A second session binding the same
// address evicts this one with a conflict error.
func (s *session) bind(username string) error {
	for {
		start, err := s.nextStart()
		if err != nil {
			return err
		}
		if start.Name.Space != ns.Client || start.Name.Local != "iq" {
			return stream.NotAuthorized
		}
		var iq stanza.IQ
		if err := s.d.DecodeElement(&iq, &start); err != nil {
			return stream.NotWellFormed
		}
		bindEl, ok := iq.Child(ns.Bind, "bind")
		if !ok || iq.Type != stanza.SetIQ {
			// Nothing but resource binding is legal here.
			return stream.NotAuthorized
		}

		resource := ""
		if rc, ok := bindEl.Child("resource"); ok {
			resource = rc.Text
		}
		if resource == "" {
			resource = uuid.NewString()
		}
		addr, err := jid.New(username, s.srv.cfg.Domain.Domainpart(), resource)
		if err != nil {
			reply := iq.Error(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
			b, merr := xml.Marshal(reply)
			if merr != nil {
				return merr
			}
			if werr := s.write(b); werr != nil {
				return werr
			}
			continue
		}

		s.addr = addr
		go s.writeLoop()
		if evicted := s.srv.cfg.Router.Registry().Register(s); evicted != nil {
			evicted.CloseWithError(stream.Conflict)
		}

		result := stanza.NewPayload(ns.Bind, "bind")
		jidEl := stanza.NewPayload(ns.Bind, "jid")
		jidEl.Text = addr.String()
		result.Children = []stanza.Payload{jidEl}
		return s.Send(iq.Result(result))
	}
}

// readLoop processes stanzas on the established stream until the client
// closes it or the connection dies.
func (s *session) readLoop(ctx context.Context) {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.KeepAlive))
		tok, err := s.d.Token()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.teardown(&stream.ConnectionTimeout)
			} else {
				s.teardown(nil)
			}
			return
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if s.ws && t.Name.Space == ns.Framing && t.Name.Local == "close" {
				s.teardown(nil)
				return
			}
			st, err := s.decodeStanza(t)
			if err != nil {
				var serr stream.Error
				if errors.As(err, &serr) {
					s.teardown(&serr)
					return
				}
				s.teardown(&stream.NotWellFormed)
				return
			}
			if err := s.srv.cfg.Router.Route(ctx, st, s); err != nil {
				s.srv.logger.DebugContext(ctx, "route failed", "jid", s.addr, "err", err)
			}
		case xml.EndElement:
			if t.Name.Space == ns.Stream && t.Name.Local == "stream" {
				s.teardown(nil)
				return
			}
		case xml.CharData:
			// Keepalive whitespace between stanzas is fine.
		default:
			serr := stream.RestrictedXML()
			s.teardown(&serr)
			return
		}
	}
}

// decodeStanza parses one stanza and stamps the sender's bound address on
// it, overriding whatever from the client claimed.
func (s *session) decodeStanza(start xml.StartElement) (stanza.Stanza, error) {
	if start.Name.Space != ns.Client || !stanza.Is(start.Name) {
		return nil, stream.UnsupportedStanzaType
	}
	switch start.Name.Local {
	case "message":
		var m stanza.Message
		if err := s.d.DecodeElement(&m, &start); err != nil {
			return nil, err
		}
		m.From = s.addr
		return m, nil
	case "presence":
		var p stanza.Presence
		if err := s.d.DecodeElement(&p, &start); err != nil {
			return nil, err
		}
		p.From = s.addr
		if p.To.IsZero() && (p.Type == stanza.AvailablePresence || p.Type == stanza.UnavailablePresence) {
			s.setPresence(p)
		}
		return p, nil
	case "iq":
		var iq stanza.IQ
		if err := s.d.DecodeElement(&iq, &start); err != nil {
			return nil, err
		}
		iq.From = s.addr
		return iq, nil
	default:
		return nil, stream.UnsupportedStanzaType
	}
}

// nextStart returns the next element start on the stream, skipping
// whitespace, or fails with a stream level error.
func (s *session) nextStart() (xml.StartElement, error) {
	for {
		tok, err := s.d.Token()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return xml.StartElement{}, stream.ConnectionTimeout
			}
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.CharData:
		case xml.EndElement:
			return xml.StartElement{}, errSessionClosed
		default:
			return xml.StartElement{}, stream.RestrictedXML()
		}
	}
}
