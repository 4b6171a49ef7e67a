// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package c2s

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"mellium.im/sasl"

	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/stream"
)

var authAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xmppd_auth_attempts_total",
	Help: "Authentication exchanges, by mechanism and result.",
}, []string{"mechanism", "result"})

// errAuthFailed reports a failed exchange that the client may retry with a
// fresh auth element, up to the attempt limit.
var errAuthFailed = errors.New("c2s: authentication failed")

// saslMechanisms is the advertised mechanism list, strongest first.
var saslMechanisms = []sasl.Mechanism{sasl.ScramSha256, sasl.Plain}

// saslState is the per-exchange server state machine: the library's
// Negotiator for PLAIN and the local scramServer for SCRAM, whose receiving
// side the library leaves unimplemented.
type saslState interface {
	Step(data []byte) (more bool, resp []byte, err error)
}

type authRequest struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Data      string   `xml:",chardata"`
}

type authResponse struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl response"`
	Data    string   `xml:",chardata"`
}

// handleAuth runs one SASL exchange starting from the client's auth
// element. On success it returns the authenticated username. A failure the
// client may retry is reported as errAuthFailed after the failure element
// has been written; anything else aborts the stream.
func (s *session) handleAuth(ctx context.Context, start *xml.StartElement) (string, error) {
	var req authRequest
	if err := s.d.DecodeElement(&req, start); err != nil {
		return "", stream.NotWellFormed
	}
	initial, err := decodeSASLData(req.Data)
	if err != nil {
		return "", s.authFailure(req.Mechanism, "incorrect-encoding")
	}

	var mech sasl.Mechanism
	for _, m := range saslMechanisms {
		if m.Name == req.Mechanism {
			mech = m
			break
		}
	}
	if mech.Name == "" {
		return "", s.authFailure(req.Mechanism, "invalid-mechanism")
	}

	username, negotiator, err := s.newNegotiator(ctx, mech, initial)
	if err != nil {
		return "", s.authFailure(req.Mechanism, "not-authorized")
	}

	data := initial
	for {
		more, resp, err := negotiator.Step(data)
		if err != nil {
			return "", s.authFailure(req.Mechanism, "not-authorized")
		}
		if !more {
			user := username()
			if user == "" {
				return "", s.authFailure(req.Mechanism, "not-authorized")
			}
			authAttempts.WithLabelValues(req.Mechanism, "ok").Inc()
			return user, s.write(successElement(resp))
		}
		if err := s.write([]byte("<challenge xmlns='" + ns.SASL + "'>" +
			base64.StdEncoding.EncodeToString(resp) + "</challenge>")); err != nil {
			return "", err
		}

		next, err := s.nextStart()
		if err != nil {
			return "", err
		}
		if next.Name.Space != ns.SASL || next.Name.Local != "response" {
			if next.Name.Space == ns.SASL && next.Name.Local == "abort" {
				_ = s.d.Skip()
				return "", s.authFailure(req.Mechanism, "aborted")
			}
			return "", stream.NotAuthorized
		}
		var rsp authResponse
		if err := s.d.DecodeElement(&rsp, &next); err != nil {
			return "", stream.NotWellFormed
		}
		data, err = decodeSASLData(rsp.Data)
		if err != nil {
			return "", s.authFailure(req.Mechanism, "incorrect-encoding")
		}
	}
}

// newNegotiator builds the server side state machine for one exchange and
// a getter for the username it authenticated. For challenge/response
// mechanisms the username is known up front from the client's first message
// so the stored credential can be loaded; for PLAIN the credential check
// happens in the permissions callback.
func (s *session) newNegotiator(ctx context.Context, mech sasl.Mechanism, initial []byte) (func() string, saslState, error) {
	switch mech.Name {
	case sasl.Plain.Name:
		var authed string
		permissions := func(n *sasl.Negotiator) bool {
			user, pass, _ := n.Credentials()
			username := string(user)
			if username == "" {
				return false
			}
			ok, err := s.srv.cfg.Accounts.VerifyCredentials(ctx, username, string(pass))
			if errors.Is(err, storage.ErrNotFound) && s.srv.cfg.AutoRegister {
				if err := s.srv.cfg.Accounts.Create(ctx, username, string(pass)); err != nil {
					s.srv.logger.ErrorContext(ctx, "auto registration failed", "username", username, "err", err)
					return false
				}
				ok = true
			} else if err != nil {
				return false
			}
			if ok {
				authed = username
			}
			return ok
		}
		n := sasl.NewServer(mech, permissions)
		return func() string { return authed }, n, nil
	case sasl.ScramSha256.Name:
		username := scramUsername(initial)
		if username == "" {
			return nil, nil, errAuthFailed
		}
		password, err := s.srv.cfg.Accounts.Password(ctx, username)
		if err != nil {
			return nil, nil, errAuthFailed
		}
		return func() string { return username }, newScramServer(sha256.New, []byte(password)), nil
	default:
		return nil, nil, errAuthFailed
	}
}

// scramUsername extracts the n attribute from a SCRAM client first message
// of the form "n,,n=user,r=nonce".
func scramUsername(clientFirst []byte) string {
	msg := string(clientFirst)
	// Strip the GS2 header: channel binding flag, optional authzid.
	parts := strings.SplitN(msg, ",", 3)
	if len(parts) != 3 {
		return ""
	}
	for _, field := range strings.Split(parts[2], ",") {
		if rest, ok := strings.CutPrefix(field, "n="); ok {
			// Undo SASLprep style escaping of , and =.
			rest = strings.ReplaceAll(rest, "=2C", ",")
			return strings.ReplaceAll(rest, "=3D", "=")
		}
	}
	return ""
}

// authFailure writes a failure element with the given condition and
// reports a retryable failure.
func (s *session) authFailure(mechanism, condition string) error {
	authAttempts.WithLabelValues(mechanism, "fail").Inc()
	el := fmt.Sprintf("<failure xmlns='%s'><%s/></failure>", ns.SASL, condition)
	if err := s.write([]byte(el)); err != nil {
		return err
	}
	return errAuthFailed
}

func successElement(resp []byte) []byte {
	if len(resp) == 0 {
		return []byte("<success xmlns='" + ns.SASL + "'/>")
	}
	return []byte("<success xmlns='" + ns.SASL + "'>" +
		base64.StdEncoding.EncodeToString(resp) + "</success>")
}

// decodeSASLData decodes a base64 SASL payload. A single equals sign
// denotes a present but empty initial response.
func decodeSASLData(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if data == "" || data == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(data)
}
