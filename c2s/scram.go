// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package c2s

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"

	"golang.org/x/crypto/pbkdf2"
)

const (
	scramIterations = 4096
	scramNonceLen   = 16
	scramSaltLen    = 16
)

var (
	errSCRAMProto = errors.New("c2s: malformed scram message")
	errSCRAMProof = errors.New("c2s: scram proof mismatch")
)

// scramServer runs the receiving side of a SCRAM exchange (RFC 5802). The
// SASL library's Negotiator only implements the initiating side of the
// challenge/response mechanisms, so the server half lives here. Passwords
// are stored in recoverable form, so the salt is generated per exchange.
type scramServer struct {
	newHash  func() hash.Hash
	password []byte

	gs2Header       []byte
	clientFirstBare []byte
	serverFirst     []byte
	nonce           []byte
	salt            []byte

	started bool
	done    bool
}

func newScramServer(fn func() hash.Hash, password []byte) *scramServer {
	return &scramServer{newHash: fn, password: password}
}

// Step consumes one client message and produces the next server message. It
// follows the sasl.Negotiator Step contract: more is true while the
// exchange needs another client message.
func (s *scramServer) Step(data []byte) (more bool, resp []byte, err error) {
	switch {
	case s.done:
		return false, nil, errSCRAMProto
	case !s.started:
		s.started = true
		resp, err = s.serverFirstMessage(data)
		return err == nil, resp, err
	default:
		s.done = true
		resp, err = s.serverFinalMessage(data)
		return false, resp, err
	}
}

// serverFirstMessage parses the client first message and answers with the
// combined nonce, a fresh salt, and the iteration count.
func (s *scramServer) serverFirstMessage(clientFirst []byte) ([]byte, error) {
	// The gs2 header is the channel binding flag and an optional authzid,
	// each comma terminated. Channel binding is not advertised, so "p=" is
	// rejected along with anything else that is not "n" or "y".
	if !bytes.HasPrefix(clientFirst, []byte("n,")) && !bytes.HasPrefix(clientFirst, []byte("y,")) {
		return nil, errSCRAMProto
	}
	idx := bytes.IndexByte(clientFirst[2:], ',')
	if idx == -1 {
		return nil, errSCRAMProto
	}
	headerLen := 2 + idx + 1
	s.gs2Header = clientFirst[:headerLen]
	s.clientFirstBare = clientFirst[headerLen:]

	var clientNonce []byte
	remain := s.clientFirstBare
	for {
		var field []byte
		field, remain = nextSCRAMParam(remain)
		if len(field) >= 2 && field[1] == '=' {
			switch field[0] {
			case 'r':
				clientNonce = field[2:]
			case 'm':
				// Reserved for extensions; RFC 5802 §5.1 requires failure.
				return nil, errSCRAMProto
			}
		}
		if remain == nil {
			break
		}
	}
	if len(clientNonce) == 0 {
		return nil, errSCRAMProto
	}

	snonce := make([]byte, scramNonceLen)
	if _, err := rand.Read(snonce); err != nil {
		return nil, fmt.Errorf("c2s: generating scram nonce: %w", err)
	}
	s.salt = make([]byte, scramSaltLen)
	if _, err := rand.Read(s.salt); err != nil {
		return nil, fmt.Errorf("c2s: generating scram salt: %w", err)
	}
	s.nonce = append(append([]byte{}, clientNonce...),
		base64.StdEncoding.EncodeToString(snonce)...)

	s.serverFirst = []byte("r=" + string(s.nonce) +
		",s=" + base64.StdEncoding.EncodeToString(s.salt) +
		",i=" + strconv.Itoa(scramIterations))
	return s.serverFirst, nil
}

// serverFinalMessage verifies the client proof and answers with the server
// signature.
func (s *scramServer) serverFinalMessage(clientFinal []byte) ([]byte, error) {
	var channel, nonce, proof []byte
	remain := clientFinal
	for {
		var field []byte
		field, remain = nextSCRAMParam(remain)
		if len(field) >= 2 && field[1] == '=' {
			switch field[0] {
			case 'c':
				channel = field[2:]
			case 'r':
				nonce = field[2:]
			case 'p':
				proof = field[2:]
			case 'm':
				return nil, errSCRAMProto
			}
		}
		if remain == nil {
			break
		}
	}
	// Without channel binding the c attribute is just the echoed gs2 header.
	switch {
	case string(channel) != base64.StdEncoding.EncodeToString(s.gs2Header):
		return nil, errSCRAMProto
	case !bytes.Equal(nonce, s.nonce):
		return nil, errSCRAMProto
	case len(proof) == 0:
		return nil, errSCRAMProto
	}

	idx := bytes.LastIndex(clientFinal, []byte(",p="))
	if idx == -1 {
		return nil, errSCRAMProto
	}
	withoutProof := clientFinal[:idx]
	authMessage := bytes.Join([][]byte{s.clientFirstBare, s.serverFirst, withoutProof}, []byte{','})

	saltedPassword := pbkdf2.Key(s.password, s.salt, scramIterations, s.newHash().Size(), s.newHash)
	clientKey := hmacSum(s.newHash, saltedPassword, []byte("Client Key"))
	h := s.newHash()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	clientSignature := hmacSum(s.newHash, storedKey, authMessage)

	decodedProof := make([]byte, base64.StdEncoding.DecodedLen(len(proof)))
	n, err := base64.StdEncoding.Decode(decodedProof, proof)
	if err != nil {
		return nil, errSCRAMProto
	}
	decodedProof = decodedProof[:n]
	if len(decodedProof) != len(clientKey) {
		return nil, errSCRAMProto
	}

	// ClientProof XOR ClientSignature recovers ClientKey; its hash must
	// match StoredKey for the proof to verify.
	recoveredKey := make([]byte, len(clientKey))
	subtle.XORBytes(recoveredKey, decodedProof, clientSignature)
	h = s.newHash()
	h.Write(recoveredKey)
	if !hmac.Equal(h.Sum(nil), storedKey) {
		return nil, errSCRAMProof
	}

	serverKey := hmacSum(s.newHash, saltedPassword, []byte("Server Key"))
	serverSignature := hmacSum(s.newHash, serverKey, authMessage)
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

func hmacSum(fn func() hash.Hash, key, msg []byte) []byte {
	h := hmac.New(fn, key)
	h.Write(msg)
	return h.Sum(nil)
}

func nextSCRAMParam(params []byte) ([]byte, []byte) {
	idx := bytes.IndexByte(params, ',')
	if idx == -1 {
		return params, nil
	}
	return params[:idx], params[idx+1:]
}
