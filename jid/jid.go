// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the XMPP address format.
//
// Addresses ("Jabber IDs") take the form localpart@domainpart/resourcepart
// where the localpart and resourcepart are optional on the wire. All parts
// are stored in their canonical form so that comparison with == gives the
// greatest chance of succeeding.
package jid // import "mellium.im/xmppd/jid"

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// ErrMalformed is the base error returned for any address that does not
// conform to the addressing grammar. Specific parse failures wrap it.
var ErrMalformed = errors.New("jid: malformed address")

// JID represents an XMPP address comprising a localpart, domainpart, and
// resourcepart. The zero value is the empty address. JID is comparable;
// two JIDs constructed from equivalent inputs compare equal with ==.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse constructs a JID from its string representation.
func Parse(s string) (JID, error) {
	local, domain, resource, err := SplitString(s)
	if err != nil {
		return JID{}, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse but panics if the address cannot be parsed.
// It simplifies safe initialization of JIDs from known-good constant strings.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: Parse(` + s + `): ` + err.Error())
	}
	return j
}

// New constructs a JID from the given localpart, domainpart, and
// resourcepart, enforcing the preparation and enforcement rules of RFC 7622
// on each part.
func New(local, domain, resource string) (JID, error) {
	if !utf8.ValidString(local) || !utf8.ValidString(resource) {
		return JID{}, fmt.Errorf("%w: invalid UTF-8", ErrMalformed)
	}

	// A-labels are converted to U-labels before enforcement per RFC 7622
	// §3.2.1.
	domain, err := idna.ToUnicode(domain)
	if err != nil {
		return JID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// ToUnicode leaves the case of labels that were not A-labels alone;
	// domainparts compare case insensitively, so fold before storing.
	domain = strings.ToLower(domain)
	if !utf8.ValidString(domain) {
		return JID{}, fmt.Errorf("%w: domainpart contains invalid UTF-8", ErrMalformed)
	}

	if local != "" {
		local, err = precis.UsernameCaseMapped.String(local)
		if err != nil {
			return JID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if resource != "" {
		resource, err = precis.OpaqueString.String(resource)
		if err != nil {
			return JID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if err := commonChecks(local, domain, resource); err != nil {
		return JID{}, err
	}

	return JID{
		local:    local,
		domain:   domain,
		resource: resource,
	}, nil
}

// Bare returns a copy of the JID without a resourcepart. This is sometimes
// called a "bare" JID.
func (j JID) Bare() JID {
	j.resource = ""
	return j
}

// Domain returns a copy of the JID without a resourcepart or localpart.
func (j JID) Domain() JID {
	return JID{domain: j.domain}
}

// WithResource returns a copy of the JID with the given resourcepart. The
// localpart and domainpart are not revalidated.
func (j JID) WithResource(resource string) (JID, error) {
	if resource == "" {
		return j.Bare(), nil
	}
	if !utf8.ValidString(resource) {
		return JID{}, fmt.Errorf("%w: invalid UTF-8", ErrMalformed)
	}
	resource, err := precis.OpaqueString.String(resource)
	if err != nil {
		return JID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(resource) > 1023 {
		return JID{}, fmt.Errorf("%w: resourcepart must be smaller than 1024 bytes", ErrMalformed)
	}
	j.resource = resource
	return j, nil
}

// Localpart gets the localpart of a JID (eg "username").
func (j JID) Localpart() string {
	return j.local
}

// Domainpart gets the domainpart of a JID (eg "example.net").
func (j JID) Domainpart() string {
	return j.domain
}

// Resourcepart gets the resourcepart of a JID.
func (j JID) Resourcepart() string {
	return j.resource
}

// IsZero reports whether the JID is the zero (empty) address.
func (j JID) IsZero() bool {
	return j == JID{}
}

// IsBare reports whether the JID has a localpart but no resourcepart.
func (j JID) IsBare() bool {
	return j.local != "" && j.resource == ""
}

// IsFull reports whether the JID has both a localpart and a resourcepart.
func (j JID) IsFull() bool {
	return j.local != "" && j.resource != ""
}

// IsDomain reports whether the JID consists of a domainpart only, which
// addresses a server rather than an account.
func (j JID) IsDomain() bool {
	return j.domain != "" && j.local == "" && j.resource == ""
}

// MatchesBare reports whether the JID's localpart and domainpart equal those
// of the other JID, ignoring both resourceparts.
func (j JID) MatchesBare(o JID) bool {
	return j.local == o.local && j.domain == o.domain
}

// Equal performs an octet-for-octet comparison with the given JID.
func (j JID) Equal(o JID) bool {
	return j == o
}

// Network satisfies the net.Addr interface by returning the name of the
// network ("xmpp").
func (JID) Network() string {
	return "xmpp"
}

var _ net.Addr = JID{}

// String converts the JID to its string representation.
func (j JID) String() string {
	var b strings.Builder
	b.Grow(len(j.local) + len(j.domain) + len(j.resource) + 2)
	if j.local != "" {
		b.WriteString(j.local)
		b.WriteByte('@')
	}
	b.WriteString(j.domain)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not validated or normalized.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// Separator characters are matched before any transformation algorithm
	// is applied, per RFC 7622 §3.1. The domainpart is what remains after
	// stripping everything from the first '/' to the end and everything up
	// to the first '@'.
	if sep := strings.Index(s, "/"); sep != -1 {
		if sep == len(s)-1 {
			err = fmt.Errorf("%w: resourcepart must be larger than 0 bytes", ErrMalformed)
			return
		}
		resourcepart = s[sep+1:]
		s = s[:sep]
	}

	switch sep := strings.Index(s, "@"); sep {
	case -1:
		domainpart = s
	case 0:
		err = fmt.Errorf("%w: localpart must be larger than 0 bytes", ErrMalformed)
		return
	default:
		domainpart = s[sep+1:]
		localpart = s[:sep]
	}

	// Trailing label separators (dots) on the domainpart are ignored before
	// any canonicalization step is taken.
	domainpart = strings.TrimSuffix(domainpart, ".")
	return
}

func checkIP6String(domainpart string) error {
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") &&
		strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return fmt.Errorf("%w: domainpart is not a valid IPv6 address", ErrMalformed)
		}
	}
	return nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if len(localpart) > 1023 {
		return fmt.Errorf("%w: localpart must be smaller than 1024 bytes", ErrMalformed)
	}

	// RFC 7622 §3.3.1 provides a small table of characters which are still
	// not allowed in localparts even though the IdentifierClass base class
	// and the UsernameCaseMapped profile don't forbid them.
	if strings.ContainsAny(localpart, `"&'/:<>@`) {
		return fmt.Errorf("%w: localpart contains forbidden characters", ErrMalformed)
	}

	if len(resourcepart) > 1023 {
		return fmt.Errorf("%w: resourcepart must be smaller than 1024 bytes", ErrMalformed)
	}

	if l := len(domainpart); l < 1 || l > 1023 {
		return fmt.Errorf("%w: domainpart must be between 1 and 1023 bytes", ErrMalformed)
	}

	return checkIP6String(domainpart)
}
