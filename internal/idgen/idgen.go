// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package idgen generates random identifiers for streams and stanzas.
package idgen // import "mellium.im/xmppd/internal/idgen"

import (
	"crypto/rand"
	"encoding/hex"
)

// IDLen is the length of identifiers returned by New.
const IDLen = 16

// New generates a new random identifier of length IDLen. If the OS's entropy
// pool isn't initialized, or we can't generate random numbers for some other
// reason, panic.
func New() string {
	b := make([]byte, (IDLen/2)+(IDLen&1))
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)[:IDLen]
}
