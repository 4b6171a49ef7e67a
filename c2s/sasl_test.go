// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package c2s

import (
	"crypto/sha256"
	"strconv"
	"testing"

	"mellium.im/sasl"
)

var scramUsernameTests = [...]struct {
	msg  string
	want string
}{
	0: {"n,,n=romeo,r=fyko+d2lbbFgONRv9qkxdawL", "romeo"},
	1: {"y,,n=juliet,r=abc", "juliet"},
	2: {"n,a=admin,n=romeo,r=abc", "romeo"},
	3: {"n,,r=abc", ""},
	4: {"garbage", ""},
	5: {"n,,n=we=2Cird=3Dname,r=abc", "we,ird=name"},
	6: {"", ""},
}

func TestScramUsername(t *testing.T) {
	for i, tc := range scramUsernameTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if got := scramUsername([]byte(tc.msg)); got != tc.want {
				t.Errorf("scramUsername(%q) = %q, want %q", tc.msg, got, tc.want)
			}
		})
	}
}

var scramExchangeTests = [...]struct {
	stored string
	given  string
	ok     bool
}{
	0: {"secret", "secret", true},
	1: {"secret", "wrong", false},
}

// TestScramExchange drives a full exchange using the library's client
// against the local server half, including the client's verification of the
// server signature.
func TestScramExchange(t *testing.T) {
	for i, tc := range scramExchangeTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			given := tc.given
			client := sasl.NewClient(sasl.ScramSha256, sasl.Credentials(func() ([]byte, []byte, []byte) {
				return []byte("romeo"), []byte(given), nil
			}))
			srv := newScramServer(sha256.New, []byte(tc.stored))

			more, clientFirst, err := client.Step(nil)
			if err != nil || !more {
				t.Fatalf("client first message: more=%v err=%v", more, err)
			}
			more, serverFirst, err := srv.Step(clientFirst)
			if err != nil || !more {
				t.Fatalf("server first message: more=%v err=%v", more, err)
			}
			more, clientFinal, err := client.Step(serverFirst)
			if err != nil || !more {
				t.Fatalf("client final message: more=%v err=%v", more, err)
			}
			more, serverFinal, err := srv.Step(clientFinal)
			if !tc.ok {
				if err == nil {
					t.Fatal("expected proof verification to fail")
				}
				return
			}
			if err != nil || more {
				t.Fatalf("server final message: more=%v err=%v", more, err)
			}
			if more, _, err = client.Step(serverFinal); err != nil || more {
				t.Fatalf("client rejected server signature: more=%v err=%v", more, err)
			}
		})
	}
}

func TestScramRejectsChannelBindingHeader(t *testing.T) {
	srv := newScramServer(sha256.New, []byte("secret"))
	if _, _, err := srv.Step([]byte("p=tls-unique,,n=romeo,r=abc")); err == nil {
		t.Error("expected a channel binding header to be rejected")
	}
}

var saslDataTests = [...]struct {
	in      string
	want    string
	wantErr bool
}{
	0: {"", "", false},
	1: {"=", "", false},
	2: {"AGZvbwBiYXI=", "\x00foo\x00bar", false},
	3: {"!!!", "", true},
}

func TestDecodeSASLData(t *testing.T) {
	for i, tc := range saslDataTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			got, err := decodeSASLData(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("decodeSASLData(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeSASLData(%q): %v", tc.in, err)
			}
			if string(got) != tc.want {
				t.Errorf("decodeSASLData(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
