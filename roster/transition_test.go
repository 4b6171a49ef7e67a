// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package roster

import (
	"strconv"
	"testing"

	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

var sendTransitionTests = [...]struct {
	state   storage.Subscription
	ptype   stanza.PresenceType
	want    storage.Subscription
	changed bool
}{
	0:  {storage.SubNone, stanza.SubscribePresence, storage.SubPendingOut, true},
	1:  {storage.SubPendingOut, stanza.SubscribePresence, storage.SubPendingOut, false},
	2:  {storage.SubTo, stanza.SubscribePresence, storage.SubTo, false},
	3:  {storage.SubPendingIn, stanza.SubscribedPresence, storage.SubFrom, true},
	4:  {storage.SubTo, stanza.SubscribedPresence, storage.SubBoth, true},
	5:  {storage.SubBoth, stanza.SubscribedPresence, storage.SubBoth, false},
	6:  {storage.SubTo, stanza.UnsubscribePresence, storage.SubNone, true},
	7:  {storage.SubBoth, stanza.UnsubscribePresence, storage.SubFrom, true},
	8:  {storage.SubPendingOut, stanza.UnsubscribePresence, storage.SubNone, true},
	9:  {storage.SubNone, stanza.UnsubscribePresence, storage.SubNone, false},
	10: {storage.SubFrom, stanza.UnsubscribedPresence, storage.SubNone, true},
	11: {storage.SubBoth, stanza.UnsubscribedPresence, storage.SubTo, true},
	12: {storage.SubPendingIn, stanza.UnsubscribedPresence, storage.SubNone, true},
	13: {"", stanza.SubscribePresence, storage.SubPendingOut, true},
}

func TestSendTransition(t *testing.T) {
	for i, tc := range sendTransitionTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			got, changed := sendTransition(tc.state, tc.ptype)
			if got != tc.want || changed != tc.changed {
				t.Errorf("sendTransition(%q, %q) = %q, %t want %q, %t",
					tc.state, tc.ptype, got, changed, tc.want, tc.changed)
			}
		})
	}
}

var recvTransitionTests = [...]struct {
	state   storage.Subscription
	ptype   stanza.PresenceType
	want    storage.Subscription
	changed bool
}{
	0:  {storage.SubNone, stanza.SubscribePresence, storage.SubPendingIn, true},
	1:  {storage.SubPendingIn, stanza.SubscribePresence, storage.SubPendingIn, false},
	2:  {storage.SubFrom, stanza.SubscribePresence, storage.SubFrom, false},
	3:  {storage.SubPendingOut, stanza.SubscribedPresence, storage.SubTo, true},
	4:  {storage.SubFrom, stanza.SubscribedPresence, storage.SubBoth, true},
	5:  {storage.SubBoth, stanza.SubscribedPresence, storage.SubBoth, false},
	6:  {storage.SubFrom, stanza.UnsubscribePresence, storage.SubNone, true},
	7:  {storage.SubBoth, stanza.UnsubscribePresence, storage.SubTo, true},
	8:  {storage.SubPendingIn, stanza.UnsubscribePresence, storage.SubNone, true},
	9:  {storage.SubTo, stanza.UnsubscribedPresence, storage.SubNone, true},
	10: {storage.SubBoth, stanza.UnsubscribedPresence, storage.SubFrom, true},
	11: {storage.SubPendingOut, stanza.UnsubscribedPresence, storage.SubNone, true},
	12: {storage.SubNone, stanza.UnsubscribedPresence, storage.SubNone, false},
}

func TestRecvTransition(t *testing.T) {
	for i, tc := range recvTransitionTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			got, changed := recvTransition(tc.state, tc.ptype)
			if got != tc.want || changed != tc.changed {
				t.Errorf("recvTransition(%q, %q) = %q, %t want %q, %t",
					tc.state, tc.ptype, got, changed, tc.want, tc.changed)
			}
		})
	}
}
