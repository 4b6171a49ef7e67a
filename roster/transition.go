// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package roster

import (
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

// sendTransition returns the sender's new subscription state toward the
// contact after the sender emits a subscription presence of the given type,
// and whether the state changed. Transitions that do not apply to the
// current state leave it unchanged, so repeating a request is harmless.
func sendTransition(s storage.Subscription, t stanza.PresenceType) (storage.Subscription, bool) {
	switch t {
	case stanza.SubscribePresence:
		if s == storage.SubNone || s == "" {
			return storage.SubPendingOut, true
		}
	case stanza.SubscribedPresence:
		// Approving the contact's request grants them visibility.
		switch s {
		case storage.SubNone, storage.SubPendingIn, "":
			return storage.SubFrom, true
		case storage.SubTo:
			return storage.SubBoth, true
		}
	case stanza.UnsubscribePresence:
		// The sender stops receiving the contact's presence.
		switch s {
		case storage.SubTo:
			return storage.SubNone, true
		case storage.SubBoth:
			return storage.SubFrom, true
		case storage.SubPendingOut:
			return storage.SubNone, true
		}
	case stanza.UnsubscribedPresence:
		// The sender revokes the contact's visibility, or denies a pending
		// request.
		switch s {
		case storage.SubFrom:
			return storage.SubNone, true
		case storage.SubBoth:
			return storage.SubTo, true
		case storage.SubPendingIn:
			return storage.SubNone, true
		}
	}
	return s, false
}

// recvTransition returns the receiver's new subscription state toward the
// sender after a subscription presence of the given type arrives.
func recvTransition(s storage.Subscription, t stanza.PresenceType) (storage.Subscription, bool) {
	switch t {
	case stanza.SubscribePresence:
		if s == storage.SubNone || s == "" {
			return storage.SubPendingIn, true
		}
	case stanza.SubscribedPresence:
		switch s {
		case storage.SubPendingOut, storage.SubNone, storage.SubPendingIn, "":
			return storage.SubTo, true
		case storage.SubFrom:
			return storage.SubBoth, true
		}
	case stanza.UnsubscribePresence:
		// The sender gave up their subscription to the receiver.
		switch s {
		case storage.SubFrom:
			return storage.SubNone, true
		case storage.SubBoth:
			return storage.SubTo, true
		case storage.SubPendingIn:
			return storage.SubNone, true
		}
	case stanza.UnsubscribedPresence:
		// The sender revoked or denied the receiver's subscription.
		switch s {
		case storage.SubTo:
			return storage.SubNone, true
		case storage.SubBoth:
			return storage.SubFrom, true
		case storage.SubPendingOut:
			return storage.SubNone, true
		}
	}
	return s, false
}

// subscribedToOwner reports whether a contact in state s receives the
// owner's presence broadcasts.
func subscribedToOwner(s storage.Subscription) bool {
	return s == storage.SubFrom || s == storage.SubBoth
}

// ownerSubscribed reports whether the owner of an item in state s receives
// the contact's presence.
func ownerSubscribed(s storage.Subscription) bool {
	return s == storage.SubTo || s == storage.SubBoth
}
