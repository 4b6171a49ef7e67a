// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/offline"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

type fakeSession struct {
	id   string
	addr jid.JID
	pres stanza.Presence

	mu       sync.Mutex
	sent     []stanza.Stanza
	closed   []stream.Error
	sendErr  error
	sendDone chan struct{}
}

func newFakeSession(id, addr string, priority int8) *fakeSession {
	return &fakeSession{
		id:   id,
		addr: jid.MustParse(addr),
		pres: stanza.Presence{Priority: priority},
	}
}

func (s *fakeSession) ID() string                { return s.id }
func (s *fakeSession) JID() jid.JID              { return s.addr }
func (s *fakeSession) Presence() stanza.Presence { return s.pres }

func (s *fakeSession) Send(st stanza.Stanza) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, st)
	if s.sendDone != nil {
		close(s.sendDone)
		s.sendDone = nil
	}
	return nil
}

func (s *fakeSession) CloseWithError(serr stream.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, serr)
}

func (s *fakeSession) sentStanzas() []stanza.Stanza {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stanza.Stanza, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakePresence struct {
	mu      sync.Mutex
	handled []stanza.Presence
}

func (f *fakePresence) HandlePresence(_ context.Context, p stanza.Presence, _ router.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, p)
	return nil
}

type fakeIQ struct {
	handled []stanza.IQ
}

func (f *fakeIQ) HandleIQ(_ context.Context, iq stanza.IQ, _ router.Session) error {
	f.handled = append(f.handled, iq)
	return nil
}

type fakeAccounts struct {
	known map[string]bool
	err   error
}

func (f *fakeAccounts) Exists(_ context.Context, username string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.known[username], nil
}

type testRig struct {
	router   *router.Router
	registry *router.Registry
	presence *fakePresence
	iq       *fakeIQ
	offline  *offline.Memory
	accounts *fakeAccounts
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		registry: router.NewRegistry(),
		presence: &fakePresence{},
		iq:       &fakeIQ{},
		offline:  offline.NewMemory(0),
		accounts: &fakeAccounts{known: map[string]bool{"romeo": true, "juliet": true}},
	}
	rig.router = router.New(router.Config{
		Domain:   jid.MustParse("example.net"),
		Registry: rig.registry,
		Presence: rig.presence,
		IQ:       rig.iq,
		Offline:  rig.offline,
		Accounts: rig.accounts,
	})
	return rig
}

func TestRegistryEvictsOldest(t *testing.T) {
	reg := router.NewRegistry()
	first := newFakeSession("a", "romeo@example.net/balcony", 0)
	second := newFakeSession("b", "romeo@example.net/balcony", 0)

	if evicted := reg.Register(first); evicted != nil {
		t.Fatalf("unexpected eviction on first register: %v", evicted.JID())
	}
	evicted := reg.Register(second)
	require.NotNil(t, evicted)
	assert.Equal(t, "a", evicted.ID())

	got, ok := reg.Lookup(jid.MustParse("romeo@example.net/balcony"))
	require.True(t, ok)
	assert.Equal(t, "b", got.ID())

	// A late unregister from the evicted session must not remove its
	// replacement.
	reg.Unregister(first)
	_, ok = reg.Lookup(jid.MustParse("romeo@example.net/balcony"))
	assert.True(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryConcurrentRegister(t *testing.T) {
	const n = 32
	reg := router.NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("romeo@example.net/res%d", i)
			reg.Register(newFakeSession(fmt.Sprintf("s%d", i), addr, 0))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, reg.Len())
	assert.Len(t, reg.SessionsFor(jid.MustParse("romeo@example.net")), n)
}

func TestRouteMessageHighestPriority(t *testing.T) {
	rig := newTestRig(t)
	low := newFakeSession("low", "juliet@example.net/garden", 5)
	high := newFakeSession("high", "juliet@example.net/balcony", 10)
	rig.registry.Register(low)
	rig.registry.Register(high)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	msg := stanza.Message{
		Type: stanza.ChatMessage,
		From: sender.JID(),
		To:   jid.MustParse("juliet@example.net"),
		Body: "wherefore art thou",
	}
	err := rig.router.Route(context.Background(), msg, sender)
	require.NoError(t, err)

	require.Len(t, high.sentStanzas(), 1)
	assert.Empty(t, low.sentStanzas())
	got := high.sentStanzas()[0].(stanza.Message)
	assert.Equal(t, "wherefore art thou", got.Body)
}

func TestRouteMessageSkipsNegativePriority(t *testing.T) {
	rig := newTestRig(t)
	hidden := newFakeSession("hidden", "juliet@example.net/garden", -1)
	rig.registry.Register(hidden)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	msg := stanza.Message{
		Type: stanza.ChatMessage,
		From: sender.JID(),
		To:   jid.MustParse("juliet@example.net"),
		Body: "hello",
	}
	err := rig.router.Route(context.Background(), msg, sender)
	require.NoError(t, err)

	assert.Empty(t, hidden.sentStanzas())
	queued, err := rig.offline.Drain(context.Background(), jid.MustParse("juliet@example.net"))
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "hello", queued[0].Body)
}

func TestRouteMessageOfflineEnqueue(t *testing.T) {
	rig := newTestRig(t)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	msg := stanza.Message{
		ID:   "m1",
		Type: stanza.ChatMessage,
		From: sender.JID(),
		To:   jid.MustParse("juliet@example.net"),
		Body: "good night",
	}
	err := rig.router.Route(context.Background(), msg, sender)
	require.NoError(t, err)

	queued, err := rig.offline.Drain(context.Background(), jid.MustParse("juliet@example.net"))
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "m1", queued[0].ID)
	assert.Equal(t, "good night", queued[0].Body)
	assert.Empty(t, sender.sentStanzas())
}

func TestRouteMessageUnknownAccount(t *testing.T) {
	rig := newTestRig(t)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	msg := stanza.Message{
		Type: stanza.ChatMessage,
		From: sender.JID(),
		To:   jid.MustParse("nobody@example.net"),
		Body: "anyone there",
	}
	err := rig.router.Route(context.Background(), msg, sender)
	require.ErrorIs(t, err, router.ErrDestinationUnknown)

	sent := sender.sentStanzas()
	require.Len(t, sent, 1)
	reply := sent[0].(stanza.Message)
	assert.Equal(t, stanza.ErrorMessage, reply.Type)
	require.NotNil(t, reply.Err)
	assert.Equal(t, stanza.ServiceUnavailable, reply.Err.Condition)
	assert.True(t, reply.To.Equal(sender.JID()))
}

func TestRouteMessageForeignDomain(t *testing.T) {
	rig := newTestRig(t)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	msg := stanza.Message{
		Type: stanza.ChatMessage,
		From: sender.JID(),
		To:   jid.MustParse("someone@elsewhere.example"),
	}
	err := rig.router.Route(context.Background(), msg, sender)
	require.ErrorIs(t, err, router.ErrDestinationUnknown)

	sent := sender.sentStanzas()
	require.Len(t, sent, 1)
	reply := sent[0].(stanza.Message)
	require.NotNil(t, reply.Err)
	assert.Equal(t, stanza.RemoteServerNotFound, reply.Err.Condition)
}

func TestRouteMessageFullJIDMiss(t *testing.T) {
	rig := newTestRig(t)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	msg := stanza.Message{
		Type: stanza.ChatMessage,
		From: sender.JID(),
		To:   jid.MustParse("juliet@example.net/gone"),
		Body: "late reply",
	}
	// The account exists but the named resource is gone; the message falls
	// back to the offline queue rather than being dropped.
	err := rig.router.Route(context.Background(), msg, sender)
	require.NoError(t, err)

	queued, err := rig.offline.Drain(context.Background(), jid.MustParse("juliet@example.net"))
	require.NoError(t, err)
	require.Len(t, queued, 1)
}

func TestRouteErrorStanzaNeverRebounced(t *testing.T) {
	rig := newTestRig(t)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	bounce := stanza.Message{
		Type: stanza.ErrorMessage,
		From: sender.JID(),
		To:   jid.MustParse("nobody@example.net"),
		Err:  &stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable},
	}
	err := rig.router.Route(context.Background(), bounce, sender)
	require.NoError(t, err)
	// No error reply comes back even though the destination is unknown.
	assert.Empty(t, sender.sentStanzas())
}

func TestRoutePresenceToEngine(t *testing.T) {
	rig := newTestRig(t)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	p := stanza.Presence{Type: stanza.SubscribePresence, From: sender.JID().Bare(), To: jid.MustParse("juliet@example.net")}
	err := rig.router.Route(context.Background(), p, sender)
	require.NoError(t, err)
	require.Len(t, rig.presence.handled, 1)
	assert.Equal(t, stanza.SubscribePresence, rig.presence.handled[0].Type)
}

func TestRouteDirectedPresence(t *testing.T) {
	rig := newTestRig(t)
	dest := newFakeSession("d", "juliet@example.net/balcony", 0)
	rig.registry.Register(dest)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	p := stanza.Presence{From: sender.JID(), To: dest.JID()}
	err := rig.router.Route(context.Background(), p, sender)
	require.NoError(t, err)
	require.Len(t, dest.sentStanzas(), 1)
	assert.Empty(t, rig.presence.handled)

	// Directed presence to a missing resource is silently dropped.
	p.To = jid.MustParse("juliet@example.net/nowhere")
	err = rig.router.Route(context.Background(), p, sender)
	require.NoError(t, err)
	assert.Empty(t, sender.sentStanzas())
}

func TestRouteIQServerAddressed(t *testing.T) {
	rig := newTestRig(t)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	for _, to := range []string{"", "example.net", "romeo@example.net"} {
		iq := stanza.IQ{ID: "i1", Type: stanza.GetIQ, From: sender.JID()}
		if to != "" {
			iq.To = jid.MustParse(to)
		}
		err := rig.router.Route(context.Background(), iq, sender)
		require.NoError(t, err)
	}
	assert.Len(t, rig.iq.handled, 3)
}

func TestRouteIQMalformed(t *testing.T) {
	rig := newTestRig(t)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	iq := stanza.IQ{Type: stanza.GetIQ, From: sender.JID()}
	err := rig.router.Route(context.Background(), iq, sender)
	require.ErrorIs(t, err, router.ErrMalformedStanza)

	sent := sender.sentStanzas()
	require.Len(t, sent, 1)
	reply := sent[0].(stanza.IQ)
	assert.Equal(t, stanza.ErrorIQ, reply.Type)
	require.NotNil(t, reply.Err)
	assert.Equal(t, stanza.BadRequest, reply.Err.Condition)
}

func TestRouteIQFullJID(t *testing.T) {
	rig := newTestRig(t)
	dest := newFakeSession("d", "juliet@example.net/balcony", 0)
	rig.registry.Register(dest)
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	iq := stanza.IQ{ID: "i2", Type: stanza.GetIQ, From: sender.JID(), To: dest.JID()}
	err := rig.router.Route(context.Background(), iq, sender)
	require.NoError(t, err)
	require.Len(t, dest.sentStanzas(), 1)

	// A query to a vanished resource is dropped without a bounce.
	iq.To = jid.MustParse("juliet@example.net/nowhere")
	err = rig.router.Route(context.Background(), iq, sender)
	require.NoError(t, err)
	assert.Empty(t, sender.sentStanzas())
}

func TestRouteMessageAccountLookupFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.accounts.err = errors.New("backend down")
	sender := newFakeSession("s", "romeo@example.net/home", 0)

	msg := stanza.Message{
		Type: stanza.ChatMessage,
		From: sender.JID(),
		To:   jid.MustParse("juliet@example.net"),
	}
	err := rig.router.Route(context.Background(), msg, sender)
	require.Error(t, err)
	assert.NotErrorIs(t, err, router.ErrDestinationUnknown)

	sent := sender.sentStanzas()
	require.Len(t, sent, 1)
	reply := sent[0].(stanza.Message)
	require.NotNil(t, reply.Err)
	assert.Equal(t, stanza.InternalServerError, reply.Err.Condition)
}
