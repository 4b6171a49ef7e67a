// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package roster maintains presence subscriptions and contact lists.
//
// The engine owns all roster mutation: the stanza router forwards
// subscription presence and roster queries here and never touches stored
// state itself.
package roster

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mellium.im/xmppd/internal/idgen"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/offline"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
)

var presenceBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xmppd_presence_broadcasts_total",
	Help: "Presence stanzas fanned out to subscribed contacts.",
}, []string{"type"})

// Engine applies the presence subscription state machine and fans out
// presence updates to interested contacts.
type Engine struct {
	domain   jid.JID
	store    storage.RosterStore
	accounts storage.AccountStore
	registry *router.Registry
	offline  offline.Queue
	logger   *slog.Logger
}

// Config collects the engine's collaborators.
type Config struct {
	// Domain is the server's own address.
	Domain jid.JID
	// Store persists roster items. Required.
	Store storage.RosterStore
	// Accounts is consulted before recording subscriptions to unknown
	// principals.
	Accounts storage.AccountStore
	// Registry locates the bound sessions of local principals. Required.
	Registry *router.Registry
	// Offline is drained into a session on its first available presence.
	Offline offline.Queue
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		domain:   cfg.Domain.Domain(),
		store:    cfg.Store,
		accounts: cfg.Accounts,
		registry: cfg.Registry,
		offline:  cfg.Offline,
		logger:   logger.With("component", "roster"),
	}
}

// HandlePresence processes a presence stanza addressed to a bare address or
// to no one, applying subscription transitions and broadcast rules.
func (e *Engine) HandlePresence(ctx context.Context, p stanza.Presence, sender router.Session) error {
	switch p.Type {
	case stanza.AvailablePresence:
		return e.handleAvailable(ctx, p, sender)
	case stanza.UnavailablePresence:
		return e.broadcastFrom(ctx, sender.JID(), p)
	case stanza.SubscribePresence, stanza.SubscribedPresence,
		stanza.UnsubscribePresence, stanza.UnsubscribedPresence:
		return e.handleSubscription(ctx, p, sender)
	case stanza.ProbePresence:
		return e.handleProbe(ctx, p, sender)
	default:
		e.logger.DebugContext(ctx, "ignoring presence", "type", p.Type)
		return nil
	}
}

// handleAvailable broadcasts the new presence to every contact subscribed
// to the sender, mirrors each such contact's current presence back, and
// flushes any messages queued while the principal was offline.
func (e *Engine) handleAvailable(ctx context.Context, p stanza.Presence, sender router.Session) error {
	owner := sender.JID()
	items, err := e.store.Load(ctx, owner.Bare())
	if err != nil {
		return fmt.Errorf("roster: loading %s: %w", owner.Bare(), err)
	}

	p.From = owner
	for _, item := range items {
		if !subscribedToOwner(item.Subscription) {
			continue
		}
		e.deliverToAll(item.Contact, func(to jid.JID) stanza.Stanza {
			out := p
			out.To = to
			return out
		})
		presenceBroadcasts.WithLabelValues("available").Inc()

		// The probe convention: the newly available principal learns each
		// online contact's current presence without asking.
		for _, cs := range e.registry.SessionsFor(item.Contact) {
			cur := cs.Presence()
			if cur.Type != stanza.AvailablePresence {
				continue
			}
			cur.From = cs.JID()
			cur.To = owner
			if err := sender.Send(cur); err != nil {
				return nil
			}
		}
	}

	return e.drainOffline(ctx, sender)
}

// drainOffline delivers queued messages to the session in arrival order.
func (e *Engine) drainOffline(ctx context.Context, sender router.Session) error {
	if e.offline == nil {
		return nil
	}
	msgs, err := e.offline.Drain(ctx, sender.JID().Bare())
	if err != nil {
		return fmt.Errorf("roster: draining offline queue for %s: %w", sender.JID().Bare(), err)
	}
	for i, m := range msgs {
		if err := sender.Send(m); err != nil {
			// The session died mid-drain; requeue what is left.
			for _, rest := range msgs[i:] {
				_ = e.offline.Enqueue(ctx, sender.JID().Bare(), rest)
			}
			return nil
		}
	}
	return nil
}

// BroadcastUnavailable announces that the given full address has gone
// offline to every contact subscribed to its presence. It is called from
// session teardown and must be safe to call after the registry has already
// dropped the session.
func (e *Engine) BroadcastUnavailable(ctx context.Context, from jid.JID) error {
	return e.broadcastFrom(ctx, from, stanza.Presence{Type: stanza.UnavailablePresence})
}

func (e *Engine) broadcastFrom(ctx context.Context, from jid.JID, p stanza.Presence) error {
	items, err := e.store.Load(ctx, from.Bare())
	if err != nil {
		return fmt.Errorf("roster: loading %s: %w", from.Bare(), err)
	}
	p.From = from
	for _, item := range items {
		if !subscribedToOwner(item.Subscription) {
			continue
		}
		e.deliverToAll(item.Contact, func(to jid.JID) stanza.Stanza {
			out := p
			out.To = to
			return out
		})
		presenceBroadcasts.WithLabelValues(string(p.Type)).Inc()
	}
	return nil
}

// handleSubscription applies one subscription presence to both sides of
// the (sender, contact) pair and relays it to the contact.
func (e *Engine) handleSubscription(ctx context.Context, p stanza.Presence, sender router.Session) error {
	from := sender.JID().Bare()
	to := p.To.Bare()
	if to.IsZero() || to.Localpart() == "" {
		e.replyError(sender, p, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
		return fmt.Errorf("roster: subscription presence without a contact address")
	}
	if to.Domainpart() != e.domain.Domainpart() {
		e.replyError(sender, p, stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound})
		return fmt.Errorf("roster: subscription to foreign domain %s", to.Domainpart())
	}
	if from.MatchesBare(to) {
		e.replyError(sender, p, stanza.Error{Type: stanza.Modify, Condition: stanza.NotAcceptable})
		return fmt.Errorf("roster: self subscription from %s", from)
	}
	if e.accounts != nil && p.Type == stanza.SubscribePresence {
		exists, err := e.accounts.Exists(ctx, to.Localpart())
		if err != nil {
			e.replyError(sender, p, stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError})
			return fmt.Errorf("roster: looking up %s: %w", to, err)
		}
		if !exists {
			e.replyError(sender, p, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
			return fmt.Errorf("roster: subscription to unknown account %s", to)
		}
	}

	senderItem, err := e.itemFor(ctx, from, to)
	if err != nil {
		return err
	}
	contactItem, err := e.itemFor(ctx, to, from)
	if err != nil {
		return err
	}

	// A subscribe to a contact who already granted visibility is answered
	// on the contact's behalf without bothering them again.
	if p.Type == stanza.SubscribePresence && ownerSubscribed(senderItem.Subscription) {
		ack := stanza.Presence{Type: stanza.SubscribedPresence, From: to, To: from}
		_ = sender.Send(ack)
		return nil
	}

	if next, changed := sendTransition(senderItem.Subscription, p.Type); changed {
		senderItem.Subscription = next
		if err := e.store.Upsert(ctx, senderItem); err != nil {
			return fmt.Errorf("roster: storing %s item for %s: %w", from, to, err)
		}
		e.push(from, senderItem)
	}

	wasSubscribed := ownerSubscribed(contactItem.Subscription)
	if next, changed := recvTransition(contactItem.Subscription, p.Type); changed {
		contactItem.Subscription = next
		if err := e.store.Upsert(ctx, contactItem); err != nil {
			return fmt.Errorf("roster: storing %s item for %s: %w", to, from, err)
		}
		e.push(to, contactItem)
	}

	// Relay the subscription presence to the contact's sessions using bare
	// addressing.
	relay := p
	relay.From = from
	relay.To = to
	e.deliverToAll(to, func(jid.JID) stanza.Stanza { return relay })

	// A freshly granted subscription entitles the contact to the sender's
	// current presence immediately.
	if p.Type == stanza.SubscribedPresence && !wasSubscribed {
		for _, os := range e.registry.SessionsFor(from) {
			cur := os.Presence()
			if cur.Type != stanza.AvailablePresence {
				continue
			}
			cur.From = os.JID()
			e.deliverToAll(to, func(full jid.JID) stanza.Stanza {
				out := cur
				out.To = full
				return out
			})
		}
	}
	return nil
}

// handleProbe answers a presence probe with the probed principal's current
// presence, if the prober is entitled to it.
func (e *Engine) handleProbe(ctx context.Context, p stanza.Presence, sender router.Session) error {
	from := sender.JID().Bare()
	to := p.To.Bare()
	if to.IsZero() || to.Localpart() == "" {
		return nil
	}
	item, err := e.itemFor(ctx, to, from)
	if err != nil {
		return err
	}
	if !subscribedToOwner(item.Subscription) {
		return nil
	}
	for _, ts := range e.registry.SessionsFor(to) {
		cur := ts.Presence()
		if cur.Type != stanza.AvailablePresence {
			continue
		}
		cur.From = ts.JID()
		cur.To = sender.JID()
		if err := sender.Send(cur); err != nil {
			return nil
		}
	}
	return nil
}

// HandleRosterIQ serves jabber:iq:roster get and set queries.
func (e *Engine) HandleRosterIQ(ctx context.Context, iq stanza.IQ, sender router.Session) error {
	owner := sender.JID().Bare()
	switch iq.Type {
	case stanza.GetIQ:
		items, err := e.store.Load(ctx, owner)
		if err != nil {
			_ = sender.Send(iq.Error(stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}))
			return fmt.Errorf("roster: loading %s: %w", owner, err)
		}
		return sender.Send(iq.Result(queryPayload(items...)))
	case stanza.SetIQ:
		return e.handleRosterSet(ctx, iq, sender)
	default:
		_ = sender.Send(iq.Error(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}))
		return fmt.Errorf("roster: unsupported roster query type %q", iq.Type)
	}
}

func (e *Engine) handleRosterSet(ctx context.Context, iq stanza.IQ, sender router.Session) error {
	owner := sender.JID().Bare()
	query, ok := iq.Child(ns.Roster, "query")
	if !ok {
		_ = sender.Send(iq.Error(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}))
		return fmt.Errorf("roster: set without query element")
	}
	item, ok := query.Child("item")
	if !ok {
		_ = sender.Send(iq.Error(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}))
		return fmt.Errorf("roster: set without item element")
	}
	contact, err := jid.Parse(item.Attrib("jid"))
	if err != nil || contact.Localpart() == "" {
		_ = sender.Send(iq.Error(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}))
		return fmt.Errorf("roster: set with bad contact address %q", item.Attrib("jid"))
	}
	contact = contact.Bare()

	if item.Attrib("subscription") == "remove" {
		if err := e.store.Remove(ctx, owner, contact); err != nil {
			_ = sender.Send(iq.Error(stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}))
			return fmt.Errorf("roster: removing %s from %s: %w", contact, owner, err)
		}
		e.pushRemoval(owner, contact)
		return sender.Send(iq.Result())
	}

	// Name and group edits preserve the subscription state, which only the
	// presence protocol may change.
	stored, err := e.itemFor(ctx, owner, contact)
	if err != nil {
		_ = sender.Send(iq.Error(stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}))
		return err
	}
	stored.Name = item.Attrib("name")
	stored.Groups = nil
	for _, c := range item.Children {
		if c.XMLName.Local == "group" && c.Text != "" {
			stored.Groups = append(stored.Groups, c.Text)
		}
	}
	if err := e.store.Upsert(ctx, stored); err != nil {
		_ = sender.Send(iq.Error(stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}))
		return fmt.Errorf("roster: storing %s item for %s: %w", owner, contact, err)
	}
	e.push(owner, stored)
	return sender.Send(iq.Result())
}

// itemFor returns the stored item for (owner, contact), or a fresh item in
// the none state if the pair has no history.
func (e *Engine) itemFor(ctx context.Context, owner, contact jid.JID) (storage.RosterItem, error) {
	items, err := e.store.Load(ctx, owner)
	if err != nil {
		return storage.RosterItem{}, fmt.Errorf("roster: loading %s: %w", owner, err)
	}
	for _, item := range items {
		if item.Contact.MatchesBare(contact) {
			return item, nil
		}
	}
	return storage.RosterItem{
		Owner:        owner,
		Contact:      contact,
		Subscription: storage.SubNone,
	}, nil
}

// push sends a roster push carrying the updated item to every bound
// resource of the owner.
func (e *Engine) push(owner jid.JID, item storage.RosterItem) {
	e.deliverToAll(owner, func(full jid.JID) stanza.Stanza {
		return stanza.IQ{
			ID:      idgen.New(),
			Type:    stanza.SetIQ,
			To:      full,
			Payload: []stanza.Payload{queryPayload(item)},
		}
	})
}

func (e *Engine) pushRemoval(owner, contact jid.JID) {
	query := stanza.NewPayload(ns.Roster, "query")
	item := stanza.NewPayload(ns.Roster, "item")
	item.Attr = []xml.Attr{
		{Name: xml.Name{Local: "jid"}, Value: contact.String()},
		{Name: xml.Name{Local: "subscription"}, Value: "remove"},
	}
	query.Children = []stanza.Payload{item}
	e.deliverToAll(owner, func(full jid.JID) stanza.Stanza {
		return stanza.IQ{
			ID:      idgen.New(),
			Type:    stanza.SetIQ,
			To:      full,
			Payload: []stanza.Payload{query},
		}
	})
}

// deliverToAll sends the stanza built by mk to every bound resource of the
// bare address. Send failures mean the session is tearing down and are
// ignored.
func (e *Engine) deliverToAll(bare jid.JID, mk func(full jid.JID) stanza.Stanza) {
	for _, s := range e.registry.SessionsFor(bare) {
		if err := s.Send(mk(s.JID())); err != nil {
			e.logger.Debug("skipping closing session", "to", s.JID())
		}
	}
}

func (e *Engine) replyError(sender router.Session, p stanza.Presence, serr stanza.Error) {
	if err := sender.Send(p.Error(serr)); err != nil {
		e.logger.Debug("failed to return presence error", "err", err)
	}
}

// queryPayload builds a jabber:iq:roster query element holding the given
// items.
func queryPayload(items ...storage.RosterItem) stanza.Payload {
	query := stanza.NewPayload(ns.Roster, "query")
	for _, item := range items {
		el := stanza.NewPayload(ns.Roster, "item")
		el.Attr = []xml.Attr{{Name: xml.Name{Local: "jid"}, Value: item.Contact.String()}}
		if item.Name != "" {
			el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "name"}, Value: item.Name})
		}
		sub, ask := wireSubscription(item.Subscription)
		el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "subscription"}, Value: sub})
		if ask != "" {
			el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "ask"}, Value: ask})
		}
		for _, g := range item.Groups {
			group := stanza.NewPayload(ns.Roster, "group")
			group.Text = g
			el.Children = append(el.Children, group)
		}
		query.Children = append(query.Children, el)
	}
	return query
}

// wireSubscription maps a stored subscription state to the subscription and
// ask attributes used on the wire. The pending inbound state is invisible
// to the owner until they answer.
func wireSubscription(s storage.Subscription) (sub, ask string) {
	switch s {
	case storage.SubTo:
		return "to", ""
	case storage.SubFrom:
		return "from", ""
	case storage.SubBoth:
		return "both", ""
	case storage.SubPendingOut:
		return "none", "subscribe"
	default:
		return "none", ""
	}
}
