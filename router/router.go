// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

var routedStanzas = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xmppd_routed_stanzas_total",
	Help: "Stanzas processed by the router, by kind and outcome.",
}, []string{"kind", "outcome"})

// Routing outcomes reported to callers. Each maps to a protocol error
// stanza returned to the sender; none of them leak internal failures to the
// wire.
var (
	// ErrDestinationOffline is returned when the destination account exists
	// but has no eligible bound resource and no offline queue is configured.
	ErrDestinationOffline = errors.New("router: destination offline")

	// ErrDestinationUnknown is returned when the destination bare address
	// has no account.
	ErrDestinationUnknown = errors.New("router: destination unknown")

	// ErrMalformedStanza is returned when a stanza is missing a mandatory
	// to/type combination.
	ErrMalformedStanza = errors.New("router: malformed stanza")
)

// PresenceHandler receives presence stanzas that require subscription or
// broadcast processing. It is implemented by the roster engine.
type PresenceHandler interface {
	HandlePresence(ctx context.Context, p stanza.Presence, sender Session) error
}

// IQHandler receives info/query stanzas addressed to the server itself or
// to the sender's own bare address.
type IQHandler interface {
	HandleIQ(ctx context.Context, iq stanza.IQ, sender Session) error
}

// AccountDirectory reports whether a local account exists. It is satisfied
// by storage.AccountStore.
type AccountDirectory interface {
	Exists(ctx context.Context, username string) (bool, error)
}

// OfflineQueue is the hook invoked for messages to principals with no
// eligible resources. It is satisfied by offline.Queue.
type OfflineQueue interface {
	Enqueue(ctx context.Context, to jid.JID, msg stanza.Message) error
}

// Router applies the server rules for processing XML stanzas, delivering to
// live sessions through the registry and deferring presence and
// server-addressed queries to their handlers.
type Router struct {
	domain   jid.JID
	registry *Registry
	presence PresenceHandler
	iq       IQHandler
	offline  OfflineQueue
	accounts AccountDirectory
	logger   *slog.Logger
}

// Config collects the router's collaborators.
type Config struct {
	// Domain is the server's own address.
	Domain jid.JID
	// Registry indexes the bound sessions.
	Registry *Registry
	// Presence handles subscription state and broadcast. Required.
	Presence PresenceHandler
	// IQ handles server-addressed queries. Required.
	IQ IQHandler
	// Offline receives messages for accounts with no eligible resources.
	// Optional; without it such messages fail with recipient-unavailable.
	Offline OfflineQueue
	// Accounts distinguishes offline accounts from unknown addresses.
	Accounts AccountDirectory
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// New constructs a Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		domain:   cfg.Domain.Domain(),
		registry: cfg.Registry,
		presence: cfg.Presence,
		iq:       cfg.IQ,
		offline:  cfg.Offline,
		accounts: cfg.Accounts,
		logger:   logger.With("component", "router"),
	}
}

// Registry returns the registry the router delivers through.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Route determines the destination of a stanza emitted by sender and
// delivers it. Recoverable failures are answered with an error stanza to
// the sender and reported via the returned error; the connection keeps
// serving either way.
func (r *Router) Route(ctx context.Context, st stanza.Stanza, sender Session) error {
	var kind string
	switch st.(type) {
	case stanza.Message:
		kind = "message"
	case stanza.Presence:
		kind = "presence"
	case stanza.IQ:
		kind = "iq"
	default:
		return fmt.Errorf("router: unsupported stanza type %T", st)
	}

	err := r.route(ctx, st, sender)
	outcome := "delivered"
	switch {
	case errors.Is(err, ErrDestinationOffline):
		outcome = "offline"
	case errors.Is(err, ErrDestinationUnknown):
		outcome = "unknown"
	case errors.Is(err, ErrMalformedStanza):
		outcome = "malformed"
	case err != nil:
		outcome = "error"
	}
	routedStanzas.WithLabelValues(kind, outcome).Inc()
	return err
}

func (r *Router) route(ctx context.Context, st stanza.Stanza, sender Session) error {
	// Error-typed stanzas are delivered at most once and never answered
	// with another error, no matter what goes wrong.
	if st.IsError() {
		r.deliverError(st)
		return nil
	}

	switch s := st.(type) {
	case stanza.Presence:
		return r.routePresence(ctx, s, sender)
	case stanza.Message:
		return r.routeMessage(ctx, s, sender)
	case stanza.IQ:
		return r.routeIQ(ctx, s, sender)
	}
	return nil
}

func (r *Router) routePresence(ctx context.Context, p stanza.Presence, sender Session) error {
	to := p.To
	// Directed presence to a specific resource bypasses the subscription
	// engine; to anything else it is the engine's business.
	if to.IsFull() {
		if dest, ok := r.registry.Lookup(to); ok {
			if err := dest.Send(p); err != nil {
				r.logger.DebugContext(ctx, "dropping directed presence to closing session", "to", to)
			}
		}
		// Undeliverable directed presence is silently dropped.
		return nil
	}
	return r.presence.HandlePresence(ctx, p, sender)
}

func (r *Router) routeMessage(ctx context.Context, m stanza.Message, sender Session) error {
	to := m.To
	if to.IsZero() {
		// A message with no to address is addressed to the sender's own
		// bare address.
		to = sender.JID().Bare()
		m.To = to
	}

	if to.Domainpart() != r.domain.Domainpart() {
		r.replyError(m, sender, stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound})
		return fmt.Errorf("%w: foreign domain %s", ErrDestinationUnknown, to.Domainpart())
	}
	if to.Localpart() == "" {
		r.replyError(m, sender, stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
		return fmt.Errorf("%w: message addressed to server", ErrMalformedStanza)
	}

	if to.IsFull() {
		dest, ok := r.registry.Lookup(to)
		if ok {
			if err := dest.Send(m); err == nil {
				return nil
			}
			// The session is mid-teardown; treat it as offline rather than
			// surfacing an internal failure.
		}
		return r.messageOffline(ctx, m, to, sender)
	}

	// Bare address: deliver to the highest priority eligible resource.
	// Resources advertising negative priority never receive bare-address
	// messages.
	for _, dest := range r.registry.SessionsFor(to) {
		if dest.Presence().Priority < 0 {
			continue
		}
		if err := dest.Send(m); err == nil {
			return nil
		}
	}
	return r.messageOffline(ctx, m, to, sender)
}

// messageOffline handles a message whose destination has no reachable
// session: queue it if the account exists, otherwise bounce it. Messages
// are never silently dropped.
func (r *Router) messageOffline(ctx context.Context, m stanza.Message, to jid.JID, sender Session) error {
	exists, err := r.accountExists(ctx, to)
	if err != nil {
		r.replyError(m, sender, stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError})
		return fmt.Errorf("looking up account %s: %w", to.Bare(), err)
	}
	if !exists {
		r.replyError(m, sender, stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable})
		return fmt.Errorf("%w: %s", ErrDestinationUnknown, to.Bare())
	}
	if r.offline == nil {
		r.replyError(m, sender, stanza.Error{Type: stanza.Wait, Condition: stanza.RecipientUnavailable})
		return fmt.Errorf("%w: %s", ErrDestinationOffline, to.Bare())
	}
	if err := r.offline.Enqueue(ctx, to.Bare(), m); err != nil {
		r.replyError(m, sender, stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError})
		return fmt.Errorf("enqueue offline message for %s: %w", to.Bare(), err)
	}
	return nil
}

func (r *Router) routeIQ(ctx context.Context, iq stanza.IQ, sender Session) error {
	if iq.ID == "" || (iq.Type != stanza.GetIQ && iq.Type != stanza.SetIQ && iq.Type != stanza.ResultIQ) {
		r.replyError(iq, sender, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
		return fmt.Errorf("%w: iq missing id or has bad type %q", ErrMalformedStanza, iq.Type)
	}

	to := iq.To
	// No to address, the server's own domain, or the sender's own bare
	// address all mean the server answers on the account's behalf.
	if to.IsZero() || to.Equal(r.domain) || (to.IsBare() && to.MatchesBare(sender.JID())) {
		return r.iq.HandleIQ(ctx, iq, sender)
	}

	if to.Domainpart() != r.domain.Domainpart() {
		r.replyError(iq, sender, stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound})
		return fmt.Errorf("%w: foreign domain %s", ErrDestinationUnknown, to.Domainpart())
	}

	if to.IsFull() {
		if dest, ok := r.registry.Lookup(to); ok {
			if err := dest.Send(iq); err == nil {
				return nil
			}
		}
		// Per convention queries to a vanished resource are dropped;
		// results are fire-and-forget anyway.
		return nil
	}

	// Bare address of another principal: deliver to every bound resource.
	sessions := r.registry.SessionsFor(to)
	for _, dest := range sessions {
		if err := dest.Send(iq); err != nil {
			r.logger.DebugContext(ctx, "dropping iq to closing session", "to", dest.JID())
		}
	}
	return nil
}

// deliverError delivers an error-typed stanza to its destination if it is
// reachable and otherwise drops it.
func (r *Router) deliverError(st stanza.Stanza) {
	to := st.Dest()
	if to.IsZero() {
		return
	}
	if to.IsFull() {
		if dest, ok := r.registry.Lookup(to); ok {
			_ = dest.Send(st)
		}
		return
	}
	if sessions := r.registry.SessionsFor(to); len(sessions) > 0 {
		_ = sessions[0].Send(st)
	}
}

func (r *Router) accountExists(ctx context.Context, to jid.JID) (bool, error) {
	if r.accounts == nil {
		return true, nil
	}
	return r.accounts.Exists(ctx, to.Localpart())
}

// replyError sends an error-typed copy of the stanza back to its sender.
func (r *Router) replyError(st stanza.Stanza, sender Session, serr stanza.Error) {
	if sender == nil {
		return
	}
	var reply stanza.Stanza
	switch s := st.(type) {
	case stanza.Message:
		reply = s.Error(serr)
	case stanza.Presence:
		reply = s.Error(serr)
	case stanza.IQ:
		reply = s.Error(serr)
	default:
		return
	}
	if err := sender.Send(reply); err != nil {
		r.logger.Debug("failed to return error stanza", "err", err)
	}
}
