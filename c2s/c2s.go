// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package c2s accepts client connections and negotiates XML streams over
// them: stream open, authentication, resource binding, and then stanza
// exchange through the router.
package c2s

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/roster"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/stream"
)

var acceptedConns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xmppd_connections_total",
	Help: "Client connections accepted, by transport.",
}, []string{"transport"})

// Default timeouts applied when the config leaves them zero.
const (
	DefaultNegotiateTimeout = 30 * time.Second
	DefaultKeepAlive        = 5 * time.Minute
)

// maxAuthAttempts is the number of failed authentication exchanges allowed
// before the stream is closed with a policy violation.
const maxAuthAttempts = 3

// Config collects the server's settings and collaborators.
type Config struct {
	// Domain is the address this server is authoritative for.
	Domain jid.JID
	// Router routes stanzas emitted by established sessions. Required.
	Router *router.Router
	// Roster broadcasts presence on session teardown and drains offline
	// queues. Required.
	Roster *roster.Engine
	// Accounts verifies credentials during authentication. Required.
	Accounts storage.AccountStore
	// TLSConfig, if set, enables the STARTTLS stream feature and direct TLS
	// listeners.
	TLSConfig *tls.Config
	// AutoRegister creates an account on first authentication instead of
	// rejecting unknown usernames. Only the PLAIN mechanism can register.
	AutoRegister bool
	// NegotiateTimeout bounds the time from connection accept to resource
	// bind. Zero means DefaultNegotiateTimeout.
	NegotiateTimeout time.Duration
	// KeepAlive bounds the idle time between stanzas on an established
	// stream. Zero means DefaultKeepAlive.
	KeepAlive time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server accepts and serves client to server XMPP connections.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[*session]struct{}
	closed    bool
}

// New constructs a Server. It panics if a required collaborator is missing.
func New(cfg Config) *Server {
	switch {
	case cfg.Router == nil:
		panic("c2s: config missing router")
	case cfg.Roster == nil:
		panic("c2s: config missing roster engine")
	case cfg.Accounts == nil:
		panic("c2s: config missing account store")
	case cfg.Domain.IsZero():
		panic("c2s: config missing domain")
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = DefaultNegotiateTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "c2s"),
		conns:  make(map[*session]struct{}),
	}
}

// Serve accepts connections from ln until ln is closed or ctx is canceled.
// Each accepted connection is served on its own goroutine.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return errors.New("c2s: server closed")
	}
	srv.listeners = append(srv.listeners, ln)
	srv.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("c2s: accept: %w", err)
		}
		acceptedConns.WithLabelValues("tcp").Inc()
		go srv.ServeConn(ctx, conn, false)
	}
}

// ServeTLS wraps ln's connections in TLS before serving them. The server
// must have a TLSConfig.
func (srv *Server) ServeTLS(ctx context.Context, ln net.Listener) error {
	if srv.cfg.TLSConfig == nil {
		return errors.New("c2s: tls listener requires a tls config")
	}
	return srv.Serve(ctx, tls.NewListener(ln, srv.cfg.TLSConfig))
}

// ServeConn negotiates and serves a single client connection, blocking
// until it ends. The websocket handler and the accept loops both land here.
func (srv *Server) ServeConn(ctx context.Context, conn net.Conn, ws bool) {
	s := newSession(srv, conn, ws)
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		_ = conn.Close()
		return
	}
	srv.conns[s] = struct{}{}
	srv.mu.Unlock()

	s.serve(ctx)

	srv.mu.Lock()
	delete(srv.conns, s)
	srv.mu.Unlock()
}

// Shutdown closes every listener and asks every live session to go away
// with a system shutdown stream error.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.closed = true
	listeners := srv.listeners
	srv.listeners = nil
	sessions := make([]*session, 0, len(srv.conns))
	for s := range srv.conns {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	var errs error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	for _, s := range sessions {
		s.CloseWithError(stream.SystemShutdown)
	}

	done := make(chan struct{})
	go func() {
		for {
			srv.mu.Lock()
			n := len(srv.conns)
			srv.mu.Unlock()
			if n == 0 {
				close(done)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	select {
	case <-done:
		return errs
	case <-ctx.Done():
		return errors.Join(errs, ctx.Err())
	}
}
