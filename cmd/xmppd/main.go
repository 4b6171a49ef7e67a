// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The xmppd command runs an XMPP server for a single domain: client
// connections over TCP, TLS, and websockets, accounts and rosters in
// PostgreSQL or in memory, and offline messages in Redis or in memory.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mellium.im/xmppd/c2s"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/offline"
	"mellium.im/xmppd/roster"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/storage"
)

type config struct {
	Domain   string `env:"XMPPD_DOMAIN,default=localhost"`
	Addr     string `env:"XMPPD_ADDR,default=:5222"`
	TLSAddr  string `env:"XMPPD_TLS_ADDR"`
	TLSCert  string `env:"XMPPD_TLS_CERT"`
	TLSKey   string `env:"XMPPD_TLS_KEY"`
	HTTPAddr string `env:"XMPPD_HTTP_ADDR,default=:5280"`

	PostgresDSN   string `env:"XMPPD_POSTGRES_DSN"`
	RedisAddr     string `env:"XMPPD_REDIS_ADDR"`
	RedisPassword string `env:"XMPPD_REDIS_PASSWORD"`
	RedisDB       int    `env:"XMPPD_REDIS_DB,default=0"`

	AutoRegister     bool          `env:"XMPPD_AUTO_REGISTER,default=false"`
	NegotiateTimeout time.Duration `env:"XMPPD_NEGOTIATE_TIMEOUT,default=30s"`
	KeepAlive        time.Duration `env:"XMPPD_KEEP_ALIVE,default=5m"`
	OfflineLimit     int           `env:"XMPPD_OFFLINE_LIMIT,default=200"`
	LogLevel         string        `env:"XMPPD_LOG_LEVEL,default=INFO"`
}

func main() {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Error("invalid log level", "level", cfg.LogLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	domain, err := jid.Parse(cfg.Domain)
	if err != nil {
		return err
	}
	domain = domain.Domain()

	var store interface {
		storage.AccountStore
		storage.RosterStore
	}
	if cfg.PostgresDSN != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		store = pg
		logger.Info("using postgres storage")
	} else {
		store = storage.NewMemory()
		logger.Warn("using in memory storage, accounts will not survive a restart")
	}

	var queue offline.Queue
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		rq, err := offline.NewRedis(ctx, client, offline.WithLimit(int64(cfg.OfflineLimit)))
		if err != nil {
			return err
		}
		queue = rq
		logger.Info("using redis offline queue", "addr", cfg.RedisAddr)
	} else {
		queue = offline.NewMemory(cfg.OfflineLimit)
	}

	registry := router.NewRegistry()
	engine := roster.New(roster.Config{
		Domain:   domain,
		Store:    store,
		Accounts: store,
		Registry: registry,
		Offline:  queue,
		Logger:   logger,
	})
	rtr := router.New(router.Config{
		Domain:   domain,
		Registry: registry,
		Presence: engine,
		IQ:       c2s.NewIQHandler(engine, logger),
		Offline:  queue,
		Accounts: store,
		Logger:   logger,
	})

	var tlsConfig *tls.Config
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv := c2s.New(c2s.Config{
		Domain:           domain,
		Router:           rtr,
		Roster:           engine,
		Accounts:         store,
		TLSConfig:        tlsConfig,
		AutoRegister:     cfg.AutoRegister,
		NegotiateTimeout: cfg.NegotiateTimeout,
		KeepAlive:        cfg.KeepAlive,
		Logger:           logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	logger.Info("listening", "transport", "tcp", "addr", cfg.Addr)
	g.Go(func() error { return srv.Serve(gctx, ln) })

	if cfg.TLSAddr != "" {
		if tlsConfig == nil {
			return errors.New("tls listener requires XMPPD_TLS_CERT and XMPPD_TLS_KEY")
		}
		tln, err := net.Listen("tcp", cfg.TLSAddr)
		if err != nil {
			return err
		}
		logger.Info("listening", "transport", "tls", "addr", cfg.TLSAddr)
		g.Go(func() error { return srv.ServeTLS(gctx, tln) })
	}

	if cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/xmpp-websocket", srv.WSHandler())
		httpSrv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           mux,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("listening", "transport", "http", "addr", cfg.HTTPAddr)
		g.Go(func() error {
			err := httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	registry.Shutdown()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
