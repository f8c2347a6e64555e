// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongowire is the single public entry point described by
// spec.md's MODULE MAP: a Client wires the Command Dispatcher
// (driver/dispatch), the Connection Pool (driver/topology), and the
// Session Manager (driver/session) together behind Connect/RunCommand/
// Disconnect. There is no CRUD surface beyond RunCommand (spec.md's
// Non-goals); find/insert/update-shaped helpers are left to a caller
// building on top of RunCommand.
package mongowire

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/kesterel/mongowire/address"
	"github.com/kesterel/mongowire/driver/auth"
	"github.com/kesterel/mongowire/driver/connection"
	"github.com/kesterel/mongowire/driver/dispatch"
	"github.com/kesterel/mongowire/driver/session"
	"github.com/kesterel/mongowire/driver/topology"
	"github.com/kesterel/mongowire/internal/logger"
	"github.com/kesterel/mongowire/options"
	"github.com/kesterel/mongowire/uri"
	"github.com/kesterel/mongowire/wire"
	"github.com/kesterel/mongowire/wiremessage"
)

// Client is a connected handle to a single MongoDB server. There is no
// SDAM topology monitoring (spec.md §1 Non-goals): Client targets exactly
// one of the Settings' host list, the first, and the Connection Pool's own
// per-Connection handshake is the only liveness signal it has.
type Client struct {
	pool     *topology.Pool
	sessions *session.Pool
	logger   *logger.Logger
}

// Connect resolves opts (an *options.ClientOptionsBuilder, typically built
// via options.Client().ApplyURI(...)) and sets up a Connection Pool for the
// first configured host, returning a Client ready for RunCommand and
// StartSession. No connection is dialed here; the Pool dials on the first
// checkout.
func Connect(ctx context.Context, opts *options.ClientOptionsBuilder) (*Client, error) {
	args, err := opts.Validate()
	if err != nil {
		return nil, err
	}
	if len(args.Hosts) == 0 {
		return nil, fmt.Errorf("mongowire: no hosts configured")
	}

	addr, err := address.New(args.Hosts[0].Host, args.Hosts[0].Port)
	if err != nil {
		return nil, fmt.Errorf("mongowire: %w", err)
	}

	var connOpts []connection.Option
	var tlsConfig *tls.Config
	if args.UseSSL {
		tlsConfig = args.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{InsecureSkipVerify: !args.VerifySSLCertificates}
		}
		connOpts = append(connOpts, connection.WithTLSConfig(tlsConfig))
	}
	if args.SocketTimeout > 0 {
		connOpts = append(connOpts, connection.WithReadTimeout(args.SocketTimeout))
		connOpts = append(connOpts, connection.WithWriteTimeout(args.SocketTimeout))
	}
	var compressors []wiremessage.Compressor
	for _, name := range args.Compressors {
		switch name {
		case "snappy":
			compressors = append(compressors, wiremessage.SnappyCompressor{})
		case "zlib":
			compressors = append(compressors, wiremessage.ZlibCompressor{})
		}
	}
	if len(compressors) > 0 {
		connOpts = append(connOpts, connection.WithCompressors(compressors...))
	}

	handshakeCfg := topology.HandshakeConfig{
		AppName:     args.ApplicationName,
		Compressors: args.Compressors,
		Cred:        credFromSettings(args, tlsConfig),
	}
	switch args.Auth.Kind {
	case uri.ScramSha1:
		handshakeCfg.AuthMechanism = auth.SCRAMSHA1
	case uri.ScramSha256:
		handshakeCfg.AuthMechanism = auth.SCRAMSHA256
	}

	log := logger.New(nil, 0, nil)
	logger.StartPrintListener(log)

	pool := topology.NewPool(addr, int64(args.MaximumNumberOfConnections), handshakeCfg, connOpts...)
	pool.Logger = log

	return &Client{
		pool:     pool,
		sessions: session.NewPool(),
		logger:   log,
	}, nil
}

// credFromSettings builds the Auth Engine's Cred from the resolved options.
// tlsConfig's first client certificate, if any, becomes MONGODB-X509's
// username fallback when args.Auth.Username is empty.
func credFromSettings(args *options.ClientOptions, tlsConfig *tls.Config) *auth.Cred {
	if args.Auth.Kind == uri.Unauthenticated {
		return nil
	}
	cred := &auth.Cred{
		Source:      args.AuthSource,
		Username:    args.Auth.Username,
		Password:    args.Auth.Password,
		PasswordSet: true,
	}
	if tlsConfig != nil && len(tlsConfig.Certificates) > 0 {
		cred.ClientCertificate = &tlsConfig.Certificates[0]
	}
	return cred
}

// StartSession allocates a logical session from the Session Manager.
// Callers should pass the returned *session.Client to RunCommand and call
// EndSession when done with it.
func (c *Client) StartSession() *session.Client {
	return c.sessions.Start()
}

// EndSession returns sess to the Session Manager's free list.
func (c *Client) EndSession(sess *session.Client) {
	c.sessions.End(sess)
}

// RunCommand dispatches cmd (e.g. {ping: 1}) against database db and
// returns the raw server reply. sess may be nil for a session-less
// command.
func (c *Client) RunCommand(ctx context.Context, db string, cmd wire.Document, sess *session.Client) (wire.Raw, error) {
	op := &dispatch.Operation{
		Database: db,
		Pool:     c.pool,
		Session:  sess,
		Logger:   c.logger,
	}
	return op.Execute(ctx, cmd)
}

// Disconnect closes the Connection Pool, stops the Session Manager's
// sweeper, and stops the logger's printer goroutine. It does not report
// ended sessions to the server; a caller that cares should drain
// c.Sessions().PendingEndSessionIDs() first and send endSessions itself.
func (c *Client) Disconnect(ctx context.Context) error {
	c.pool.Close()
	c.sessions.Shutdown()
	c.logger.Close()
	return nil
}

// Sessions exposes the underlying Session Manager, e.g. so a caller can
// drain PendingEndSessionIDs before Disconnect.
func (c *Client) Sessions() *session.Pool {
	return c.sessions
}
