// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package options holds the fluent ClientOptionsBuilder surface spec.md §6
// describes, in the teacher's per-field Set* builder style (see
// mongo/options/countoptions.go): each Set method appends a closure to
// Opts rather than mutating a field directly, so a later call always wins
// and ApplyURI's parse error is captured once and short-circuits every
// subsequent call, matching clientoptions_test.go's "ApplyURI/doesn't
// overwrite previous errors" case.
package options

import (
	"crypto/tls"
	"time"

	"github.com/kesterel/mongowire/uri"
)

// ClientOptions is the resolved Settings struct surface of spec.md §6,
// plus the handful of fields (TLSConfig, Compressors) the URI grammar
// itself has no room for.
type ClientOptions struct {
	Hosts                      []uri.HostPort
	TargetDatabase             string
	Auth                       uri.Auth
	AuthSource                 string
	UseSSL                     bool
	VerifySSLCertificates      bool
	MaximumNumberOfConnections uint64
	ConnectTimeout             time.Duration
	SocketTimeout              time.Duration
	ApplicationName            string

	TLSConfig   *tls.Config
	Compressors []string
}

// ClientOptionsBuilder accumulates Set calls as a list of closures applied
// in order over a zero ClientOptions, so later calls win over earlier ones
// on the same field.
type ClientOptionsBuilder struct {
	Opts []func(*ClientOptions) error
	err  error
}

// Client starts a new, empty ClientOptionsBuilder.
func Client() *ClientOptionsBuilder {
	return &ClientOptionsBuilder{}
}

// ArgsSetters returns the accumulated setter closures.
func (c *ClientOptionsBuilder) ArgsSetters() []func(*ClientOptions) error {
	return c.Opts
}

// ApplyURI parses rawURI and queues its Settings onto the builder. If an
// earlier ApplyURI or Set call already failed, ApplyURI is a no-op: the
// first error always wins.
func (c *ClientOptionsBuilder) ApplyURI(rawURI string) *ClientOptionsBuilder {
	if c.err != nil {
		return c
	}
	settings, err := uri.Parse(rawURI)
	if err != nil {
		c.err = err
		return c
	}
	c.Opts = append(c.Opts, func(args *ClientOptions) error {
		args.Hosts = settings.Hosts
		args.TargetDatabase = settings.TargetDatabase
		args.Auth = settings.Auth
		args.AuthSource = settings.AuthSource
		args.UseSSL = settings.UseSSL
		args.VerifySSLCertificates = settings.VerifySSLCertificates
		args.MaximumNumberOfConnections = settings.MaximumNumberOfConnections
		args.ConnectTimeout = settings.ConnectTimeout
		args.SocketTimeout = settings.SocketTimeout
		args.ApplicationName = settings.ApplicationName
		return nil
	})
	return c
}

// SetHosts overrides the host list.
func (c *ClientOptionsBuilder) SetHosts(hosts []uri.HostPort) *ClientOptionsBuilder {
	c.Opts = append(c.Opts, func(args *ClientOptions) error {
		args.Hosts = hosts
		return nil
	})
	return c
}

// SetAuth overrides the authentication variant and credentials.
func (c *ClientOptionsBuilder) SetAuth(auth uri.Auth) *ClientOptionsBuilder {
	c.Opts = append(c.Opts, func(args *ClientOptions) error {
		args.Auth = auth
		return nil
	})
	return c
}

// SetAppName sets the applicationName reported in the hello handshake.
func (c *ClientOptionsBuilder) SetAppName(name string) *ClientOptionsBuilder {
	c.Opts = append(c.Opts, func(args *ClientOptions) error {
		args.ApplicationName = name
		return nil
	})
	return c
}

// SetMaxConnections overrides the Connection Pool's bound.
func (c *ClientOptionsBuilder) SetMaxConnections(n uint64) *ClientOptionsBuilder {
	c.Opts = append(c.Opts, func(args *ClientOptions) error {
		args.MaximumNumberOfConnections = n
		return nil
	})
	return c
}

// SetConnectTimeout overrides the connect/checkout timeout.
func (c *ClientOptionsBuilder) SetConnectTimeout(d time.Duration) *ClientOptionsBuilder {
	c.Opts = append(c.Opts, func(args *ClientOptions) error {
		args.ConnectTimeout = d
		return nil
	})
	return c
}

// SetSocketTimeout overrides the per-operation socket timeout.
func (c *ClientOptionsBuilder) SetSocketTimeout(d time.Duration) *ClientOptionsBuilder {
	c.Opts = append(c.Opts, func(args *ClientOptions) error {
		args.SocketTimeout = d
		return nil
	})
	return c
}

// SetTLSConfig overrides the TLS configuration used when UseSSL is set.
func (c *ClientOptionsBuilder) SetTLSConfig(cfg *tls.Config) *ClientOptionsBuilder {
	c.Opts = append(c.Opts, func(args *ClientOptions) error {
		args.TLSConfig = cfg
		return nil
	})
	return c
}

// SetCompressors overrides the client's preferred wire compressors, in
// preference order.
func (c *ClientOptionsBuilder) SetCompressors(names []string) *ClientOptionsBuilder {
	c.Opts = append(c.Opts, func(args *ClientOptions) error {
		args.Compressors = names
		return nil
	})
	return c
}

// Validate resolves every queued Set/ApplyURI call, in order, into a
// ClientOptions, applying spec.md §6's defaults (VerifySSLCertificates
// true, MaximumNumberOfConnections 100) first so any URI or explicit Set
// call can still override them. It returns the first error encountered,
// either one captured by ApplyURI or one raised by resolving the
// closures — mirroring clientoptions_test.go's "doesn't overwrite
// previous errors" contract.
func (c *ClientOptionsBuilder) Validate() (*ClientOptions, error) {
	if c.err != nil {
		return nil, c.err
	}

	args := &ClientOptions{
		VerifySSLCertificates:      true,
		MaximumNumberOfConnections: 100,
	}
	for _, set := range c.Opts {
		if err := set(args); err != nil {
			return nil, err
		}
	}
	return args, nil
}
