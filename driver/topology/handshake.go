// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kesterel/mongowire/description"
	"github.com/kesterel/mongowire/driver"
	"github.com/kesterel/mongowire/driver/auth"
	"github.com/kesterel/mongowire/driver/connection"
	"github.com/kesterel/mongowire/wire"
)

// HandshakeConfig controls what a freshly dialed Connection negotiates
// before the Pool hands it out: the hello exchange (wire version, size
// limits, compressors) and, if Cred is set, authentication. This is the
// whole of spec.md §4.2/§4.3's per-Connection setup; no SDAM heartbeat
// monitoring runs afterward (spec.md §1 Non-goals).
type HandshakeConfig struct {
	AppName       string
	Compressors   []string
	Cred          *auth.Cred
	AuthMechanism string // defaults to SCRAM-SHA-256 when Cred is set
}

// Handshake runs hello and, if configured, authentication against conn,
// returning the resulting Server description.
func Handshake(ctx context.Context, conn *connection.Connection, cfg HandshakeConfig) (description.Server, error) {
	cmd := wire.Document{
		{Key: "hello", Value: 1},
		{Key: "$db", Value: "admin"},
	}

	if cfg.AppName != "" {
		cmd = append(cmd, wire.Elem{
			Key: "client",
			Value: wire.Document{
				{Key: "application", Value: wire.Document{{Key: "name", Value: cfg.AppName}}},
			},
		})
	}

	if len(cfg.Compressors) > 0 {
		arr := make(bson.A, len(cfg.Compressors))
		for i, name := range cfg.Compressors {
			arr[i] = name
		}
		cmd = append(cmd, wire.Elem{Key: "compression", Value: arr})
	}

	reply, err := conn.Execute(ctx, cmd)
	if err != nil {
		return description.Server{}, fmt.Errorf("topology: hello: %w", err)
	}
	if !driver.IsOK(reply) {
		return description.Server{}, &driver.InvalidResponseError{Message: "hello rejected", Document: reply}
	}

	desc, err := description.NewServerFromHello(conn.Addr(), reply)
	if err != nil {
		return description.Server{}, err
	}

	if name := negotiateCompressor(desc.Compression, cfg.Compressors); name != "" {
		conn.SetCompressor(compressorID(name))
	}

	if cfg.Cred != nil {
		mechanism := cfg.AuthMechanism
		if mechanism == "" {
			mechanism = auth.SCRAMSHA256
		}
		authenticator, err := auth.CreateAuthenticator(mechanism, cfg.Cred)
		if err != nil {
			return desc, err
		}
		if err := authenticator.Auth(ctx, desc, conn); err != nil {
			return desc, err
		}
	}

	return desc, nil
}

// negotiateCompressor returns the first client-preferred compressor name
// the server also advertised, or "" if none matched.
func negotiateCompressor(serverAdvertised, clientPreferred []string) string {
	for _, want := range clientPreferred {
		for _, have := range serverAdvertised {
			if want == have {
				return want
			}
		}
	}
	return ""
}
