// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the server description learned from a
// hello/isMaster handshake reply: wire version range, size limits, and the
// negotiated compressors and session timeout.
package description

import (
	"time"

	"github.com/kesterel/mongowire/address"
	"github.com/kesterel/mongowire/wire"
)

// Server is what the driver learns about a server during handshake.
type Server struct {
	Addr                         address.Address
	MaxWireVersion               int32
	MinWireVersion               int32
	MaxBSONObjectSize            int32
	MaxMessageSizeBytes          int32
	MaxWriteBatchSize            int32
	Compression                  []string
	LogicalSessionTimeoutMinutes time.Duration
	ReadOnly                     bool
}

// Defaults applied when a hello reply omits a field (matches the server's
// own documented defaults).
const (
	DefaultMaxBSONObjectSize   = 16 * 1024 * 1024
	DefaultMaxMessageSizeBytes = 48 * 1024 * 1024
	DefaultMaxWriteBatchSize   = 100000
)

// SupportsOpMsg reports whether the server's reported wire version range
// permits OP_MSG (wire version >= 6, i.e. server 3.6+).
func (s Server) SupportsOpMsg() bool {
	return s.MaxWireVersion >= 6
}

// NewServerFromHello builds a Server description from a decoded hello/isMaster
// reply document.
func NewServerFromHello(addr address.Address, reply wire.Raw) (Server, error) {
	s := Server{
		Addr:                addr,
		MaxBSONObjectSize:   DefaultMaxBSONObjectSize,
		MaxMessageSizeBytes: DefaultMaxMessageSizeBytes,
		MaxWriteBatchSize:   DefaultMaxWriteBatchSize,
	}

	if v, err := reply.LookupErr("maxWireVersion"); err == nil {
		if n, ok := asInt32(v); ok {
			s.MaxWireVersion = n
		}
	}
	if v, err := reply.LookupErr("minWireVersion"); err == nil {
		if n, ok := asInt32(v); ok {
			s.MinWireVersion = n
		}
	}
	if v, err := reply.LookupErr("maxBsonObjectSize"); err == nil {
		if n, ok := asInt32(v); ok {
			s.MaxBSONObjectSize = n
		}
	}
	if v, err := reply.LookupErr("maxMessageSizeBytes"); err == nil {
		if n, ok := asInt32(v); ok {
			s.MaxMessageSizeBytes = n
		}
	}
	if v, err := reply.LookupErr("maxWriteBatchSize"); err == nil {
		if n, ok := asInt32(v); ok {
			s.MaxWriteBatchSize = n
		}
	}
	if v, err := reply.LookupErr("logicalSessionTimeoutMinutes"); err == nil {
		if n, ok := asInt32(v); ok {
			s.LogicalSessionTimeoutMinutes = time.Duration(n) * time.Minute
		}
	}
	if v, err := reply.LookupErr("readOnly"); err == nil {
		if b, ok := v.BooleanOK(); ok {
			s.ReadOnly = b
		}
	}
	if v, err := reply.LookupErr("compression"); err == nil {
		arr, ok := v.ArrayOK()
		if ok {
			vals, err := arr.Values()
			if err == nil {
				for _, cv := range vals {
					if str, ok := cv.StringValueOK(); ok {
						s.Compression = append(s.Compression, str)
					}
				}
			}
		}
	}

	return s, nil
}

func asInt32(v wire.RawValue) (int32, bool) { return rawValueAsInt32(v) }
