// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements the Connection Pool of spec.md §4.6: a
// bounded, FIFO pool of driver/connection.Connections to a single server.
// No SDAM heartbeat monitoring runs here (spec.md §1 Non-goals) — the only
// liveness signal is a Connection poisoning itself on I/O error.
package topology

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kesterel/mongowire/address"
	"github.com/kesterel/mongowire/description"
	"github.com/kesterel/mongowire/driver"
	"github.com/kesterel/mongowire/driver/connection"
	"github.com/kesterel/mongowire/internal/logger"
	"github.com/kesterel/mongowire/wiremessage"
)

// Pool is a bounded, FIFO pool of Connections to a single server. At most
// MaxSize Connections exist at once, whether idle or checked out: a
// semaphore permit is held for each checked-out Connection, and a new one
// is dialed only when no idle one is left, so Checkout blocks in arrival order
// once the pool is saturated (golang.org/x/sync/semaphore.Weighted is a
// FIFO-fair semaphore, unlike a raw buffered channel).
type Pool struct {
	addr     address.Address
	connOpts []connection.Option
	handshakeCfg HandshakeConfig

	sem *semaphore.Weighted

	mu     sync.Mutex
	idle   []*connection.Connection
	closed bool

	lastDesc description.Server

	// Logger, if non-nil, receives a ConnectionMessage for every Connection
	// created (dialed and handshaken) or discarded at Checkin, and a
	// PoolMessage when the Pool is closed.
	Logger *logger.Logger
}

// NewPool constructs a Pool bounded at maxSize concurrently live
// Connections to addr. connOpts are passed through to every
// connection.Dial call; handshakeCfg drives the hello/auth exchange run on
// each freshly dialed Connection before it is ever handed out.
func NewPool(addr address.Address, maxSize int64, handshakeCfg HandshakeConfig, connOpts ...connection.Option) *Pool {
	if maxSize <= 0 {
		maxSize = 100 // the server's own default maxPoolSize
	}
	p := &Pool{
		addr:         addr,
		connOpts:     connOpts,
		handshakeCfg: handshakeCfg,
		sem:          semaphore.NewWeighted(maxSize),
	}
	return p
}

// Checkout returns a live Connection, blocking in FIFO order until one is
// idle or a new one can be dialed, ctx is done, or the Pool is closed.
func (p *Pool) Checkout(ctx context.Context) (*connection.Connection, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, &driver.TimeoutError{Scope: driver.ScopeCheckout, Wrapped: err}
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, &driver.PoolExhaustedError{Address: string(p.addr)}
		}
		var candidate *connection.Connection
		if len(p.idle) > 0 {
			candidate = p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
		}
		p.mu.Unlock()

		if candidate == nil {
			break
		}
		if candidate.Alive() {
			return candidate, nil
		}
		// Discard the dead idle Connection, then give up and re-acquire
		// this checkout's permit before trying again (or falling through
		// to dial).
		candidate.Close()
		p.sem.Release(1)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, &driver.TimeoutError{Scope: driver.ScopeCheckout, Wrapped: err}
		}
	}

	conn, err := connection.Dial(ctx, p.addr, p.connOpts...)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("topology: dial %s: %w", p.addr, err)
	}

	desc, err := Handshake(ctx, conn, p.handshakeCfg)
	if err != nil {
		conn.Close()
		p.sem.Release(1)
		return nil, fmt.Errorf("topology: handshake with %s: %w", p.addr, err)
	}

	p.mu.Lock()
	p.lastDesc = desc
	p.mu.Unlock()

	p.logConnection(logger.NewConnectionCreatedMessage(string(p.addr)))

	return conn, nil
}

// Checkin returns conn to the pool for reuse, or discards and closes it if
// it has been poisoned. Either way the Connection's semaphore slot is
// released last, so a waiting Checkout never observes an idle Connection
// list from which it could still be missing.
func (p *Pool) Checkin(conn *connection.Connection) {
	p.mu.Lock()
	if !p.closed && conn.Alive() {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
		p.sem.Release(1)
		return
	}
	p.mu.Unlock()
	conn.Close()
	p.sem.Release(1)
	p.logConnection(logger.NewConnectionClosedMessage(string(p.addr), "poisoned"))
}

// Description returns the Server description learned from the most recent
// successful handshake, the zero value if none has completed yet.
func (p *Pool) Description() description.Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDesc
}

// Close discards and closes every idle Connection and marks the Pool
// closed; Connections already checked out are closed as they are returned
// via Checkin.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	p.logPool(logger.NewPoolClosedMessage(string(p.addr)))
}

func (p *Pool) logPool(msg *logger.PoolMessage) {
	if p.Logger == nil {
		return
	}
	p.Logger.Print(logger.LevelDebug, msg)
}

func (p *Pool) logConnection(msg *logger.ConnectionMessage) {
	if p.Logger == nil {
		return
	}
	p.Logger.Print(logger.LevelDebug, msg)
}

// compressorID maps a negotiated compressor name back to its wire id.
func compressorID(name string) wiremessage.CompressorID {
	switch name {
	case "snappy":
		return wiremessage.CompressorSnappy
	case "zlib":
		return wiremessage.CompressorZlib
	case "zstd":
		return wiremessage.CompressorZstd
	default:
		return wiremessage.CompressorNoop
	}
}
