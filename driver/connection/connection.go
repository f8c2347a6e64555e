// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connection implements the Connection of spec.md §4.2: it owns one
// socket, serializes outbound frames, and demultiplexes replies by request
// id via a single background reader goroutine.
package connection

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kesterel/mongowire/address"
	"github.com/kesterel/mongowire/driver"
	"github.com/kesterel/mongowire/wire"
	"github.com/kesterel/mongowire/wiremessage"
)

// waiter is how the background reader hands a reply back to the goroutine
// blocked in Execute.
type waiter struct {
	replyCh chan replyOrError
	// accumulated holds document bytes gathered across moreToCome follow-up
	// frames for an exhaust-mode conversation; delivered all at once when
	// the stream ends.
	accumulated []wire.Raw
}

type replyOrError struct {
	docs []wire.Raw
	err  error
}

// Connection is a single socket speaking the MongoDB wire protocol.
// Commands are strictly serialized onto the wire (one write lock), but
// replies are demultiplexed by request id so a slow getMore on one
// in-flight request never blocks another. Any I/O or decode error poisons
// the Connection: every registered waiter fails with that error, and the
// Connection becomes permanently ineligible for reuse.
type Connection struct {
	addr address.Address
	id   string
	nc   net.Conn

	reqIDs wiremessage.RequestIDGenerator

	writeMu sync.Mutex

	inFlightMu sync.Mutex
	inFlight   map[int32]*waiter

	compressor    wiremessage.Compressor
	compressorMap map[wiremessage.CompressorID]wiremessage.Compressor

	readTimeout  time.Duration
	writeTimeout time.Duration

	poisoned int32 // atomic bool
	poisonMu sync.Mutex
	poisonErr error

	closeOnce sync.Once
	readerDone chan struct{}
}

var globalConnID uint64

func nextConnID() uint64 { return atomic.AddUint64(&globalConnID, 1) }

// Dial opens a TCP (optionally TLS) connection to addr and starts its
// background reader loop. It performs no handshake; callers drive the
// hello/isMaster handshake (and any authentication) over Execute themselves.
func Dial(ctx context.Context, addr address.Address, opts ...Option) (*Connection, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	dialer := cfg.dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	nc, err := dialer.DialContext(ctx, addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("connection: dial %s: %w", addr, err)
	}

	if cfg.tlsConfig != nil {
		tlsConn, err := configureTLS(ctx, nc, addr, cfg.tlsConfig)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("connection: TLS handshake with %s: %w", addr, err)
		}
		nc = tlsConn
	}

	compressorMap := make(map[wiremessage.CompressorID]wiremessage.Compressor)
	for _, c := range cfg.compressors {
		compressorMap[c.ID()] = c
	}

	conn := &Connection{
		addr:          addr,
		id:            fmt.Sprintf("%s[%d]", addr, nextConnID()),
		nc:            nc,
		compressorMap: compressorMap,
		readTimeout:   cfg.readTimeout,
		writeTimeout:  cfg.writeTimeout,
		inFlight:      make(map[int32]*waiter),
		readerDone:    make(chan struct{}),
	}

	go conn.readLoop()

	return conn, nil
}

// Wrap builds a Connection around an already-established net.Conn, starting
// its background reader loop immediately. Unlike Dial it performs no
// network or TLS setup itself, which makes it the seam for driving a
// Connection over an in-process net.Pipe in tests.
func Wrap(nc net.Conn, addr address.Address, opts ...Option) (*Connection, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	compressorMap := make(map[wiremessage.CompressorID]wiremessage.Compressor)
	for _, c := range cfg.compressors {
		compressorMap[c.ID()] = c
	}

	conn := &Connection{
		addr:          addr,
		id:            fmt.Sprintf("%s[%d]", addr, nextConnID()),
		nc:            nc,
		compressorMap: compressorMap,
		readTimeout:   cfg.readTimeout,
		writeTimeout:  cfg.writeTimeout,
		inFlight:      make(map[int32]*waiter),
		readerDone:    make(chan struct{}),
	}

	go conn.readLoop()

	return conn, nil
}

// ID returns a unique, human-readable identifier for this Connection.
func (c *Connection) ID() string { return c.id }

// Addr returns the address this Connection is dialed to.
func (c *Connection) Addr() address.Address { return c.addr }

// Alive reports whether the Connection has not been poisoned or closed.
func (c *Connection) Alive() bool { return atomic.LoadInt32(&c.poisoned) == 0 }

// SetCompressor negotiates the compressor to use for outgoing frames, once
// the handshake reply's `compression` array has been intersected with the
// client's configured compressors.
func (c *Connection) SetCompressor(id wiremessage.CompressorID) {
	c.compressor = c.compressorMap[id]
}

// Execute sends cmd (already fully assembled — $db, lsid, etc. are the
// Dispatcher's responsibility, not the Connection's) as an OP_MSG command
// and returns the decoded reply body. It allocates a request id, frames
// and writes the message under the write lock, registers a waiter, and
// blocks until the matching reply arrives, ctx is done, or the Connection
// is poisoned.
func (c *Connection) Execute(ctx context.Context, cmd wire.Document) (wire.Raw, error) {
	if !c.Alive() {
		return nil, &driver.ConnectionClosedError{ConnectionID: c.id}
	}

	body, err := wire.Encode(cmd)
	if err != nil {
		return nil, fmt.Errorf("connection: encode command: %w", err)
	}

	reqID := c.reqIDs.Next()
	msg := wiremessage.Msg{
		Header:   wiremessage.Header{RequestID: reqID},
		Sections: []wiremessage.Section{{Kind: wiremessage.SectionKindBody, Document: body}},
	}

	w := &waiter{replyCh: make(chan replyOrError, 1)}
	c.inFlightMu.Lock()
	c.inFlight[reqID] = w
	c.inFlightMu.Unlock()

	if err := c.writeFrame(ctx, msg); err != nil {
		c.removeWaiter(reqID)
		return nil, err
	}

	select {
	case res := <-w.replyCh:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.docs) == 0 {
			return nil, &driver.ProtocolError{Message: "reply carried no documents"}
		}
		return res.docs[0], nil
	case <-ctx.Done():
		c.removeWaiter(reqID)
		c.poison(fmt.Errorf("connection: command abandoned: %w", ctx.Err()))
		return nil, ctx.Err()
	}
}

func (c *Connection) removeWaiter(reqID int32) {
	c.inFlightMu.Lock()
	delete(c.inFlight, reqID)
	c.inFlightMu.Unlock()
}

func (c *Connection) writeFrame(ctx context.Context, msg wiremessage.Msg) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	buf, err := msg.Append(nil)
	if err != nil {
		return fmt.Errorf("connection: frame command: %w", err)
	}

	if c.compressor != nil && canCompress(msg) {
		compressed, err := c.compressor.Compress(nil, buf[16:])
		if err == nil {
			wrapped := wiremessage.Compressed{
				Header:            wiremessage.Header{RequestID: msg.Header.RequestID},
				OriginalOpCode:    wiremessage.OpMsg,
				UncompressedSize:  int32(len(buf) - 16),
				CompressorID:      c.compressor.ID(),
				CompressedMessage: compressed,
			}
			buf, err = wrapped.Append(nil)
			if err != nil {
				return fmt.Errorf("connection: frame compressed command: %w", err)
			}
		}
	}

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("connection: set write deadline: %w", err)
	}

	if _, err := c.nc.Write(buf); err != nil {
		c.poison(err)
		return fmt.Errorf("connection: write: %w", err)
	}
	return nil
}

// canCompress excludes the handshake and authentication commands from
// compression, matching the teacher's own denylist: a server cannot be
// expected to have negotiated a compressor before authentication completes.
func canCompress(msg wiremessage.Msg) bool {
	body, err := msg.Body()
	if err != nil || len(body) < 5 {
		return true
	}
	doc, err := wire.Decode(body)
	if err != nil {
		return true
	}
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return true
	}
	switch elems[0].Key() {
	case "isMaster", "hello", "saslStart", "saslContinue", "authenticate", "createUser", "updateUser":
		return false
	default:
		return true
	}
}

func (c *Connection) readLoop() {
	defer close(c.readerDone)
	for {
		if err := c.readOne(); err != nil {
			c.poison(err)
			c.failAllWaiters(err)
			return
		}
	}
}

// sizeHeaderLen is the 4-byte length prefix shared by every wire frame.
const sizeHeaderLen = 4

func (c *Connection) readOne() error {
	if c.readTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.readTimeout))
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}

	var sizeBuf [sizeHeaderLen]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return fmt.Errorf("connection: read message length: %w", err)
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < sizeHeaderLen || size > wiremessage.MaxMessageLength {
		return &driver.ProtocolError{Message: fmt.Sprintf("frame length %d out of bounds", size)}
	}

	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, buf[sizeHeaderLen:]); err != nil {
		return fmt.Errorf("connection: read message body: %w", err)
	}

	hdr, err := wiremessage.ReadHeader(buf, 0)
	if err != nil {
		return &driver.ProtocolError{Message: "malformed header", Wrapped: err}
	}

	opcode := hdr.OpCode
	frame := buf
	if opcode == wiremessage.OpCompressed {
		compressed, err := wiremessage.ReadCompressed(buf)
		if err != nil {
			return &driver.ProtocolError{Message: "malformed OP_COMPRESSED", Wrapped: err}
		}
		compressor := c.compressorMap[compressed.CompressorID]
		uncompressed, err := compressed.Uncompress(compressor)
		if err != nil {
			return &driver.ProtocolError{Message: "failed to decompress frame", Wrapped: err}
		}
		frame = uncompressed
		opcode = compressed.OriginalOpCode
	}

	var docs []wire.Raw
	var responseTo int32
	var moreToCome bool

	switch opcode {
	case wiremessage.OpMsg:
		msg, err := wiremessage.ReadMsg(frame)
		if err != nil {
			return &driver.ProtocolError{Message: "malformed OP_MSG", Wrapped: err}
		}
		responseTo = msg.Header.ResponseTo
		moreToCome = msg.Flags.Has(wiremessage.MoreToCome)
		for _, sec := range msg.Sections {
			if sec.Kind == wiremessage.SectionKindBody {
				doc, err := wire.Decode(sec.Document)
				if err != nil {
					return &driver.ProtocolError{Message: "malformed reply document", Wrapped: err}
				}
				docs = append(docs, doc)
			}
		}
	case wiremessage.OpReply:
		reply, err := wiremessage.ReadReply(frame)
		if err != nil {
			return &driver.ProtocolError{Message: "malformed OP_REPLY", Wrapped: err}
		}
		responseTo = reply.Header.ResponseTo
		for _, d := range reply.Documents {
			doc, err := wire.Decode(d)
			if err != nil {
				return &driver.ProtocolError{Message: "malformed reply document", Wrapped: err}
			}
			docs = append(docs, doc)
		}
	default:
		return &driver.ProtocolError{Message: fmt.Sprintf("unsupported opcode %s", opcode)}
	}

	return c.deliver(responseTo, docs, moreToCome)
}

// deliver hands a decoded reply to the waiter registered for responseTo. An
// unknown responseTo is itself a protocol violation (spec.md §4.1) and
// poisons the Connection via the caller's normal error path.
func (c *Connection) deliver(responseTo int32, docs []wire.Raw, moreToCome bool) error {
	c.inFlightMu.Lock()
	w, ok := c.inFlight[responseTo]
	if !ok {
		c.inFlightMu.Unlock()
		return &driver.ProtocolError{Message: fmt.Sprintf("reply to unknown request id %d", responseTo)}
	}
	if moreToCome {
		w.accumulated = append(w.accumulated, docs...)
		c.inFlightMu.Unlock()
		return nil
	}
	all := append(w.accumulated, docs...)
	delete(c.inFlight, responseTo)
	c.inFlightMu.Unlock()

	w.replyCh <- replyOrError{docs: all}
	return nil
}

func (c *Connection) failAllWaiters(err error) {
	c.inFlightMu.Lock()
	waiters := c.inFlight
	c.inFlight = make(map[int32]*waiter)
	c.inFlightMu.Unlock()

	for _, w := range waiters {
		w.replyCh <- replyOrError{err: err}
	}
}

func (c *Connection) poison(err error) {
	if !atomic.CompareAndSwapInt32(&c.poisoned, 0, 1) {
		return
	}
	c.poisonMu.Lock()
	c.poisonErr = err
	c.poisonMu.Unlock()
	c.nc.Close()
}

// PoisonError returns the error that poisoned this Connection, or nil if it
// has not been poisoned.
func (c *Connection) PoisonError() error {
	c.poisonMu.Lock()
	defer c.poisonMu.Unlock()
	return c.poisonErr
}

// Close closes the underlying socket and poisons the Connection so any
// racing callers observe a consistent closed state.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.poison(fmt.Errorf("connection: closed"))
	})
	return nil
}
