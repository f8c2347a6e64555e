// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage implements the Wire Codec: parsing and emitting
// OP_MSG, the legacy OP_QUERY/OP_REPLY pair, and OP_COMPRESSED frames, plus
// the per-Connection RequestID allocator.
package wiremessage

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// OpCode identifies a wire protocol message type.
type OpCode int32

// Recognized opcodes.
const (
	OpReply      OpCode = 1
	OpQuery      OpCode = 2004
	OpCompressed OpCode = 2012
	OpMsg        OpCode = 2013
)

func (c OpCode) String() string {
	switch c {
	case OpReply:
		return "OP_REPLY"
	case OpQuery:
		return "OP_QUERY"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return fmt.Sprintf("OpCode(%d)", int32(c))
	}
}

// MaxMessageLength is the hard ceiling the Wire Codec refuses to read past,
// per spec.md §4.1 ("server max is 48 MB"). It is a fixed constant; there
// is no per-Connection or per-call setting that lowers it.
const MaxMessageLength = 48 * 1024 * 1024

// Header is the 16-byte preamble common to every wire protocol frame.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

const headerLen = 16

// AppendHeader appends the wire-encoded header to dst. MessageLength is
// written as-is; callers fill it in once the full frame length is known.
func (h Header) AppendHeader(dst []byte) []byte {
	dst = appendInt32(dst, h.MessageLength)
	dst = appendInt32(dst, h.RequestID)
	dst = appendInt32(dst, h.ResponseTo)
	dst = appendInt32(dst, int32(h.OpCode))
	return dst
}

// ReadHeader reads a Header starting at pos in b.
func ReadHeader(b []byte, pos int32) (Header, error) {
	if len(b) < int(pos)+headerLen {
		return Header{}, fmt.Errorf("wiremessage: header requires 16 bytes, have %d", len(b)-int(pos))
	}
	return Header{
		MessageLength: readInt32(b, pos),
		RequestID:     readInt32(b, pos+4),
		ResponseTo:    readInt32(b, pos+8),
		OpCode:        OpCode(readInt32(b, pos+12)),
	}, nil
}

func appendInt32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendInt64(dst []byte, v int64) []byte {
	return append(dst,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func appendUint32(dst []byte, v uint32) []byte {
	return appendInt32(dst, int32(v))
}

func readInt32(b []byte, pos int32) int32 {
	return int32(binary.LittleEndian.Uint32(b[pos : pos+4]))
}

func readInt64(b []byte, pos int32) int64 {
	return int64(binary.LittleEndian.Uint64(b[pos : pos+8]))
}

func readUint32(b []byte, pos int32) uint32 {
	return binary.LittleEndian.Uint32(b[pos : pos+4])
}

// RequestIDGenerator is a process/Connection-scoped, strictly increasing,
// wraparound-safe source of request ids. Per spec.md §3 a Connection must
// never have two in-flight requests sharing an id; a single generator
// instance per Connection (not a global) guarantees that.
type RequestIDGenerator struct {
	counter int32
}

// Next returns the next request id, wrapping modulo 2^31 the way a signed
// 32-bit counter naturally does on overflow.
func (g *RequestIDGenerator) Next() int32 {
	return atomic.AddInt32(&g.counter, 1)
}
