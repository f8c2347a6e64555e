// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package cursor implements the Cursor Engine of spec.md §4.7: buffered
// result batches, transparent getMore pagination, and best-effort
// killCursors on early close.
package cursor

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kesterel/mongowire/driver"
	"github.com/kesterel/mongowire/driver/connection"
	"github.com/kesterel/mongowire/wire"
)

// BatchCursor buffers one batch of documents at a time from a cursor-typed
// command reply (find/aggregate/listCollections/...), fetching the next
// batch via getMore only once the current one is exhausted.
type BatchCursor struct {
	ns   wire.Namespace
	conn *connection.Connection

	cursorID int64

	batchSize   int32
	limit       int32
	numReturned int32
	maxTimeMS   int64
	comment     wire.Raw

	currentBatch []wire.Raw
	pos          int

	closed bool
	err    error
}

// NewBatchCursor wraps a cursor-typed command reply's initial batch. conn
// is the Connection the cursor is pinned to for every subsequent getMore —
// per spec.md §4.2/§4.7 a cursor must keep talking to the server that
// opened it.
func NewBatchCursor(conn *connection.Connection, ns wire.Namespace, cursorID int64, firstBatch []wire.Raw) *BatchCursor {
	return &BatchCursor{
		ns:           ns,
		conn:         conn,
		cursorID:     cursorID,
		currentBatch: firstBatch,
		numReturned:  int32(len(firstBatch)),
	}
}

// ID returns the server-side cursor id, or 0 once the cursor is exhausted.
func (bc *BatchCursor) ID() int64 { return bc.cursorID }

// SetBatchSize overrides the batchSize requested on each getMore.
func (bc *BatchCursor) SetBatchSize(size int32) { bc.batchSize = size }

// SetMaxTime sets the maxTimeMS sent with each getMore, truncated to
// millisecond resolution.
func (bc *BatchCursor) SetMaxTime(d time.Duration) {
	bc.maxTimeMS = d.Milliseconds()
}

// SetComment attaches an opaque comment to every getMore. Any value BSON
// can marshal as a document (bson.D, a map, a struct) is accepted; anything
// else silently clears the comment, matching the server's own tolerance of
// a malformed comment rather than failing the whole cursor.
func (bc *BatchCursor) SetComment(comment interface{}) {
	if comment == nil {
		bc.comment = nil
		return
	}
	raw, err := bson.MarshalValue(comment)
	if err != nil || raw.Type != bson.TypeEmbeddedDocument {
		bc.comment = nil
		return
	}
	bc.comment = wire.Raw(raw.Value)
}

// calcGetMoreBatchSize derives the batchSize to request on the next
// getMore from the cursor's configured batchSize, limit, and how many
// documents it has already returned. When a limit is set and has already
// been reached or exceeded, ok is false: the caller must stop, not issue
// another getMore.
func calcGetMoreBatchSize(bc BatchCursor) (int32, bool) {
	if bc.limit == 0 {
		return bc.batchSize, true
	}

	diff := bc.limit - bc.numReturned
	if bc.batchSize == 0 {
		if diff <= 0 {
			return diff, false
		}
		return 0, true
	}
	if diff <= 0 {
		return diff, false
	}
	if diff < bc.batchSize {
		return diff, true
	}
	return bc.batchSize, true
}

// Next reports whether another document is available, fetching the next
// batch via getMore if the current one is exhausted. It returns false both
// when the cursor is genuinely done and when a getMore failed; callers
// should check Err() to tell the two apart.
func (bc *BatchCursor) Next(ctx context.Context) bool {
	if bc.pos < len(bc.currentBatch) {
		return true
	}
	if bc.closed || bc.cursorID == 0 {
		return false
	}

	batch, err := bc.getMore(ctx)
	if err != nil {
		bc.err = err
		return false
	}
	bc.currentBatch = batch
	bc.pos = 0
	return len(bc.currentBatch) > 0
}

// Current returns the document Next most recently made available, without
// advancing past it.
func (bc *BatchCursor) Current() wire.Raw {
	if bc.pos >= len(bc.currentBatch) {
		return nil
	}
	return bc.currentBatch[bc.pos]
}

// Decode unmarshals the current document into v and advances past it.
func (bc *BatchCursor) Decode(v interface{}) error {
	doc := bc.Current()
	if doc == nil {
		return fmt.Errorf("cursor: Decode called with no current document")
	}
	bc.pos++
	return bson.Unmarshal(doc, v)
}

// Err returns the error that ended iteration, if any.
func (bc *BatchCursor) Err() error { return bc.err }

// ForEach calls fn for every remaining document, stopping at the first
// error fn returns or the cursor produces, and always closing the cursor
// before returning.
func (bc *BatchCursor) ForEach(ctx context.Context, fn func(wire.Raw) error) error {
	defer bc.Close(ctx)
	for bc.Next(ctx) {
		if err := fn(bc.Current()); err != nil {
			return err
		}
		bc.pos++
	}
	return bc.Err()
}

// Close stops iteration. If the cursor was not already exhausted, it sends
// a best-effort killCursors so the server reclaims its resources
// immediately instead of waiting out the idle cursor timeout.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if bc.closed {
		return nil
	}
	bc.closed = true

	if bc.cursorID == 0 {
		return nil
	}
	id := bc.cursorID
	bc.cursorID = 0

	cmd := wire.Document{
		{Key: "killCursors", Value: bc.ns.Collection},
		{Key: "cursors", Value: bson.A{id}},
		{Key: "$db", Value: bc.ns.DB},
	}
	_, err := bc.conn.Execute(ctx, cmd)
	return err
}

func (bc *BatchCursor) getMore(ctx context.Context) ([]wire.Raw, error) {
	cmd := wire.Document{
		{Key: "getMore", Value: bc.cursorID},
		{Key: "collection", Value: bc.ns.Collection},
		{Key: "$db", Value: bc.ns.DB},
	}

	if size, ok := calcGetMoreBatchSize(*bc); !ok {
		bc.cursorID = 0
		return nil, nil
	} else if size > 0 {
		cmd = append(cmd, wire.Elem{Key: "batchSize", Value: size})
	}
	if bc.maxTimeMS > 0 {
		cmd = append(cmd, wire.Elem{Key: "maxTimeMS", Value: bc.maxTimeMS})
	}
	if bc.comment != nil {
		cmd = append(cmd, wire.Elem{Key: "comment", Value: bc.comment})
	}

	reply, err := bc.conn.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !driver.IsOK(reply) {
		return nil, &driver.InvalidResponseError{Message: "getMore failed", Document: reply}
	}

	cursorVal, err := reply.LookupErr("cursor")
	if err != nil {
		return nil, &driver.InvalidResponseError{Message: "getMore reply missing cursor field", Document: reply}
	}
	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		return nil, &driver.InvalidResponseError{Message: "getMore cursor field is not a document", Document: reply}
	}

	if idVal, err := cursorDoc.LookupErr("id"); err == nil {
		if id, ok := driver.AsInt64(idVal); ok {
			bc.cursorID = id
		}
	}

	batchVal, err := cursorDoc.LookupErr("nextBatch")
	if err != nil {
		return nil, &driver.InvalidResponseError{Message: "getMore cursor missing nextBatch", Document: reply}
	}
	arr, ok := batchVal.ArrayOK()
	if !ok {
		return nil, &driver.InvalidResponseError{Message: "getMore nextBatch is not an array", Document: reply}
	}

	values, err := arr.Values()
	if err != nil {
		return nil, &driver.InvalidResponseError{Message: "malformed nextBatch array", Document: reply}
	}

	batch := make([]wire.Raw, 0, len(values))
	for _, v := range values {
		doc, ok := v.DocumentOK()
		if !ok {
			return nil, &driver.InvalidResponseError{Message: "nextBatch element is not a document", Document: reply}
		}
		batch = append(batch, wire.Raw(doc))
	}

	bc.numReturned += int32(len(batch))
	return batch, nil
}
