// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package dispatch implements the Command Dispatcher of spec.md §4.8: it
// attaches session/transaction/cluster-time metadata to an outgoing
// command, selects the Connection it must run on, awaits the reply, and
// maps a non-OK reply to the typed error taxonomy of driver.Error.
//
// It is a separate package from driver/topology and driver/session rather
// than living in package driver itself (as an earlier sketch of this
// package assumed) because driver/connection and driver/topology both
// import driver for its error types; driver importing either back would be
// an import cycle. dispatch sits one layer above all three instead.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/kesterel/mongowire/driver"
	"github.com/kesterel/mongowire/driver/connection"
	"github.com/kesterel/mongowire/driver/session"
	"github.com/kesterel/mongowire/driver/topology"
	"github.com/kesterel/mongowire/internal/logger"
	"github.com/kesterel/mongowire/wire"
)

// Operation dispatches a single command against Pool, optionally attaching
// Session's transaction/cluster-time state. Session is nil for
// session-less commands (spec.md §3 allows implicit sessions to be skipped
// entirely rather than always minting one).
type Operation struct {
	Database string
	Pool     *topology.Pool
	Session  *session.Client

	// Logger, if non-nil, receives a CommandStartedMessage/
	// CommandSucceededMessage/CommandFailedMessage around every Execute.
	Logger *logger.Logger
}

// Execute sends cmd (the command document with its command name already
// first, e.g. {find: "coll", filter: ...}) and returns the raw reply. A
// non-nil error is either a transport failure or a *driver.ServerError
// decoded from an `ok: 0` reply; the raw reply is still returned alongside
// a *driver.ServerError so callers can inspect fields like `writeErrors`.
func (op *Operation) Execute(ctx context.Context, cmd wire.Document) (wire.Raw, error) {
	doc := op.buildCommand(cmd)
	name := commandName(cmd)
	start := time.Now()

	op.logStarted(name, doc)

	conn, pinned, err := op.selectConnection(ctx)
	if err != nil {
		op.logFailed(name, start, err)
		return nil, err
	}

	reply, err := conn.Execute(ctx, doc)
	if !pinned {
		op.Pool.Checkin(conn)
	}
	if err != nil {
		wasActive := op.Session != nil && op.Session.Transaction.State().IsActive()
		op.abortOnTransientError(nil)
		if wasActive {
			err = &driver.ServerError{
				Message: "transport error during active transaction",
				Labels:  []string{driver.LabelTransientTransactionError, driver.LabelNetworkError},
				Wrapped: err,
			}
		}
		op.logFailed(name, start, err)
		return nil, err
	}

	if op.Session != nil {
		op.Session.Touch()
		op.Session.ClusterTime.Advance(clusterTimeOf(reply))
	}

	if !driver.IsOK(reply) {
		svrErr := serverErrorFromReply(reply)
		op.abortOnTransientError(svrErr)
		op.logFailed(name, start, svrErr)
		return reply, svrErr
	}

	if op.Session != nil {
		op.Session.Transaction.AdvanceToInProgress()
	}

	op.logSucceeded(name, start, reply)
	return reply, nil
}

// commandName returns cmd's first field's key, which is always the command
// name by convention (e.g. {find: "coll", ...}).
func commandName(cmd wire.Document) string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0].Key
}

func (op *Operation) logStarted(name string, doc wire.Document) {
	if op.Logger == nil {
		return
	}
	raw, err := wire.Encode(doc)
	if err != nil {
		return
	}
	op.Logger.Print(logger.LevelDebug, &logger.CommandStartedMessage{
		Name:         name,
		DatabaseName: op.Database,
		Command:      wire.Raw(raw),
	})
}

func (op *Operation) logSucceeded(name string, start time.Time, reply wire.Raw) {
	if op.Logger == nil {
		return
	}
	op.Logger.Print(logger.LevelDebug, &logger.CommandSucceededMessage{
		Name:         name,
		DatabaseName: op.Database,
		DurationNS:   time.Since(start).Nanoseconds(),
		Reply:        reply,
	})
}

func (op *Operation) logFailed(name string, start time.Time, cause error) {
	if op.Logger == nil {
		return
	}
	op.Logger.Print(logger.LevelDebug, &logger.CommandFailedMessage{
		Name:         name,
		DatabaseName: op.Database,
		DurationNS:   time.Since(start).Nanoseconds(),
		Failure:      cause.Error(),
	})
}

// selectConnection returns the Connection to run cmd on: the transaction's
// pinned Connection if one is active (spec.md §4.5 — every command of a
// multi-document transaction must hit the same server/socket pair), or a
// fresh pool checkout, which it pins if this command is starting or
// continuing a transaction.
func (op *Operation) selectConnection(ctx context.Context) (conn *connection.Connection, pinned bool, err error) {
	if op.Session != nil {
		if p := op.Session.Transaction.Pinned(); p != nil {
			conn, ok := p.(*connection.Connection)
			if !ok {
				return nil, false, fmt.Errorf("dispatch: pinned transaction value is not a *connection.Connection")
			}
			return conn, true, nil
		}
	}

	conn, err = op.Pool.Checkout(ctx)
	if err != nil {
		return nil, false, err
	}

	if op.Session != nil && op.Session.Transaction.State().IsActive() {
		op.Session.Transaction.Pin(conn)
		return conn, true, nil
	}
	return conn, false, nil
}

// buildCommand attaches $db and, if a Session is attached, lsid,
// txnNumber/startTransaction/autocommit, and $clusterTime — in that order,
// mirroring x/mongo/driverx/driver.go's addSession/addClusterTime field
// ordering.
func (op *Operation) buildCommand(cmd wire.Document) wire.Document {
	doc := make(wire.Document, 0, len(cmd)+5)
	doc = append(doc, cmd...)
	doc = append(doc, wire.Elem{Key: "$db", Value: op.Database})

	if op.Session == nil {
		return doc
	}

	doc = append(doc, wire.Elem{Key: "lsid", Value: op.Session.ID.Document()})

	if op.Session.Transaction.State().IsActive() {
		doc = append(doc, wire.Elem{Key: "txnNumber", Value: op.Session.Transaction.Number()})
		if op.Session.Transaction.StartTransactionFlag() {
			doc = append(doc, wire.Elem{Key: "startTransaction", Value: true})
		}
		doc = append(doc, wire.Elem{Key: "autocommit", Value: false})
	}

	if ct := op.Session.ClusterTime.Max(); ct != nil {
		doc = append(doc, wire.Elem{Key: "$clusterTime", Value: ct})
	}

	return doc
}

// abortOnTransientError unpins and aborts the active transaction, if any,
// on a transport failure (svrErr == nil) or a ServerError carrying
// TransientTransactionError — spec.md §4.5's rule that a transaction can
// never be resumed past a failure of either kind.
func (op *Operation) abortOnTransientError(svrErr *driver.ServerError) {
	if op.Session == nil || !op.Session.Transaction.State().IsActive() {
		return
	}
	if svrErr == nil || svrErr.HasLabel(driver.LabelTransientTransactionError) {
		op.Session.Transaction.Abort()
	}
}

// clusterTimeOf extracts the raw $clusterTime subdocument from a reply, or
// nil if absent.
func clusterTimeOf(reply wire.Raw) wire.Raw {
	v, err := reply.LookupErr("$clusterTime")
	if err != nil {
		return nil
	}
	doc, ok := v.DocumentOK()
	if !ok {
		return nil
	}
	return wire.Raw(doc)
}

// serverErrorFromReply decodes an `ok: 0` reply's errmsg/code/codeName/
// errorLabels fields into a *driver.ServerError, grounded on
// x/mongo/driverx/driver.go's command-response error decoding.
func serverErrorFromReply(reply wire.Raw) *driver.ServerError {
	svrErr := &driver.ServerError{Message: "command failed"}

	if v, err := reply.LookupErr("errmsg"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			svrErr.Message = s
		}
	}
	if v, err := reply.LookupErr("codeName"); err == nil {
		if s, ok := v.StringValueOK(); ok {
			svrErr.CodeName = s
		}
	}
	if v, err := reply.LookupErr("code"); err == nil {
		if n, ok := v.Int32OK(); ok {
			svrErr.Code = n
		}
	}
	if v, err := reply.LookupErr("errorLabels"); err == nil {
		if arr, ok := v.ArrayOK(); ok {
			if values, err := arr.Values(); err == nil {
				for _, lv := range values {
					if s, ok := lv.StringValueOK(); ok {
						svrErr.Labels = append(svrErr.Labels, s)
					}
				}
			}
		}
	}

	return svrErr
}
