// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver defines the error taxonomy of spec.md §7 and the numeric
// coercion helpers shared by the driver's subpackages. The Command
// Dispatcher (spec.md §4.8) lives in driver/dispatch.
package driver

import (
	"fmt"

	"github.com/kesterel/mongowire/wire"
)

// Scope names where a Timeout occurred.
type Scope string

// Recognized timeout scopes.
const (
	ScopeConnect  Scope = "connect"
	ScopeSocket   Scope = "socket"
	ScopeCheckout Scope = "checkout"
)

// TimeoutError reports a deadline exceeded within a specific scope.
type TimeoutError struct {
	Scope   Scope
	Wrapped error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("driver: %s timeout: %v", e.Scope, e.Wrapped)
}

// Unwrap supports errors.Is/errors.As against the wrapped deadline error.
func (e *TimeoutError) Unwrap() error { return e.Wrapped }

// PoolExhaustedError is returned by a checkout from a Pool that has been
// closed. A checkout whose context ends while the pool is saturated returns
// a *TimeoutError with ScopeCheckout instead.
type PoolExhaustedError struct {
	Address string
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("driver: connection pool for %s exhausted", e.Address)
}

// ProtocolError reports a malformed frame, an unknown responseTo, or an
// oversize message — any condition that poisons a Connection.
type ProtocolError struct {
	Message string
	Wrapped error
}

func (e *ProtocolError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("driver: protocol error: %s: %v", e.Message, e.Wrapped)
	}
	return fmt.Sprintf("driver: protocol error: %s", e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *ProtocolError) Unwrap() error { return e.Wrapped }

// ConnectionClosedError is returned when a command is attempted on a
// poisoned or already-closed Connection.
type ConnectionClosedError struct {
	ConnectionID string
}

func (e *ConnectionClosedError) Error() string {
	return fmt.Sprintf("driver: connection %s is closed", e.ConnectionID)
}

// InvalidResponseError reports a reply that parsed as BSON but is missing a
// required field or has a field of the wrong type.
type InvalidResponseError struct {
	Message  string
	Document wire.Raw
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("driver: invalid response: %s", e.Message)
}

// ServerError is the typed form of an `ok: 0` command reply, or a transport
// failure that the Command Dispatcher re-labels because it happened with a
// transaction active (spec.md §4.5/§7): for the latter, Wrapped is the
// underlying transport error (a *ConnectionClosedError, *ProtocolError, or a
// bare net/context error) and Code/CodeName are left zero.
type ServerError struct {
	Code     int32
	CodeName string
	Message  string
	Labels   []string
	Wrapped  error
}

func (e *ServerError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("driver: server error: %s: %v", e.Message, e.Wrapped)
	}
	return fmt.Sprintf("driver: server error %d (%s): %s", e.Code, e.CodeName, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped transport cause,
// when this ServerError was built from one rather than decoded from a reply.
func (e *ServerError) Unwrap() error { return e.Wrapped }

// HasLabel reports whether the server attached the given error label, e.g.
// "TransientTransactionError" or "UnknownTransactionCommitResult".
func (e *ServerError) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Common transaction error labels (spec.md §4.5/§7).
const (
	LabelTransientTransactionError      = "TransientTransactionError"
	LabelUnknownTransactionCommitResult = "UnknownTransactionCommitResult"
	// LabelNetworkError marks a transport-level failure, mirrored alongside
	// LabelTransientTransactionError on a roundtrip error that happened
	// while a transaction was active (x/mongo/driverx/driver.go's roundTrip).
	LabelNetworkError = "NetworkError"
)

// CannotFormCommandError reports that an operation had nothing to do, e.g.
// an update with an empty set of field updates.
type CannotFormCommandError struct {
	Reason string
}

func (e *CannotFormCommandError) Error() string {
	return fmt.Sprintf("driver: cannot form command: %s", e.Reason)
}
