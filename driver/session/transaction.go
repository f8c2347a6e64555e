// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"fmt"
	"sync"
)

// State is one state of the Transaction Coordinator's state machine
// (spec.md §4.5): None -> Starting -> InProgress -> Committed/Aborted, with
// Committed/Aborted able to restart a fresh transaction via Begin.
type State int

// Recognized transaction states.
const (
	None State = iota
	Starting
	InProgress
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case None:
		return "None"
	case Starting:
		return "Starting"
	case InProgress:
		return "InProgress"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsActive reports whether a transaction is currently being built up
// (Starting or InProgress), i.e. whether the next command should attach
// transaction metadata at all.
func (s State) IsActive() bool {
	return s == Starting || s == InProgress
}

// Transaction is the per-Session transaction record of spec.md §3/§4.5.
type Transaction struct {
	mu         sync.Mutex
	number     int64
	state      State
	autocommit bool
	pinned     interface{} // holds the pinned *connection.Connection, opaque here to avoid an import cycle
}

// Begin increments the transaction number and transitions to Starting. It
// may be called from None, Committed, or Aborted; it is an error to call it
// while a transaction is already Starting or InProgress.
func (t *Transaction) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.IsActive() {
		return fmt.Errorf("session: cannot begin a transaction while one is already %s", t.state)
	}

	t.number++
	t.state = Starting
	t.autocommit = false
	t.pinned = nil
	return nil
}

// State returns the current transaction state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Number returns the current (strictly increasing, never reused) txnNumber.
func (t *Transaction) Number() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.number
}

// AdvanceToInProgress transitions Starting -> InProgress; called after the
// first operation of a transaction has been sent. It is a no-op if already
// InProgress.
func (t *Transaction) AdvanceToInProgress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Starting {
		t.state = InProgress
	}
}

// Commit transitions to Committed. It is only valid from Starting or
// InProgress.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.IsActive() {
		return fmt.Errorf("session: cannot commit from state %s", t.state)
	}
	t.state = Committed
	return nil
}

// Abort transitions to Aborted and releases any pinned connection. Safe to
// call from any state (a TransientTransactionError can arrive mid-flight).
func (t *Transaction) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Aborted
	t.pinned = nil
}

// Pin records the connection this transaction's commands must all run on,
// if one is not already pinned. The first operation of a transaction pins;
// every later one must reuse what's returned here.
func (t *Transaction) Pin(conn interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pinned == nil {
		t.pinned = conn
	}
}

// Pinned returns the pinned connection, or nil if none is pinned (no
// transaction in progress, or its first operation hasn't run yet).
func (t *Transaction) Pinned() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pinned
}

// StartTransactionFlag reports whether the *next* command in this
// transaction must set `startTransaction: true` — only the very first
// operation of a Starting transaction does.
func (t *Transaction) StartTransactionFlag() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Starting
}

// Autocommit always reports false while a transaction is active; spec.md
// §9 resolves the `autocommit ?? false` ambiguity by omitting the field
// entirely when no transaction is attached, so callers should only send it
// when IsActive() is true.
func (t *Transaction) Autocommit() bool {
	return false
}
