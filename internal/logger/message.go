// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "go.mongodb.org/mongo-driver/bson"

// CommandStartedMessage is logged just before a command is written to a
// Connection.
type CommandStartedMessage struct {
	Name         string
	DatabaseName string
	RequestID    int64
	Command      bson.Raw
}

// Component implements ComponentMessage.
func (CommandStartedMessage) Component() Component { return ComponentCommand }

// Serialize implements ComponentMessage.
func (m *CommandStartedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.Name,
		"databaseName", m.DatabaseName,
		"requestId", m.RequestID,
		"command", m.Command,
	}
}

// Message implements ComponentMessage.
func (m *CommandStartedMessage) Message() string { return "Command started" }

// CommandSucceededMessage is logged once a command's reply has been
// decoded and found to carry ok:1.
type CommandSucceededMessage struct {
	Name         string
	DatabaseName string
	RequestID    int64
	DurationNS   int64
	Reply        bson.Raw
}

// Component implements ComponentMessage.
func (CommandSucceededMessage) Component() Component { return ComponentCommand }

// Serialize implements ComponentMessage.
func (m *CommandSucceededMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.Name,
		"databaseName", m.DatabaseName,
		"requestId", m.RequestID,
		"durationMS", m.DurationNS / 1e6,
		"reply", m.Reply,
	}
}

// Message implements ComponentMessage.
func (m *CommandSucceededMessage) Message() string { return "Command succeeded" }

// CommandFailedMessage is logged when a command either fails in transport
// or comes back with ok:0.
type CommandFailedMessage struct {
	Name         string
	DatabaseName string
	RequestID    int64
	DurationNS   int64
	Failure      string
}

// Component implements ComponentMessage.
func (CommandFailedMessage) Component() Component { return ComponentCommand }

// Serialize implements ComponentMessage.
func (m *CommandFailedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.Name,
		"databaseName", m.DatabaseName,
		"requestId", m.RequestID,
		"durationMS", m.DurationNS / 1e6,
		"failure", m.Failure,
	}
}

// Message implements ComponentMessage.
func (m *CommandFailedMessage) Message() string { return "Command failed" }

// PoolMessage is logged for Connection Pool lifecycle events: creation,
// clearing, and close.
type PoolMessage struct {
	Address string
	Reason  string
	text    string
}

// Component implements ComponentMessage.
func (PoolMessage) Component() Component { return ComponentPool }

// Serialize implements ComponentMessage.
func (m *PoolMessage) Serialize() []interface{} {
	if m.Reason == "" {
		return []interface{}{"address", m.Address}
	}
	return []interface{}{"address", m.Address, "reason", m.Reason}
}

// Message implements ComponentMessage.
func (m *PoolMessage) Message() string { return m.text }

// NewPoolCreatedMessage reports that a Connection Pool started accepting
// checkouts for address.
func NewPoolCreatedMessage(address string) *PoolMessage {
	return &PoolMessage{Address: address, text: "Connection pool created"}
}

// NewPoolClearedMessage reports that a Connection Pool poisoned and
// discarded every idle Connection it held, usually following a network
// error on one of its checked-out connections.
func NewPoolClearedMessage(address, reason string) *PoolMessage {
	return &PoolMessage{Address: address, Reason: reason, text: "Connection pool cleared"}
}

// NewPoolClosedMessage reports that a Connection Pool was closed.
func NewPoolClosedMessage(address string) *PoolMessage {
	return &PoolMessage{Address: address, text: "Connection pool closed"}
}

// ConnectionMessage is logged for individual Connection lifecycle events.
type ConnectionMessage struct {
	Address string
	Reason  string
	text    string
}

// Component implements ComponentMessage.
func (ConnectionMessage) Component() Component { return ComponentConnection }

// Serialize implements ComponentMessage.
func (m *ConnectionMessage) Serialize() []interface{} {
	if m.Reason == "" {
		return []interface{}{"address", m.Address}
	}
	return []interface{}{"address", m.Address, "reason", m.Reason}
}

// Message implements ComponentMessage.
func (m *ConnectionMessage) Message() string { return m.text }

// NewConnectionCreatedMessage reports that a new Connection completed its
// handshake and is ready to be checked out.
func NewConnectionCreatedMessage(address string) *ConnectionMessage {
	return &ConnectionMessage{Address: address, text: "Connection created"}
}

// NewConnectionClosedMessage reports that a Connection was closed, either
// because it was poisoned or because its pool was cleared.
func NewConnectionClosedMessage(address, reason string) *ConnectionMessage {
	return &ConnectionMessage{Address: address, Reason: reason, text: "Connection closed"}
}
