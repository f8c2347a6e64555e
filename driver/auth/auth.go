// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements spec.md §4.3's authentication handshakes:
// SCRAM-SHA-1, SCRAM-SHA-256, and MONGODB-X509, each run directly against a
// driver/connection.Connection before any Session or Dispatcher exists.
package auth

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/kesterel/mongowire/description"
	"github.com/kesterel/mongowire/driver/connection"
)

// Recognized authMechanism values.
const (
	SCRAMSHA1   = "SCRAM-SHA-1"
	SCRAMSHA256 = "SCRAM-SHA-256"
	MongoDBX509 = "MONGODB-X509"
)

// Cred holds the credentials a connection string (spec.md §6) resolves to.
type Cred struct {
	Source      string // authSource; defaults to "admin" for SCRAM, "$external" for X.509
	Username    string
	Password    string
	PasswordSet bool
	Props       map[string]string

	// ClientCertificate is the mutual-TLS client certificate configured on
	// the connection, if any. MONGODB-X509 uses its leaf's subject as the
	// saslStart-free authenticate username when Username is empty.
	ClientCertificate *tls.Certificate
}

// Authenticator runs one mechanism's handshake against an already-connected
// Connection, before the Connection is handed to the pool.
type Authenticator interface {
	Auth(ctx context.Context, desc description.Server, conn *connection.Connection) error
}

// Reason names a sub-reason of an AuthenticationFailure error (spec.md §7).
type Reason string

// Recognized AuthenticationFailure sub-reasons.
const (
	// ScramFailure covers a rejected saslStart/saslContinue or a
	// xdg-go/scram conversation step that failed on its own terms (bad
	// server proof, malformed challenge math).
	ScramFailure Reason = "ScramFailure"
	// MalformedAuthenticationDetails covers a saslStart/saslContinue reply
	// that doesn't decode into the expected shape, or a credential detail
	// (e.g. a password needing SASLprep) that fails to normalize.
	MalformedAuthenticationDetails Reason = "MalformedAuthenticationDetails"
	// UnsupportedMechanism covers an authMechanism CreateAuthenticator
	// doesn't recognize.
	UnsupportedMechanism Reason = "UnsupportedMechanism"
)

// Error wraps a mechanism-specific authentication failure (spec.md §7's
// AuthenticationFailure). Reason is the empty string for failures spec.md's
// taxonomy doesn't give a sub-reason for, e.g. a rejected X.509 authenticate.
type Error struct {
	Reason  Reason
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	detail := e.Message
	if e.Wrapped != nil {
		if detail != "" {
			detail = fmt.Sprintf("%s: %v", detail, e.Wrapped)
		} else {
			detail = e.Wrapped.Error()
		}
	}
	if e.Reason != "" {
		if detail != "" {
			return fmt.Sprintf("auth: authentication failure (%s): %s", e.Reason, detail)
		}
		return fmt.Sprintf("auth: authentication failure (%s)", e.Reason)
	}
	return fmt.Sprintf("auth: %s", detail)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// CreateAuthenticator builds the Authenticator named by mechanism.
func CreateAuthenticator(mechanism string, cred *Cred) (Authenticator, error) {
	switch mechanism {
	case SCRAMSHA1, SCRAMSHA256:
		return newScramAuthenticator(mechanism, cred)
	case MongoDBX509:
		return newX509Authenticator(cred)
	default:
		return nil, &Error{Reason: UnsupportedMechanism, Message: fmt.Sprintf("unknown auth mechanism %q", mechanism)}
	}
}

// defaultAuthDB is the database saslStart/saslContinue/authenticate run
// against when Cred.Source is empty.
const defaultAuthDB = "admin"

func authSource(cred *Cred) string {
	if cred.Source != "" {
		return cred.Source
	}
	return defaultAuthDB
}
