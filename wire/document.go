// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wire holds the core data model types shared by every layer of the
// driver: the opaque BSON document types the wire protocol moves around, and
// the ObjectID generator. BSON encoding itself is treated as an external,
// already-solved collaborator (go.mongodb.org/mongo-driver/bson) rather than
// reimplemented here.
package wire

import "go.mongodb.org/mongo-driver/bson"

// Document is a value that can be marshaled into a BSON document. Command
// bodies are built as bson.D so that field order (the command name must come
// first) is preserved.
type Document = bson.D

// Elem is a single ordered (key, value) pair of a Document.
type Elem = bson.E

// Raw is an already-encoded BSON document, as decoded off the wire. It can be
// read field-by-field without a full unmarshal.
type Raw = bson.Raw

// RawValue is a single typed field value read out of a Raw document.
type RawValue = bson.RawValue

// Encode marshals a Document (or any bson-taggable value) into wire bytes.
func Encode(v interface{}) ([]byte, error) {
	return bson.Marshal(v)
}

// Decode parses wire bytes into a Raw document after validating the whole
// document's structure; the bytes are not copied or unmarshaled.
func Decode(b []byte) (Raw, error) {
	var r Raw = b
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Namespace is a (database, collection) pair rendered on the wire as
// "db.collection".
type Namespace struct {
	DB         string
	Collection string
}

// FullName renders the namespace as it appears on the wire.
func (ns Namespace) FullName() string {
	return ns.DB + "." + ns.Collection
}

// Validate enforces spec.md §3's Namespace invariants: neither half contains
// '$' or NUL, and the database name is non-empty and at most 63 bytes.
func (ns Namespace) Validate() error {
	if ns.DB == "" {
		return ErrEmptyDatabaseName
	}
	if len(ns.DB) > 63 {
		return ErrDatabaseNameTooLong
	}
	for _, half := range []string{ns.DB, ns.Collection} {
		for _, r := range half {
			if r == '$' || r == 0 {
				return ErrInvalidNamespaceChar
			}
		}
	}
	return nil
}
