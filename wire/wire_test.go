// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
)

// TestEncodeDecodeRoundTrip mirrors mongo/options/clientoptions_test.go's use
// of go-cmp for document comparisons: it diffs the Document put in against
// the bson.D decoded back out of the Raw bytes, rather than field-by-field
// assertions, so a future field gets covered for free.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Document{
		{Key: "insert", Value: "coll"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}},
		{Key: "ordered", Value: true},
	}

	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	raw, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var out Document
	if err := bson.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip changed the document (-want +got):\n%s", diff)
	}
}

func TestNamespaceValidate(t *testing.T) {
	cases := []struct {
		name string
		ns   Namespace
		want error
	}{
		{"ok", Namespace{DB: "test", Collection: "coll"}, nil},
		{"empty db", Namespace{DB: "", Collection: "coll"}, ErrEmptyDatabaseName},
		{"dollar in db", Namespace{DB: "te$t", Collection: "coll"}, ErrInvalidNamespaceChar},
		{"nul in collection", Namespace{DB: "test", Collection: "co\x00ll"}, ErrInvalidNamespaceChar},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.ns.Validate(); got != c.want {
				t.Fatalf("Validate() = %v, want %v", got, c.want)
			}
		})
	}
}
