package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kesterel/mongowire/address"
	"github.com/kesterel/mongowire/driver"
	"github.com/kesterel/mongowire/driver/session"
	"github.com/kesterel/mongowire/driver/topology"
	"github.com/kesterel/mongowire/wire"
	"github.com/kesterel/mongowire/wiremessage"
)

func TestBuildCommandWithoutSession(t *testing.T) {
	op := &Operation{Database: "test"}
	doc := op.buildCommand(wire.Document{{Key: "ping", Value: 1}})

	if got := lookupString(t, doc, "$db"); got != "test" {
		t.Fatalf("$db = %q, want %q", got, "test")
	}
	if hasKey(doc, "lsid") {
		t.Fatalf("expected no lsid without a Session, got %v", doc)
	}
}

func TestBuildCommandAttachesTransactionMetadata(t *testing.T) {
	sess := &session.Client{}
	if err := sess.Transaction.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	op := &Operation{Database: "test", Session: sess}
	doc := op.buildCommand(wire.Document{{Key: "insert", Value: "coll"}})

	if !hasKey(doc, "lsid") {
		t.Fatalf("expected lsid to be attached, got %v", doc)
	}
	if got := lookupInt64(t, doc, "txnNumber"); got != 1 {
		t.Fatalf("txnNumber = %v, want 1", got)
	}
	if !hasKey(doc, "startTransaction") {
		t.Fatalf("expected startTransaction on the first command of a transaction, got %v", doc)
	}
	if !hasKey(doc, "autocommit") {
		t.Fatalf("expected autocommit to be attached while a transaction is active, got %v", doc)
	}

	sess.Transaction.AdvanceToInProgress()
	doc2 := op.buildCommand(wire.Document{{Key: "insert", Value: "coll"}})
	if hasKey(doc2, "startTransaction") {
		t.Fatalf("startTransaction must only be set on the first command of a transaction, got %v", doc2)
	}
}

func TestBuildCommandOmitsTransactionFieldsOutsideTransaction(t *testing.T) {
	sess := &session.Client{}
	op := &Operation{Database: "test", Session: sess}
	doc := op.buildCommand(wire.Document{{Key: "ping", Value: 1}})

	if hasKey(doc, "txnNumber") || hasKey(doc, "autocommit") {
		t.Fatalf("expected no transaction fields without an active transaction, got %v", doc)
	}
	if !hasKey(doc, "lsid") {
		t.Fatalf("expected lsid to still be attached for a session-bound command, got %v", doc)
	}
}

// fakeServer starts a TCP listener that replies {ok: 1, maxWireVersion: 17}
// to the very first frame it reads from each connection (satisfying
// topology.Pool's hello handshake), then replies to every subsequent frame
// with the next document popped from replies, keyed back via responseTo.
func fakeServer(t *testing.T, replies []wire.Document) (address.Address, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		helloBody, _ := wire.Encode(wire.Document{
			{Key: "ok", Value: 1.0},
			{Key: "maxWireVersion", Value: int32(17)},
			{Key: "minWireVersion", Value: int32(0)},
		})
		if !respondOnce(conn, helloBody) {
			return
		}

		for _, reply := range replies {
			body, _ := wire.Encode(reply)
			if !respondOnce(conn, body) {
				return
			}
		}
	}()

	addr, err := address.New(ln.Addr().(*net.TCPAddr).IP.String(), uint16(ln.Addr().(*net.TCPAddr).Port))
	if err != nil {
		t.Fatalf("address.New: %v", err)
	}
	return addr, func() { ln.Close() }
}

func respondOnce(nc net.Conn, body []byte) bool {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(nc, sizeBuf[:]); err != nil {
		return false
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	if _, err := io.ReadFull(nc, buf[4:]); err != nil {
		return false
	}
	hdr, err := wiremessage.ReadHeader(buf, 0)
	if err != nil {
		return false
	}
	reply := wiremessage.Msg{
		Header:   wiremessage.Header{ResponseTo: hdr.RequestID},
		Sections: []wiremessage.Section{{Kind: wiremessage.SectionKindBody, Document: body}},
	}
	out, err := reply.Append(nil)
	if err != nil {
		return false
	}
	_, err = nc.Write(out)
	return err == nil
}

func TestOperationExecuteRoundTrip(t *testing.T) {
	addr, stop := fakeServer(t, []wire.Document{
		{{Key: "ok", Value: 1.0}, {Key: "n", Value: int32(1)}},
	})
	defer stop()

	pool := topology.NewPool(addr, 2, topology.HandshakeConfig{})
	defer pool.Close()

	op := &Operation{Database: "test", Pool: pool}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := op.Execute(ctx, wire.Document{{Key: "ping", Value: 1}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := lookupInt32(t, reply, "n"); got != 1 {
		t.Fatalf("n = %v, want 1", got)
	}
}

func TestOperationExecuteAbortsTransactionOnTransientLabel(t *testing.T) {
	addr, stop := fakeServer(t, []wire.Document{
		{
			{Key: "ok", Value: 0.0},
			{Key: "errmsg", Value: "snapshot too old"},
			{Key: "code", Value: int32(246)},
			{Key: "codeName", Value: "SnapshotTooOld"},
			{Key: "errorLabels", Value: bson.A{"TransientTransactionError"}},
		},
	})
	defer stop()

	pool := topology.NewPool(addr, 1, topology.HandshakeConfig{})
	defer pool.Close()

	sess := &session.Client{}
	if err := sess.Transaction.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	op := &Operation{Database: "test", Pool: pool, Session: sess}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := op.Execute(ctx, wire.Document{{Key: "insert", Value: "coll"}})
	if err == nil {
		t.Fatalf("expected Execute to return the decoded server error")
	}
	if sess.Transaction.State() != session.Aborted {
		t.Fatalf("transaction state = %v, want Aborted after a TransientTransactionError", sess.Transaction.State())
	}
}

// killingServer starts a TCP listener that answers the hello handshake
// normally, then, on the very next frame it reads, closes the connection
// without replying — simulating the server (or the network) dying mid
// command, the transport-failure half of Testable Scenario S6.
func killingServer(t *testing.T) (address.Address, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		helloBody, _ := wire.Encode(wire.Document{
			{Key: "ok", Value: 1.0},
			{Key: "maxWireVersion", Value: int32(17)},
			{Key: "minWireVersion", Value: int32(0)},
		})
		if !respondOnce(conn, helloBody) {
			return
		}

		var sizeBuf [4]byte
		io.ReadFull(conn, sizeBuf[:])
	}()

	addr, err := address.New(ln.Addr().(*net.TCPAddr).IP.String(), uint16(ln.Addr().(*net.TCPAddr).Port))
	if err != nil {
		t.Fatalf("address.New: %v", err)
	}
	return addr, func() { ln.Close() }
}

// TestOperationExecuteLabelsTransportErrorDuringActiveTransaction covers
// spec.md §7's Testable Scenario S6: a transport-level failure (not a
// server-reported errorLabels) that happens while a transaction is active
// must still surface as an error carrying TransientTransactionError, not a
// bare connection/protocol error.
func TestOperationExecuteLabelsTransportErrorDuringActiveTransaction(t *testing.T) {
	addr, stop := killingServer(t)
	defer stop()

	pool := topology.NewPool(addr, 1, topology.HandshakeConfig{})
	defer pool.Close()

	sess := &session.Client{}
	if err := sess.Transaction.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	op := &Operation{Database: "test", Pool: pool, Session: sess}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := op.Execute(ctx, wire.Document{{Key: "insert", Value: "coll"}})
	if err == nil {
		t.Fatalf("expected Execute to return a transport error")
	}

	var svrErr *driver.ServerError
	if !errors.As(err, &svrErr) {
		t.Fatalf("expected *driver.ServerError, got %T: %v", err, err)
	}
	if !svrErr.HasLabel(driver.LabelTransientTransactionError) {
		t.Fatalf("error labels = %v, want TransientTransactionError", svrErr.Labels)
	}
	if sess.Transaction.State() != session.Aborted {
		t.Fatalf("transaction state = %v, want Aborted after a transport failure", sess.Transaction.State())
	}
}

func lookupString(t *testing.T, doc wire.Document, key string) string {
	t.Helper()
	for _, e := range doc {
		if e.Key == key {
			s, _ := e.Value.(string)
			return s
		}
	}
	t.Fatalf("document missing key %q: %v", key, doc)
	return ""
}

func lookupInt64(t *testing.T, doc wire.Document, key string) int64 {
	t.Helper()
	for _, e := range doc {
		if e.Key == key {
			n, _ := e.Value.(int64)
			return n
		}
	}
	t.Fatalf("document missing key %q: %v", key, doc)
	return 0
}

func lookupInt32(t *testing.T, reply wire.Raw, key string) int32 {
	t.Helper()
	v, err := reply.LookupErr(key)
	if err != nil {
		t.Fatalf("reply missing key %q: %v", key, err)
	}
	n, ok := v.Int32OK()
	if !ok {
		t.Fatalf("key %q is not int32", key)
	}
	return n
}

func hasKey(doc wire.Document, key string) bool {
	for _, e := range doc {
		if e.Key == key {
			return true
		}
	}
	return false
}
