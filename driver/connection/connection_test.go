package connection

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kesterel/mongowire/address"
	"github.com/kesterel/mongowire/wire"
	"github.com/kesterel/mongowire/wiremessage"
)

func newTestConnection(t *testing.T, nc net.Conn) *Connection {
	t.Helper()
	c, err := Wrap(nc, address.Address("test:27017"))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	return c
}

// readFrame reads one length-prefixed wire protocol frame off r.
func readFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		t.Fatalf("read size prefix: %v", err)
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		t.Fatalf("read frame body: %v", err)
	}
	return buf
}

func TestExecuteRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := newTestConnection(t, client)
	defer conn.Close()

	go func() {
		buf := readFrame(t, server)
		hdr, err := wiremessage.ReadHeader(buf, 0)
		if err != nil {
			return
		}
		replyBody, _ := wire.Encode(wire.Document{{Key: "ok", Value: 1.0}})
		reply := wiremessage.Msg{
			Header:   wiremessage.Header{ResponseTo: hdr.RequestID},
			Sections: []wiremessage.Section{{Kind: wiremessage.SectionKindBody, Document: replyBody}},
		}
		out, _ := reply.Append(nil)
		server.Write(out)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := conn.Execute(ctx, wire.Document{{Key: "ping", Value: 1}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	val, err := reply.LookupErr("ok")
	if err != nil {
		t.Fatalf("reply missing ok field: %v", err)
	}
	if got := val.Double(); got != 1.0 {
		t.Fatalf("ok = %v, want 1", got)
	}
}

func TestExecuteCorrelatesOutOfOrderReplies(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	conn := newTestConnection(t, client)
	defer conn.Close()

	requests := make(chan int32, 2)
	go func() {
		for i := 0; i < 2; i++ {
			buf := readFrame(t, server)
			hdr, err := wiremessage.ReadHeader(buf, 0)
			if err != nil {
				return
			}
			requests <- hdr.RequestID
		}
		// Reply to the second request first, then the first — Execute calls
		// must still each get their own matching reply.
		ids := []int32{<-requests, <-requests}
		for _, reqID := range []int32{ids[1], ids[0]} {
			replyBody, _ := wire.Encode(wire.Document{{Key: "ok", Value: 1.0}, {Key: "echo", Value: reqID}})
			reply := wiremessage.Msg{
				Header:   wiremessage.Header{ResponseTo: reqID},
				Sections: []wiremessage.Section{{Kind: wiremessage.SectionKindBody, Document: replyBody}},
			}
			out, _ := reply.Append(nil)
			server.Write(out)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := conn.Execute(ctx, wire.Document{{Key: "ping", Value: 1}})
			results <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
}

func TestConnectionPoisonsOnServerClose(t *testing.T) {
	client, server := net.Pipe()

	conn := newTestConnection(t, client)
	defer conn.Close()

	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := conn.Execute(ctx, wire.Document{{Key: "ping", Value: 1}}); err == nil {
		t.Fatalf("expected Execute to fail once the peer closed the socket")
	}

	deadline := time.Now().Add(time.Second)
	for conn.Alive() {
		if time.Now().After(deadline) {
			t.Fatalf("connection was never poisoned after peer close")
		}
		time.Sleep(time.Millisecond)
	}
}
