package topology

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

// fakeMongoListener accepts connections and answers every request with
// {ok: 1}, enough to satisfy the hello handshake Checkout runs.
func fakeMongoListener(t *testing.T) (address.Address, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeConn(conn)
		}
	}()

	addr, err := address.New(ln.Addr().(*net.TCPAddr).IP.String(), uint16(ln.Addr().(*net.TCPAddr).Port))
	if err != nil {
		t.Fatalf("address.New: %v", err)
	}
	return addr, func() { ln.Close() }
}

func serveFakeConn(nc net.Conn) {
	defer nc.Close()
	for {
		var sizeBuf [4]byte
		if _, err := io.ReadFull(nc, sizeBuf[:]); err != nil {
			return
		}
		size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
		buf := make([]byte, size)
		copy(buf, sizeBuf[:])
		if _, err := io.ReadFull(nc, buf[4:]); err != nil {
			return
		}
		hdr, err := wiremessage.ReadHeader(buf, 0)
		if err != nil {
			return
		}

		replyBody, _ := wire.Encode(wire.Document{
			{Key: "ok", Value: 1.0},
			{Key: "maxWireVersion", Value: int32(17)},
			{Key: "minWireVersion", Value: int32(0)},
		})
		reply := wiremessage.Msg{
			Header:   wiremessage.Header{ResponseTo: hdr.RequestID},
			Sections: []wiremessage.Section{{Kind: wiremessage.SectionKindBody, Document: replyBody}},
		}
		out, err := reply.Append(nil)
		if err != nil {
			return
		}
		if _, err := nc.Write(out); err != nil {
			return
		}
	}
}

func TestPoolCheckoutReusesCheckedInConnection(t *testing.T) {
	addr, stop := fakeMongoListener(t)
	defer stop()

	p := NewPool(addr, 2, HandshakeConfig{})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c1, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	p.Checkin(c1)

	c2, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if c2 != c1 {
		t.Fatalf("expected Checkout to reuse the checked-in Connection")
	}
	p.Checkin(c2)
}

func TestPoolCheckoutBlocksUntilCheckin(t *testing.T) {
	addr, stop := fakeMongoListener(t)
	defer stop()

	p := NewPool(addr, 1, HandshakeConfig{})
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("first Checkout: %v", err)
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := p.Checkout(ctx)
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatalf("second Checkout returned before the pool's single connection was checked in")
	case <-time.After(100 * time.Millisecond):
	}

	p.Checkin(c1)

	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second Checkout: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second Checkout never unblocked after Checkin")
	}
}

func TestPoolCheckoutTimesOut(t *testing.T) {
	addr, stop := fakeMongoListener(t)
	defer stop()

	p := NewPool(addr, 1, HandshakeConfig{})
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Checkout(ctx)
	if err != nil {
		t.Fatalf("first Checkout: %v", err)
	}
	defer p.Checkin(c1)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if _, err := p.Checkout(shortCtx); err == nil {
		t.Fatalf("expected Checkout to time out against a saturated pool")
	}
}
