package transport

import (
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	"nearshare/internal/config"
	"nearshare/internal/testutil/testlog"
)

func roundTrip(t *testing.T, tr Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := tr.Listen(ctx, 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if ln.Port() == 0 {
		t.Fatalf("listener reported no port")
	}

	accepted := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			accepted <- nil
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			accepted <- nil
			return
		}
		_, _ = conn.Write([]byte("pong!"))
		accepted <- buf
	}()

	conn, err := tr.Dial(ctx, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), ln.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ping!")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := make([]byte, 5)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := <-accepted; string(got) != "ping!" || string(reply) != "pong!" {
		t.Fatalf("exchange got=%q reply=%q", got, reply)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	testlog.Start(t)
	tr, err := New(config.TransportTCP)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	roundTrip(t, tr)
}

func TestQUICRoundTrip(t *testing.T) {
	testlog.Start(t)
	tr, err := New(config.TransportQUIC)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	roundTrip(t, tr)
}

func TestTCPAcceptHonoursContext(t *testing.T) {
	testlog.Start(t)
	ln, err := (&TCP{}).Listen(context.Background(), 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ln.Accept(ctx); err == nil {
		t.Fatalf("expected accept to fail after cancel")
	}
}

func TestUnknownTransport(t *testing.T) {
	testlog.Start(t)
	if _, err := New("bluetooth"); err == nil {
		t.Fatalf("expected error")
	}
}
