// Package transport provides the reliable byte streams sessions run over:
// plain TCP, or a single bidirectional QUIC stream per connection.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"nearshare/internal/config"
)

// Listener accepts inbound connections.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Port() uint16
	Close() error
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

// Transport is a Dialer that can also listen.
type Transport interface {
	Dialer
	Listen(ctx context.Context, port uint16) (Listener, error)
}

// New returns the transport named by kind.
func New(kind string) (Transport, error) {
	switch kind {
	case config.TransportTCP, "":
		return &TCP{KeepAlive: 15 * time.Second}, nil
	case config.TransportQUIC:
		return NewQUIC()
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}

// TCP is the default transport.
type TCP struct {
	KeepAlive time.Duration
}

func (t *TCP) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.KeepAlive}
	return d.DialContext(ctx, "tcp", addr.String())
}

func (t *TCP) Listen(ctx context.Context, port uint16) (Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	conn, err := l.ln.Accept()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return conn, err
}

func (l *tcpListener) Port() uint16 {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}

func (l *tcpListener) Close() error { return l.ln.Close() }

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr netip.AddrPort) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return f(ctx, addr)
}
