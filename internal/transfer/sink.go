package transfer

import (
	"context"
	"crypto/ed25519"
	"io"
)

// Peer identifies the remote side of a session.
type Peer struct {
	DeviceID   []byte
	Name       string
	DeviceType string
	// IdentityKey is the long-term key proven during the handshake. It is
	// empty until the secure channel is up.
	IdentityKey ed25519.PublicKey
}

// Received describes a committed inbound payload. Files carry Path, text
// and raw bytes carry Data.
type Received struct {
	Payload PayloadInfo
	Path    string
	Data    []byte
}

// Sink consumes the bytes of one inbound payload. Commit is called once the
// digest matched; Abort discards partial output.
type Sink interface {
	io.Writer
	Commit() (Received, error)
	Abort() error
}

// Resolver picks where accepted payloads are written.
type Resolver interface {
	Resolve(ctx context.Context, peer Peer, info PayloadInfo) (Sink, error)
}

type ResolverFunc func(ctx context.Context, peer Peer, info PayloadInfo) (Sink, error)

func (f ResolverFunc) Resolve(ctx context.Context, peer Peer, info PayloadInfo) (Sink, error) {
	return f(ctx, peer, info)
}
