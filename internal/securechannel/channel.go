package securechannel

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"nearshare/internal/protocol"
	"nearshare/internal/protocol/frame"
)

var (
	ErrReplay             = errors.New("securechannel: unexpected sequence number")
	ErrAuthFailed         = errors.New("securechannel: authentication failed")
	ErrSequenceExhausted  = errors.New("securechannel: send sequence exhausted")
	ErrChannelFailed      = errors.New("securechannel: channel failed")
	ErrPlaintextAfterInit = errors.New("securechannel: cleartext frame after handshake")
)

// Transport is a framed, deadline-capable byte stream.
type Transport interface {
	ReadFrame() (frame.Frame, error)
	WriteFrame(frame.Frame) error
	SetDeadline(t time.Time) error
}

type connTransport struct {
	conn net.Conn
	r    *frame.Reader
	w    *frame.Writer
}

// NewTransport frames conn with the given limits.
func NewTransport(conn net.Conn, limits frame.Limits) Transport {
	return &connTransport{
		conn: conn,
		r:    frame.NewReader(conn, limits),
		w:    frame.NewWriter(conn, limits),
	}
}

func (t *connTransport) ReadFrame() (frame.Frame, error) { return t.r.ReadFrame() }
func (t *connTransport) WriteFrame(f frame.Frame) error  { return t.w.WriteFrame(f) }
func (t *connTransport) SetDeadline(d time.Time) error   { return t.conn.SetDeadline(d) }

// Channel is an established secure channel. Send is safe for concurrent
// use; Receive must be called from a single goroutine.
type Channel struct {
	t     Transport
	suite Suite

	sendKey  []byte
	recvKey  []byte
	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	mu      sync.Mutex
	sendSeq uint64
	recvSeq uint64
	failed  atomic.Bool

	code         string
	peerDeviceID []byte
	peerKey      ed25519.PublicKey
	confirmed    bool
}

func newChannel(t Transport, suite Suite, sendKey, recvKey []byte) (*Channel, error) {
	sendAEAD, err := suite.NewAEAD(sendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := suite.NewAEAD(recvKey)
	if err != nil {
		return nil, err
	}
	return &Channel{
		t:        t,
		suite:    suite,
		sendKey:  sendKey,
		recvKey:  recvKey,
		sendAEAD: sendAEAD,
		recvAEAD: recvAEAD,
	}, nil
}

// Code is the short verification code both sides derived.
func (c *Channel) Code() string { return c.code }

// PeerDeviceID is the device id the peer presented during the handshake.
func (c *Channel) PeerDeviceID() []byte { return c.peerDeviceID }

// PeerIdentityKey is the long-term key the peer proved it holds.
func (c *Channel) PeerIdentityKey() ed25519.PublicKey { return c.peerKey }

// Suite reports the negotiated suite name.
func (c *Channel) Suite() string { return c.suite.Name }

// UserConfirmed reports whether a person confirmed the code interactively.
func (c *Channel) UserConfirmed() bool { return c.confirmed }

func nonceFor(seq uint64) []byte {
	n := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(n[4:], seq)
	return n
}

// Seal encrypts plaintext under the next send sequence number.
func (c *Channel) Seal(plaintext []byte) (protocol.Encrypted, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealLocked(plaintext)
}

func (c *Channel) sealLocked(plaintext []byte) (protocol.Encrypted, error) {
	if c.failed.Load() {
		return protocol.Encrypted{}, ErrChannelFailed
	}
	if c.sendSeq == math.MaxUint64 {
		return protocol.Encrypted{}, ErrSequenceExhausted
	}
	seq := c.sendSeq
	c.sendSeq++
	ct := c.sendAEAD.Seal(nil, nonceFor(seq), plaintext, nil)
	return protocol.Encrypted{Seq: seq, Ciphertext: ct}, nil
}

// Open authenticates and decrypts one Encrypted message. Only the exact
// next sequence number is accepted; any failure poisons the channel.
func (c *Channel) Open(m protocol.Encrypted) ([]byte, error) {
	if c.failed.Load() {
		return nil, ErrChannelFailed
	}
	if m.Seq != c.recvSeq {
		c.failed.Store(true)
		return nil, fmt.Errorf("%w: got=%d want=%d", ErrReplay, m.Seq, c.recvSeq)
	}
	pt, err := c.recvAEAD.Open(nil, nonceFor(m.Seq), m.Ciphertext, nil)
	if err != nil {
		c.failed.Store(true)
		return nil, ErrAuthFailed
	}
	c.recvSeq++
	return pt, nil
}

// Send seals m and writes it as one Encrypted frame.
func (c *Channel) Send(m protocol.Message) error {
	body, err := protocol.MarshalBody(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	enc, err := c.sealLocked(body)
	if err != nil {
		return err
	}
	return c.t.WriteFrame(protocol.ToFrame(enc))
}

// Receive reads the next Encrypted frame and returns the inner message.
func (c *Channel) Receive() (protocol.Message, error) {
	f, err := c.t.ReadFrame()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.FromFrame(f)
	if err != nil {
		return nil, err
	}
	enc, ok := msg.(protocol.Encrypted)
	if !ok {
		c.failed.Store(true)
		return nil, fmt.Errorf("%w: type=%#02x", ErrPlaintextAfterInit, f.Type)
	}
	pt, err := c.Open(enc)
	if err != nil {
		return nil, err
	}
	return protocol.UnmarshalBody(pt)
}

// Wipe zeroes key material. The channel is unusable afterwards.
func (c *Channel) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed.Store(true)
	wipe(c.sendKey)
	wipe(c.recvKey)
}

func wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}
