package securechannel

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/curve25519"

	apperrors "nearshare/internal/errors"
	"nearshare/internal/logging"
	"nearshare/internal/protocol"
)

// Phase is the handshake progress of one secure channel.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseKeyAgreement
	PhaseVerification
	PhaseEstablished
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseKeyAgreement:
		return "key-agreement"
	case PhaseVerification:
		return "verification"
	case PhaseEstablished:
		return "established"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	DefaultStepTimeout   = 10 * time.Second
	DefaultVerifyTimeout = 60 * time.Second

	randomSize    = 32
	kdfInfo       = "nearshare/v1 session keys"
	identityLabel = "nearshare/v1 identity "
)

// Role distinguishes the dialling side from the accepting side.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// PeerInfo is what the verifier learns about the remote side. IdentityKey
// has already been proven by a transcript signature when the verifier runs.
type PeerInfo struct {
	DeviceID    []byte
	IdentityKey ed25519.PublicKey
	Role        Role
}

// Decision is a verifier outcome.
type Decision int

const (
	// Rejected aborts the handshake.
	Rejected Decision = iota
	// Accepted means the code is acceptable without a person looking at it.
	Accepted
	// Confirmed means a person compared and confirmed the code.
	Confirmed
)

// Verifier decides whether the derived code is acceptable for peer.
type Verifier interface {
	Verify(ctx context.Context, peer PeerInfo, code string) (Decision, error)
}

type VerifierFunc func(ctx context.Context, peer PeerInfo, code string) (Decision, error)

func (f VerifierFunc) Verify(ctx context.Context, peer PeerInfo, code string) (Decision, error) {
	return f(ctx, peer, code)
}

// AutoVerifier accepts every code; the code is shown later alongside the
// consent request.
var AutoVerifier Verifier = VerifierFunc(func(context.Context, PeerInfo, string) (Decision, error) {
	return Accepted, nil
})

type Config struct {
	DeviceID []byte
	// Identity is the long-term signing key. A throwaway key is generated
	// when nil, so the peer can never recognise this device again.
	Identity      ed25519.PrivateKey
	Suites        []Suite
	StepTimeout   time.Duration
	VerifyTimeout time.Duration
	Verifier      Verifier
	Rand          io.Reader
	// OnPhase, when set, observes every phase transition.
	OnPhase func(Phase)
}

func (c Config) withDefaults() Config {
	if len(c.Suites) == 0 {
		c.Suites = DefaultSuites()
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.Verifier == nil {
		c.Verifier = AutoVerifier
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	return c
}

var supportedVersions = []byte{protocol.ProtocolVersion}

type handshake struct {
	cfg   Config
	role  Role
	t     Transport
	phase Phase
	log   zerolog.Logger

	priv      []byte
	pub       []byte
	peerPub   []byte
	peerID    []byte
	peerKey   ed25519.PublicKey
	suite     Suite
	initBody  []byte
	replyBody []byte
}

// Initiate runs the dialling side of the handshake over t.
func Initiate(ctx context.Context, t Transport, cfg Config) (*Channel, error) {
	h := newHandshake(t, cfg, RoleInitiator)
	return h.run(ctx, h.initiate)
}

// Respond runs the accepting side of the handshake over t.
func Respond(ctx context.Context, t Transport, cfg Config) (*Channel, error) {
	h := newHandshake(t, cfg, RoleResponder)
	return h.run(ctx, h.respond)
}

func newHandshake(t Transport, cfg Config, role Role) *handshake {
	return &handshake{
		cfg:  cfg.withDefaults(),
		role: role,
		t:    t,
		log:  logging.Component("securechannel"),
	}
}

func (h *handshake) setPhase(p Phase) {
	h.phase = p
	h.log.Debug().Str("phase", p.String()).Int("role", int(h.role)).Msg("handshake phase")
	if h.cfg.OnPhase != nil {
		h.cfg.OnPhase(p)
	}
}

func (h *handshake) run(ctx context.Context, step func(context.Context) (*Channel, error)) (*Channel, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = h.t.SetDeadline(time.Unix(1, 0))
	})
	defer stop()
	defer func() { wipe(h.priv) }()

	h.setPhase(PhaseInit)
	ch, err := step(ctx)
	if err != nil {
		h.setPhase(PhaseFailed)
		if ctx.Err() != nil {
			return nil, apperrors.Cancelled("securechannel", "handshake cancelled")
		}
		if _, ok := apperrors.TypeOf(err); ok {
			return nil, err
		}
		return nil, apperrors.Handshake("securechannel", "handshake failed", err)
	}
	_ = h.t.SetDeadline(time.Time{})
	h.setPhase(PhaseEstablished)
	return ch, nil
}

func (h *handshake) generate() error {
	if h.cfg.Identity == nil {
		_, id, err := ed25519.GenerateKey(h.cfg.Rand)
		if err != nil {
			return err
		}
		h.cfg.Identity = id
	}
	h.priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(h.cfg.Rand, h.priv); err != nil {
		return err
	}
	pub, err := curve25519.X25519(h.priv, curve25519.Basepoint)
	if err != nil {
		return err
	}
	h.pub = pub
	return nil
}

func (h *handshake) random() ([]byte, error) {
	r := make([]byte, randomSize)
	_, err := io.ReadFull(h.cfg.Rand, r)
	return r, err
}

func (h *handshake) write(m protocol.Message) error {
	if err := h.t.SetDeadline(time.Now().Add(h.cfg.StepTimeout)); err != nil {
		return err
	}
	return h.t.WriteFrame(protocol.ToFrame(m))
}

func (h *handshake) read(timeout time.Duration) (protocol.Message, []byte, error) {
	if err := h.t.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, err
	}
	f, err := h.t.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	msg, err := protocol.FromFrame(f)
	if err != nil {
		return nil, nil, err
	}
	if rej, ok := msg.(protocol.HandshakeReject); ok {
		return nil, nil, apperrors.Handshake("securechannel", "peer rejected handshake: "+rej.Reason, nil)
	}
	body, err := protocol.MarshalBody(msg)
	if err != nil {
		return nil, nil, err
	}
	return msg, body, nil
}

func (h *handshake) reject(reason string) {
	if err := h.write(protocol.HandshakeReject{Reason: reason}); err != nil {
		h.log.Debug().Err(err).Msg("send handshake reject")
	}
}

func (h *handshake) initiate(ctx context.Context) (*Channel, error) {
	if err := h.generate(); err != nil {
		return nil, err
	}
	rnd, err := h.random()
	if err != nil {
		return nil, err
	}
	hello := protocol.HandshakeInit{
		Versions:  supportedVersions,
		Suites:    suiteNames(h.cfg.Suites),
		PublicKey: h.pub,
		DeviceID:  h.cfg.DeviceID,
		Identity:  h.identity(),
		Random:    rnd,
	}
	if h.initBody, err = protocol.MarshalBody(hello); err != nil {
		return nil, err
	}
	if err := h.write(hello); err != nil {
		return nil, err
	}
	h.setPhase(PhaseKeyAgreement)

	msg, body, err := h.read(h.cfg.StepTimeout)
	if err != nil {
		return nil, err
	}
	reply, ok := msg.(protocol.HandshakeInitReply)
	if !ok {
		h.reject("unexpected message")
		return nil, fmt.Errorf("expected handshake reply, got type %#02x", msg.Type())
	}
	h.replyBody = body
	if !slices.Contains(supportedVersions, byte(reply.Version)) || reply.Version > 0xff {
		h.reject("unsupported version")
		return nil, fmt.Errorf("peer chose unsupported version %d", reply.Version)
	}
	suite, ok := findSuite(h.cfg.Suites, reply.Suite)
	if !ok {
		h.reject("unsupported suite")
		return nil, fmt.Errorf("peer chose unsupported suite %q", reply.Suite)
	}
	h.suite = suite
	h.peerPub = reply.PublicKey
	if err := h.setPeer(reply.DeviceID, reply.Identity); err != nil {
		return nil, err
	}
	if err := h.readIdentity(); err != nil {
		return nil, err
	}
	if err := h.writeIdentity(); err != nil {
		return nil, err
	}
	return h.finish(ctx)
}

func (h *handshake) respond(ctx context.Context) (*Channel, error) {
	msg, body, err := h.read(h.cfg.StepTimeout)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(protocol.HandshakeInit)
	if !ok {
		h.reject("unexpected message")
		return nil, fmt.Errorf("expected handshake init, got type %#02x", msg.Type())
	}
	h.initBody = body
	if !bytes.Contains(hello.Versions, supportedVersions) {
		h.reject("no common version")
		return nil, fmt.Errorf("no common protocol version in %v", hello.Versions)
	}
	var chosen Suite
	found := false
	for _, s := range h.cfg.Suites {
		if slices.Contains(hello.Suites, s.Name) {
			chosen, found = s, true
			break
		}
	}
	if !found {
		h.reject("no common suite")
		return nil, fmt.Errorf("no common cipher suite in %v", hello.Suites)
	}
	h.suite = chosen
	h.peerPub = hello.PublicKey
	if err := h.setPeer(hello.DeviceID, hello.Identity); err != nil {
		return nil, err
	}
	h.setPhase(PhaseKeyAgreement)

	if err := h.generate(); err != nil {
		return nil, err
	}
	rnd, err := h.random()
	if err != nil {
		return nil, err
	}
	reply := protocol.HandshakeInitReply{
		Version:   uint32(protocol.ProtocolVersion),
		Suite:     chosen.Name,
		PublicKey: h.pub,
		DeviceID:  h.cfg.DeviceID,
		Identity:  h.identity(),
		Random:    rnd,
	}
	if h.replyBody, err = protocol.MarshalBody(reply); err != nil {
		return nil, err
	}
	if err := h.write(reply); err != nil {
		return nil, err
	}
	if err := h.writeIdentity(); err != nil {
		return nil, err
	}
	if err := h.readIdentity(); err != nil {
		return nil, err
	}
	return h.finish(ctx)
}

func (h *handshake) identity() []byte {
	return h.cfg.Identity.Public().(ed25519.PublicKey)
}

// setPeer records the remote device id and long-term key. Both are
// mandatory: the id keys discovery and the key keys trust.
func (h *handshake) setPeer(deviceID, identity []byte) error {
	if len(deviceID) == 0 {
		h.reject("missing device id")
		return apperrors.Handshake("securechannel", "peer sent an empty device id", nil)
	}
	if len(identity) != ed25519.PublicKeySize {
		h.reject("bad identity key")
		return apperrors.Handshake("securechannel", fmt.Sprintf("peer identity key has length %d", len(identity)), nil)
	}
	h.peerID = deviceID
	h.peerKey = ed25519.PublicKey(identity)
	return nil
}

// transcript is what each side signs with its identity key. Both
// ephemeral keys and randoms are inside the bodies, so a signature cannot
// be replayed into another handshake.
func (h *handshake) transcript(role Role) []byte {
	label := identityLabel + "initiator"
	if role == RoleResponder {
		label = identityLabel + "responder"
	}
	out := make([]byte, 0, len(label)+len(h.initBody)+len(h.replyBody))
	out = append(out, label...)
	out = append(out, h.initBody...)
	return append(out, h.replyBody...)
}

func (h *handshake) writeIdentity() error {
	sig := ed25519.Sign(h.cfg.Identity, h.transcript(h.role))
	return h.write(protocol.HandshakeIdentity{Signature: sig})
}

func (h *handshake) readIdentity() error {
	msg, _, err := h.read(h.cfg.StepTimeout)
	if err != nil {
		return err
	}
	proof, ok := msg.(protocol.HandshakeIdentity)
	if !ok {
		h.reject("unexpected message")
		return fmt.Errorf("expected identity proof, got type %#02x", msg.Type())
	}
	peerRole := RoleResponder
	if h.role == RoleResponder {
		peerRole = RoleInitiator
	}
	if !ed25519.Verify(h.peerKey, h.transcript(peerRole), proof.Signature) {
		h.reject("bad identity proof")
		return apperrors.Handshake("securechannel", "peer could not prove its identity key", nil)
	}
	return nil
}

type sessionKeys struct {
	initiatorToResponder []byte
	responderToInitiator []byte
	auth                 []byte
}

func (h *handshake) derive() (sessionKeys, error) {
	if len(h.peerPub) != curve25519.PointSize {
		return sessionKeys{}, fmt.Errorf("peer public key has length %d", len(h.peerPub))
	}
	shared, err := curve25519.X25519(h.priv, h.peerPub)
	if err != nil {
		return sessionKeys{}, err
	}
	defer wipe(shared)

	first, second := h.pub, h.peerPub
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}
	salt := sha256.Sum256(append(append([]byte{}, first...), second...))

	okm, err := h.suite.KDF(shared, salt[:], []byte(kdfInfo+" "+h.suite.Name), 3*keySize)
	if err != nil {
		return sessionKeys{}, err
	}
	return sessionKeys{
		initiatorToResponder: okm[:keySize],
		responderToInitiator: okm[keySize : 2*keySize],
		auth:                 okm[2*keySize:],
	}, nil
}

func (h *handshake) transcriptMAC(auth []byte, role Role) []byte {
	label := "initiator"
	if role == RoleResponder {
		label = "responder"
	}
	m := hmac.New(sha256.New, auth)
	m.Write([]byte(label))
	m.Write(h.initBody)
	m.Write(h.replyBody)
	return m.Sum(nil)
}

// finish derives keys, runs verification and exchanges confirmations.
// The initiator confirms first so an unbuffered pipe never deadlocks.
func (h *handshake) finish(ctx context.Context) (*Channel, error) {
	keys, err := h.derive()
	if err != nil {
		h.reject("key agreement failed")
		return nil, err
	}
	defer wipe(keys.auth)

	h.setPhase(PhaseVerification)
	code := h.suite.Code(keys.auth)
	decision, err := h.verify(ctx, code)
	if err != nil {
		return nil, err
	}

	own := h.transcriptMAC(keys.auth, h.role)
	peerRole := RoleResponder
	if h.role == RoleResponder {
		peerRole = RoleInitiator
	}
	want := h.transcriptMAC(keys.auth, peerRole)
	confirmWait := h.cfg.StepTimeout + h.cfg.VerifyTimeout

	if h.role == RoleInitiator {
		if decision == Rejected {
			h.reject("code rejected")
			return nil, apperrors.Handshake("securechannel", "verification code rejected locally", nil)
		}
		if err := h.write(protocol.HandshakeConfirm{MAC: own}); err != nil {
			return nil, err
		}
		if err := h.readConfirm(want, confirmWait); err != nil {
			return nil, err
		}
	} else {
		if err := h.readConfirm(want, confirmWait); err != nil {
			return nil, err
		}
		if decision == Rejected {
			h.reject("code rejected")
			return nil, apperrors.Handshake("securechannel", "verification code rejected locally", nil)
		}
		if err := h.write(protocol.HandshakeConfirm{MAC: own}); err != nil {
			return nil, err
		}
	}

	sendKey, recvKey := keys.initiatorToResponder, keys.responderToInitiator
	if h.role == RoleResponder {
		sendKey, recvKey = recvKey, sendKey
	}
	ch, err := newChannel(h.t, h.suite, sendKey, recvKey)
	if err != nil {
		return nil, err
	}
	ch.code = code
	ch.peerDeviceID = h.peerID
	ch.peerKey = h.peerKey
	ch.confirmed = decision == Confirmed
	h.log.Info().Str("suite", h.suite.Name).Str("code", code).Msg("secure channel established")
	return ch, nil
}

func (h *handshake) verify(ctx context.Context, code string) (Decision, error) {
	vctx, cancel := context.WithTimeout(ctx, h.cfg.VerifyTimeout)
	defer cancel()
	decision, err := h.cfg.Verifier.Verify(vctx, PeerInfo{DeviceID: h.peerID, IdentityKey: h.peerKey, Role: h.role}, code)
	if err != nil {
		if ctx.Err() != nil {
			return Rejected, ctx.Err()
		}
		h.log.Info().Err(err).Msg("verification did not complete")
		return Rejected, nil
	}
	return decision, nil
}

func (h *handshake) readConfirm(want []byte, timeout time.Duration) error {
	msg, _, err := h.read(timeout)
	if err != nil {
		return err
	}
	confirm, ok := msg.(protocol.HandshakeConfirm)
	if !ok {
		h.reject("unexpected message")
		return fmt.Errorf("expected handshake confirm, got type %#02x", msg.Type())
	}
	if !hmac.Equal(confirm.MAC, want) {
		h.reject("bad confirmation")
		return apperrors.Handshake("securechannel", "transcript confirmation mismatch", nil)
	}
	return nil
}
