// Package transfer runs one sharing session over an established
// connection: secure handshake, introduction, consent, chunk streaming and
// integrity checks, ending in exactly one terminal state.
package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nearshare/internal/consent"
	apperrors "nearshare/internal/errors"
	"nearshare/internal/logging"
	"nearshare/internal/protocol"
	"nearshare/internal/protocol/frame"
	"nearshare/internal/securechannel"
)

const (
	DefaultChunkSize         = 512 * 1024
	MaxChunkSize             = 4 * 1024 * 1024
	DefaultConsentTimeout    = time.Minute
	DefaultIdleTimeout       = 30 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second

	DefaultProgressInterval = 100 * time.Millisecond

	cancelWriteTimeout = time.Second
)

var (
	ErrNotAwaitingConsent = errors.New("transfer: session is not awaiting consent")
	ErrNotInbound         = errors.New("transfer: only inbound sessions take a consent decision")
	ErrAlreadyRunning     = errors.New("transfer: session already started")
)

// Identity is how this device presents itself to peers.
type Identity struct {
	DeviceID   []byte
	Name       string
	DeviceType string
}

// DialFunc opens the connection for an outbound session.
type DialFunc func(ctx context.Context) (net.Conn, error)

type Config struct {
	Self              Identity
	ChunkSize         int
	Interleave        bool
	ConsentTimeout    time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration
	// ProgressInterval throttles progress events; negative reports every chunk.
	ProgressInterval time.Duration
	Handshake        securechannel.Config
	Limits           frame.Limits
	Resolver         Resolver

	// Verify, when set, replaces Handshake.Verifier with a check that knows
	// which session it is verifying.
	Verify func(ctx context.Context, s *Session, peer securechannel.PeerInfo, code string) (securechannel.Decision, error)
	// Admit runs once the peer is authenticated. An error ends the session.
	Admit    func(s *Session) error
	OnEvent  func(Event)
	OnFinish func(s *Session)
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize > MaxChunkSize {
		c.ChunkSize = MaxChunkSize
	}
	if c.ConsentTimeout <= 0 {
		c.ConsentTimeout = DefaultConsentTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.Limits.MaxFrameSize == 0 {
		c.Limits = frame.DefaultLimits()
	}
	return c
}

type inbound struct {
	msg protocol.Message
	err error
}

// Session is one transfer between this device and a peer. All protocol
// work happens on the goroutine calling Run; the other methods are safe to
// call from anywhere.
type Session struct {
	id   string
	dir  Direction
	cfg  Config
	log  zerolog.Logger
	dial DialFunc

	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	stop    chan struct{}
	started atomic.Bool

	conn     net.Conn
	ch       *securechannel.Channel
	consent  *consent.Request
	incoming chan inbound

	mu        sync.Mutex
	state     State
	err       error
	peer      Peer
	code      string
	confirmed bool
	payloads  []*Payload
	byID      map[uint64]*Payload
	progress  *progressTracker
	lastEmit  time.Time
}

func newSession(cfg Config, dir Direction) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	id := uuid.NewString()
	return &Session{
		id:       id,
		dir:      dir,
		cfg:      cfg.withDefaults(),
		log:      logging.Component("transfer").With().Str("session", id).Str("direction", dir.String()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		incoming: make(chan inbound),
		state:    StateConnecting,
		byID:     make(map[uint64]*Payload),
	}
}

// NewOutbound prepares a session sending payloads to peer. Payloads are
// copied, so the same set can be offered to several peers.
func NewOutbound(cfg Config, peer Peer, payloads []*Payload, dial DialFunc) (*Session, error) {
	if len(payloads) == 0 {
		return nil, errors.New("transfer: nothing to send")
	}
	if dial == nil {
		return nil, errors.New("transfer: outbound session needs a dialer")
	}
	s := newSession(cfg, Outbound)
	s.dial = dial
	s.peer = peer
	s.peer.DeviceID = bytes.Clone(peer.DeviceID)
	own := make([]*Payload, 0, len(payloads))
	for i, p := range payloads {
		cp := &Payload{PayloadInfo: p.PayloadInfo, open: p.open}
		cp.ID = uint64(i + 1)
		own = append(own, cp)
	}
	s.setPayloadsLocked(own)
	return s, nil
}

// NewInbound wraps an accepted connection.
func NewInbound(cfg Config, conn net.Conn) (*Session, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("transfer: inbound session needs a resolver")
	}
	s := newSession(cfg, Inbound)
	s.conn = conn
	s.consent = consent.NewRequest(consent.TransferOffer, nil)
	return s, nil
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Direction() Direction  { return s.dir }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Peer() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerLocked()
}

func (s *Session) peerLocked() Peer {
	p := s.peer
	p.DeviceID = bytes.Clone(s.peer.DeviceID)
	p.IdentityKey = bytes.Clone(s.peer.IdentityKey)
	return p
}

func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// UserConfirmed reports whether a person confirmed the verification code.
func (s *Session) UserConfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.id,
		Direction: s.dir,
		State:     s.state,
		Peer:      s.peerLocked(),
		Code:      s.code,
		Confirmed: s.confirmed,
		Err:       s.err,
	}
	if s.progress != nil {
		info.Progress = s.progress.snapshot()
	}
	for _, p := range s.payloads {
		info.Payloads = append(info.Payloads, PayloadStatus{
			PayloadInfo: p.PayloadInfo,
			Transferred: p.transferred,
			Done:        p.done,
		})
	}
	return info
}

// Accept grants consent to an inbound offer.
func (s *Session) Accept() error { return s.decide(true) }

// Reject declines an inbound offer.
func (s *Session) Reject() error { return s.decide(false) }

func (s *Session) decide(accept bool) error {
	if s.dir != Inbound {
		return ErrNotInbound
	}
	if st := s.State(); st != StateAwaitingConsent {
		return fmt.Errorf("%w: session %s is %s", ErrNotAwaitingConsent, s.id, st)
	}
	if err := s.consent.Resolve(accept); err != nil {
		return fmt.Errorf("transfer: session %s: %w", s.id, err)
	}
	return nil
}

// Cancel ends the session from this side. The peer is told best effort.
func (s *Session) Cancel(reason string) {
	if reason == "" {
		reason = "cancelled by user"
	}
	s.cancel(apperrors.Cancelled("transfer", reason))
}

// Run drives the session to a terminal state. ctx cancellation cancels
// the session.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	release := context.AfterFunc(ctx, func() {
		s.cancel(apperrors.Cancelled("transfer", "shutting down"))
	})
	defer release()

	err := s.run()
	s.finish(err)
	close(s.done)
	return err
}

func (s *Session) run() error {
	if s.ctx.Err() != nil {
		return s.cancelled()
	}
	if s.dir == Outbound {
		conn, err := s.dial(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return s.cancelled()
			}
			return apperrors.Connection("transfer", "dial failed", err)
		}
		s.conn = conn
	}
	s.setState(StateHandshaking)
	if err := s.handshake(); err != nil {
		return err
	}
	if s.cfg.Admit != nil {
		if err := s.cfg.Admit(s); err != nil {
			s.abort(protocol.AbortInternal, "busy")
			return err
		}
	}
	go s.readLoop()
	if s.dir == Outbound {
		return s.runOutbound()
	}
	return s.runInbound()
}

func (s *Session) handshake() error {
	hcfg := s.cfg.Handshake
	hcfg.DeviceID = s.cfg.Self.DeviceID
	if s.cfg.Verify != nil {
		hcfg.Verifier = securechannel.VerifierFunc(func(ctx context.Context, p securechannel.PeerInfo, code string) (securechannel.Decision, error) {
			s.mu.Lock()
			s.code = code
			if s.dir == Inbound {
				s.peer.DeviceID = bytes.Clone(p.DeviceID)
			}
			s.peer.IdentityKey = bytes.Clone(p.IdentityKey)
			s.mu.Unlock()
			return s.cfg.Verify(ctx, s, p, code)
		})
	}

	t := securechannel.NewTransport(s.conn, s.cfg.Limits)
	var (
		ch  *securechannel.Channel
		err error
	)
	if s.dir == Outbound {
		ch, err = securechannel.Initiate(s.ctx, t, hcfg)
	} else {
		ch, err = securechannel.Respond(s.ctx, t, hcfg)
	}
	if err != nil {
		if s.ctx.Err() != nil {
			return apperrors.Cancelled("transfer", s.cancelReason())
		}
		return err
	}

	got := ch.PeerDeviceID()
	s.mu.Lock()
	want := s.peer.DeviceID
	if s.dir == Outbound && len(want) > 0 && !bytes.HasPrefix(got, want) {
		s.mu.Unlock()
		ch.Wipe()
		return apperrors.Handshake("transfer", "peer device id does not match the selected endpoint", nil)
	}
	s.ch = ch
	s.code = ch.Code()
	s.confirmed = ch.UserConfirmed()
	s.peer.DeviceID = bytes.Clone(got)
	s.peer.IdentityKey = bytes.Clone(ch.PeerIdentityKey())
	s.mu.Unlock()
	s.log.Info().Str("suite", ch.Suite()).Bool("confirmed", ch.UserConfirmed()).Msg("secure channel established")
	return nil
}

func (s *Session) readLoop() {
	for {
		msg, err := s.ch.Receive()
		select {
		case s.incoming <- inbound{msg: msg, err: err}:
		case <-s.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// handlePeer applies the frames every state treats the same way. It
// reports whether msg was consumed.
func (s *Session) handlePeer(msg protocol.Message) (bool, error) {
	st := s.State()
	if !FrameAllowed(s.dir, st, msg.Type()) {
		return true, s.violation(fmt.Sprintf("unexpected message %#02x in state %s", msg.Type(), st))
	}
	switch m := msg.(type) {
	case protocol.KeepAlive:
		return true, nil
	case protocol.Cancel:
		reason := "cancelled by peer"
		if m.Reason != "" {
			reason += ": " + m.Reason
		}
		return true, apperrors.Cancelled("transfer", reason)
	case protocol.Abort:
		reason := fmt.Sprintf("peer aborted (%s): %s", m.Code, m.Reason)
		switch m.Code {
		case protocol.AbortIntegrity, protocol.AbortIO:
			return true, apperrors.PayloadIO("transfer", reason, nil)
		default:
			return true, apperrors.Protocol("transfer", reason, nil)
		}
	}
	return false, nil
}

// peerReason replaces a connection error with the Cancel or Abort the
// peer sent just before it hung up. A peer that cancels closes right after
// its Cancel, so a pending write often fails before the frame is read.
func (s *Session) peerReason(err error) error {
	if t, _ := apperrors.TypeOf(err); t != apperrors.ErrConnection {
		return err
	}
	wait := time.NewTimer(cancelWriteTimeout)
	defer wait.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return s.cancelled()
		case <-wait.C:
			return err
		case in := <-s.incoming:
			if in.err != nil {
				return err
			}
			switch in.msg.(type) {
			case protocol.Cancel, protocol.Abort:
				_, perr := s.handlePeer(in.msg)
				return perr
			}
		}
	}
}

func (s *Session) readFailed(err error) error {
	if s.ctx.Err() != nil {
		return s.cancelled()
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return apperrors.Connection("transfer", "peer closed the connection", err)
	case errors.Is(err, securechannel.ErrReplay), errors.Is(err, securechannel.ErrAuthFailed),
		errors.Is(err, securechannel.ErrPlaintextAfterInit), errors.Is(err, securechannel.ErrChannelFailed):
		return apperrors.Protocol("transfer", "secure channel failure", err)
	case errors.Is(err, frame.ErrFrameTooLarge), errors.Is(err, frame.ErrMalformed),
		errors.Is(err, frame.ErrUnknownType), errors.Is(err, frame.ErrEmptyFrame):
		return apperrors.Protocol("transfer", "malformed frame", err)
	}
	return apperrors.Connection("transfer", "read failed", err)
}

func (s *Session) runInbound() error {
	s.setState(StateAwaitingIntroduction)
	intro, err := s.awaitIntroduction()
	if err != nil {
		return err
	}
	if err := s.applyIntroduction(intro); err != nil {
		return s.violation(err.Error())
	}
	s.setState(StateAwaitingConsent)
	s.emit(EventConsentRequested)
	if err := s.awaitConsent(); err != nil {
		return err
	}
	return s.receive()
}

func (s *Session) awaitIntroduction() (protocol.Introduction, error) {
	timer := time.NewTimer(s.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return protocol.Introduction{}, s.cancelled()
		case <-timer.C:
			s.abort(protocol.AbortTimeout, "introduction timed out")
			return protocol.Introduction{}, apperrors.Protocol("transfer", "introduction timed out", nil)
		case in := <-s.incoming:
			if in.err != nil {
				return protocol.Introduction{}, s.readFailed(in.err)
			}
			if handled, err := s.handlePeer(in.msg); handled {
				if err != nil {
					return protocol.Introduction{}, err
				}
				continue
			}
			if intro, ok := in.msg.(protocol.Introduction); ok {
				return intro, nil
			}
			return protocol.Introduction{}, s.violation("expected introduction")
		}
	}
}

func (s *Session) applyIntroduction(m protocol.Introduction) error {
	if len(m.Entries) == 0 {
		return errors.New("introduction carries no payloads")
	}
	seen := make(map[uint64]bool, len(m.Entries))
	payloads := make([]*Payload, 0, len(m.Entries))
	var total uint64
	for _, e := range m.Entries {
		if seen[e.PayloadID] {
			return fmt.Errorf("duplicate payload id %d", e.PayloadID)
		}
		seen[e.PayloadID] = true
		if len(e.Digest) != sha256.Size {
			return fmt.Errorf("payload %d carries no sha-256 digest", e.PayloadID)
		}
		if total+e.Size < total {
			return errors.New("introduction total size overflows")
		}
		total += e.Size
		payloads = append(payloads, payloadFromEntry(e))
	}
	if total != m.TotalBytes {
		return fmt.Errorf("introduction total %d does not match manifest %d", m.TotalBytes, total)
	}
	s.mu.Lock()
	s.peer.Name = m.DeviceName
	s.peer.DeviceType = m.DeviceType
	s.setPayloadsLocked(payloads)
	s.mu.Unlock()
	return nil
}

func (s *Session) setPayloadsLocked(payloads []*Payload) {
	s.payloads = payloads
	clear(s.byID)
	var total uint64
	for _, p := range payloads {
		s.byID[p.ID] = p
		total += p.Size
	}
	s.progress = newProgressTracker(total, nil)
}

func (s *Session) awaitConsent() error {
	deadline := time.NewTimer(s.cfg.ConsentTimeout)
	defer deadline.Stop()
	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return s.cancelled()
		case <-deadline.C:
			if s.consent.Resolve(false) == nil {
				s.sendBestEffort(protocol.Reject{Reason: "timed out"})
				return apperrors.Rejected("transfer", "consent timed out")
			}
		case <-keepAlive.C:
			if err := s.send(protocol.KeepAlive{}); err != nil {
				return err
			}
		case <-s.consent.Decided():
			if !s.consent.Accepted() {
				s.sendBestEffort(protocol.Reject{Reason: "declined"})
				return apperrors.Rejected("transfer", "declined")
			}
			return nil
		case in := <-s.incoming:
			if in.err != nil {
				return s.readFailed(in.err)
			}
			handled, err := s.handlePeer(in.msg)
			if err != nil {
				return err
			}
			if !handled {
				return s.violation("unexpected message while awaiting consent")
			}
		}
	}
}

func (s *Session) receive() error {
	s.setState(StateAccepted)
	peer := s.Peer()
	for _, p := range s.payloads {
		sink, err := s.cfg.Resolver.Resolve(s.ctx, peer, p.PayloadInfo)
		if err != nil {
			s.abort(protocol.AbortIO, "cannot store payload")
			return apperrors.PayloadIO("transfer", fmt.Sprintf("no sink for %q", p.Name), err)
		}
		s.mu.Lock()
		p.sink = sink
		s.mu.Unlock()
	}
	s.setState(StateTransferring)
	if err := s.send(protocol.Accept{}); err != nil {
		return err
	}
	for _, p := range s.payloads {
		if p.Size == 0 {
			if err := s.finalize(p); err != nil {
				return err
			}
		}
	}

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	for !s.allDone() {
		select {
		case <-s.ctx.Done():
			return s.cancelled()
		case <-idle.C:
			s.abort(protocol.AbortTimeout, "no data received")
			return apperrors.Connection("transfer", "peer went silent", nil)
		case in := <-s.incoming:
			if in.err != nil {
				return s.readFailed(in.err)
			}
			idle.Reset(s.cfg.IdleTimeout)
			if handled, err := s.handlePeer(in.msg); handled {
				if err != nil {
					return err
				}
				continue
			}
			c, ok := in.msg.(protocol.Chunk)
			if !ok {
				return s.violation("expected chunk")
			}
			if err := s.handleChunk(c); err != nil {
				return err
			}
		}
	}
	return s.send(protocol.Complete{})
}

func (s *Session) handleChunk(c protocol.Chunk) error {
	s.mu.Lock()
	p, ok := s.byID[c.PayloadID]
	var err error
	if ok {
		err = p.accept(c.Offset, len(c.Data))
	}
	s.mu.Unlock()
	if !ok {
		return s.violation(fmt.Sprintf("chunk for unknown payload %d", c.PayloadID))
	}
	if err != nil {
		return s.violation(err.Error())
	}
	if len(c.Data) > 0 {
		if _, err := p.sink.Write(c.Data); err != nil {
			s.abort(protocol.AbortIO, "write failed")
			return apperrors.PayloadIO("transfer", fmt.Sprintf("write %q", p.Name), err)
		}
	}
	s.mu.Lock()
	p.record(c.Data)
	s.progress.add(uint64(len(c.Data)))
	complete := p.complete()
	s.mu.Unlock()

	if complete {
		return s.finalize(p)
	}
	s.reportProgress(false)
	return nil
}

func (s *Session) finalize(p *Payload) error {
	if err := p.verify(); err != nil {
		s.abort(protocol.AbortIntegrity, "digest mismatch")
		return apperrors.PayloadIO("transfer", "integrity check failed", err)
	}
	rec, err := p.sink.Commit()
	if err != nil {
		s.abort(protocol.AbortIO, "commit failed")
		return apperrors.PayloadIO("transfer", fmt.Sprintf("commit %q", p.Name), err)
	}
	rec.Payload = p.PayloadInfo
	s.mu.Lock()
	p.done = true
	s.mu.Unlock()
	s.log.Info().Uint64("payload", p.ID).Str("name", p.Name).Uint64("size", p.Size).Msg("payload received")
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(Event{Kind: EventPayloadReceived, Info: s.Info(), Received: rec})
	}
	s.reportProgress(true)
	return nil
}

func (s *Session) allDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payloads {
		if !p.done {
			return false
		}
	}
	return true
}

func (s *Session) runOutbound() error {
	s.setState(StateSendingIntroduction)
	if err := s.send(s.introduction()); err != nil {
		return err
	}
	s.setState(StateAwaitingConsent)
	if err := s.awaitAcceptance(); err != nil {
		return err
	}
	s.setState(StateAccepted)
	s.setState(StateTransferring)
	return s.transmit()
}

func (s *Session) introduction() protocol.Introduction {
	s.mu.Lock()
	defer s.mu.Unlock()
	intro := protocol.Introduction{
		DeviceName: s.cfg.Self.Name,
		DeviceType: s.cfg.Self.DeviceType,
	}
	for _, p := range s.payloads {
		intro.TotalBytes += p.Size
		intro.Entries = append(intro.Entries, p.entry())
	}
	return intro
}

func (s *Session) awaitAcceptance() error {
	deadline := time.NewTimer(s.cfg.ConsentTimeout + s.cfg.IdleTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return s.cancelled()
		case <-deadline.C:
			s.sendBestEffort(protocol.Cancel{Reason: "consent timed out"})
			return apperrors.Rejected("transfer", "consent timed out")
		case in := <-s.incoming:
			if in.err != nil {
				return s.readFailed(in.err)
			}
			if handled, err := s.handlePeer(in.msg); handled {
				if err != nil {
					return err
				}
				continue
			}
			switch m := in.msg.(type) {
			case protocol.Accept:
				s.log.Info().Msg("peer accepted")
				return nil
			case protocol.Reject:
				return apperrors.Rejected("transfer", "rejected by peer: "+m.Reason)
			default:
				return s.violation("expected accept or reject")
			}
		}
	}
}

// transmit streams every payload on a helper goroutine while the session
// goroutine keeps serving peer frames.
func (s *Session) transmit() error {
	ctx, stop := context.WithCancel(s.ctx)
	streamed := make(chan error, 1)
	go func() { streamed <- s.stream(ctx) }()
	defer func() {
		stop()
		if streamed != nil {
			<-streamed
		}
	}()

	var idle <-chan time.Time
	for {
		select {
		case <-s.ctx.Done():
			return s.cancelled()
		case err := <-streamed:
			streamed = nil
			if err != nil {
				if s.ctx.Err() != nil {
					continue
				}
				if t, _ := apperrors.TypeOf(err); t == apperrors.ErrPayloadIO {
					s.abort(protocol.AbortIO, "sender could not read payload")
					return err
				}
				return s.peerReason(err)
			}
			timer := time.NewTimer(s.cfg.IdleTimeout)
			defer timer.Stop()
			idle = timer.C
		case <-idle:
			return apperrors.Connection("transfer", "peer never confirmed completion", nil)
		case in := <-s.incoming:
			if in.err != nil {
				return s.readFailed(in.err)
			}
			if handled, err := s.handlePeer(in.msg); handled {
				if err != nil {
					return err
				}
				continue
			}
			if _, ok := in.msg.(protocol.Complete); !ok {
				return s.violation("expected complete")
			}
			if streamed != nil {
				err := <-streamed
				streamed = nil
				if err != nil {
					return err
				}
			}
			if !s.allDone() {
				return s.violation("complete before all payloads were sent")
			}
			return nil
		}
	}
}

func (s *Session) stream(ctx context.Context) error {
	type source struct {
		p *Payload
		r io.ReadCloser
	}
	var active []source
	defer func() {
		for _, src := range active {
			_ = src.r.Close()
		}
	}()
	for _, p := range s.payloads {
		if p.Size == 0 {
			s.mu.Lock()
			p.done = true
			s.mu.Unlock()
			continue
		}
		r, err := p.open()
		if err != nil {
			return apperrors.PayloadIO("transfer", fmt.Sprintf("open %q", p.Name), err)
		}
		active = append(active, source{p: p, r: r})
	}

	buf := make([]byte, s.cfg.ChunkSize)
	i := 0
	for len(active) > 0 {
		if ctx.Err() != nil {
			return apperrors.Cancelled("transfer", "streaming stopped")
		}
		src := active[i]
		finished, err := s.sendChunk(src.p, src.r, buf)
		if err != nil {
			return err
		}
		if finished {
			_ = src.r.Close()
			active = slices.Delete(active, i, i+1)
		} else if s.cfg.Interleave {
			i++
		}
		if i >= len(active) {
			i = 0
		}
	}
	return nil
}

func (s *Session) sendChunk(p *Payload, r io.Reader, buf []byte) (bool, error) {
	s.mu.Lock()
	offset := p.transferred
	s.mu.Unlock()

	n := uint64(len(buf))
	if remaining := p.Size - offset; remaining < n {
		n = remaining
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return false, apperrors.PayloadIO("transfer", fmt.Sprintf("read %q", p.Name), err)
	}
	if err := s.send(protocol.Chunk{PayloadID: p.ID, Offset: offset, Data: buf[:n]}); err != nil {
		return false, err
	}

	s.mu.Lock()
	p.transferred += n
	s.progress.add(n)
	finished := p.transferred == p.Size
	if finished {
		p.done = true
	}
	s.mu.Unlock()
	s.reportProgress(finished)
	return finished, nil
}

func (s *Session) send(m protocol.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
	if err := s.ch.Send(m); err != nil {
		return apperrors.Connection("transfer", "send failed", err)
	}
	return nil
}

func (s *Session) sendBestEffort(m protocol.Message) {
	if s.ch == nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(cancelWriteTimeout))
	if err := s.ch.Send(m); err != nil {
		s.log.Debug().Err(err).Uint8("type", m.Type()).Msg("best effort send failed")
	}
}

func (s *Session) abort(code protocol.AbortCode, reason string) {
	s.sendBestEffort(protocol.Abort{Code: code, Reason: reason})
}

func (s *Session) violation(reason string) error {
	s.abort(protocol.AbortProtocol, reason)
	return apperrors.Protocol("transfer", reason, nil)
}

func (s *Session) cancelReason() string {
	var app *apperrors.AppError
	if errors.As(context.Cause(s.ctx), &app) {
		return app.Message
	}
	return "cancelled"
}

func (s *Session) cancelled() error {
	reason := s.cancelReason()
	s.sendBestEffort(protocol.Cancel{Reason: reason})
	return apperrors.Cancelled("transfer", reason)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, st) {
		s.mu.Unlock()
		s.log.Error().Str("from", from.String()).Str("to", st.String()).Msg("illegal state transition ignored")
		return
	}
	s.state = st
	s.mu.Unlock()
	s.log.Debug().Str("from", from.String()).Str("to", st.String()).Msg("state changed")
	s.emit(EventStateChanged)
}

func (s *Session) emit(kind EventKind) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(Event{Kind: kind, Info: s.Info()})
	}
}

func (s *Session) reportProgress(force bool) {
	s.mu.Lock()
	now := time.Now()
	if !force && now.Sub(s.lastEmit) < s.cfg.ProgressInterval {
		s.mu.Unlock()
		return
	}
	s.lastEmit = now
	s.mu.Unlock()
	s.emit(EventProgress)
}

func (s *Session) finish(err error) {
	close(s.stop)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.ch != nil {
		s.ch.Wipe()
	}

	final := StateCompleted
	if err != nil {
		final = terminalState(err)
	}
	s.mu.Lock()
	for _, p := range s.payloads {
		if p.sink != nil && !p.done {
			if aerr := p.sink.Abort(); aerr != nil {
				s.log.Warn().Err(aerr).Str("name", p.Name).Msg("discarding partial payload failed")
			}
		}
	}
	s.err = err
	s.mu.Unlock()
	s.setState(final)

	ev := s.log.Info()
	if final == StateFailed {
		ev = s.log.Warn()
	}
	ev.Err(err).Str("state", final.String()).Msg("session finished")

	s.cancel(nil)
	if s.cfg.OnFinish != nil {
		s.cfg.OnFinish(s)
	}
}

func terminalState(err error) State {
	t, ok := apperrors.TypeOf(err)
	if !ok {
		return StateFailed
	}
	switch t {
	case apperrors.ErrCancelled:
		return StateCancelled
	case apperrors.ErrRejected:
		return StateRejected
	default:
		return StateFailed
	}
}
