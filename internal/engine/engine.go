// Package engine is the facade the presentation layer talks to. It owns the
// discovery manager and the session registry, turns their callbacks into a
// single ordered event stream and exposes the user commands.
package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nearshare/internal/config"
	"nearshare/internal/consent"
	"nearshare/internal/discovery"
	apperrors "nearshare/internal/errors"
	"nearshare/internal/fileshare"
	"nearshare/internal/logging"
	"nearshare/internal/registry"
	"nearshare/internal/securechannel"
	"nearshare/internal/store"
	"nearshare/internal/transfer"
	"nearshare/internal/transport"
)

const shutdownTimeout = 10 * time.Second

var (
	ErrUnknownEndpoint = errors.New("engine: unknown endpoint")
	// ErrNotConnectable marks an endpoint seen only by beacon so far.
	ErrNotConnectable = errors.New("engine: endpoint has no transport address yet")
	ErrNoVerification = errors.New("engine: no code comparison pending for session")
)

// Options are the collaborators of an engine. Zero fields are derived from
// Config.
type Options struct {
	Config    config.Config
	Resolver  transfer.Resolver
	Trust     *store.TrustStore
	Transport transport.Transport
	// Dialer overrides Transport for outbound connections.
	Dialer   transport.Dialer
	Channels []discovery.Channel
	// Identity overrides Config.IdentityFile.
	Identity ed25519.PrivateKey
	// ProgressInterval throttles progress-updated events per session.
	ProgressInterval time.Duration
}

type Engine struct {
	cfg      config.Config
	self     []byte
	identity ed25519.PublicKey
	log      zerolog.Logger
	trust    *store.TrustStore
	reg      *registry.Registry
	disc     *discovery.Manager
	queue    *queue

	mu      sync.Mutex
	pending map[string]*consent.Request

	closeOnce sync.Once
	closed    chan struct{}
}

func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	tr := opts.Transport
	if tr == nil {
		var err error
		if tr, err = transport.New(cfg.Transport); err != nil {
			return nil, err
		}
	}
	resolver := opts.Resolver
	if resolver == nil {
		fs, err := fileshare.New(cfg.DownloadDir)
		if err != nil {
			return nil, err
		}
		resolver = fs
	}
	trust := opts.Trust
	if trust == nil {
		trust = store.NewTrustStore()
	}
	identity := opts.Identity
	if identity == nil {
		var err error
		if cfg.IdentityFile != "" {
			identity, err = store.LoadIdentity(cfg.IdentityFile)
		} else {
			_, identity, err = ed25519.GenerateKey(nil)
		}
		if err != nil {
			return nil, err
		}
	}
	channels := opts.Channels
	if channels == nil {
		channels = []discovery.Channel{discovery.NewMDNS()}
		if cfg.Beacon.Enabled {
			mc, err := discovery.NewMulticast(cfg.Beacon.Group, cfg.Beacon.Interval.Duration)
			if err != nil {
				return nil, err
			}
			channels = append(channels, mc)
		}
	}

	e := &Engine{
		cfg:      cfg,
		self:     cfg.DeviceIDBytes(),
		identity: identity.Public().(ed25519.PublicKey),
		log:      logging.Component("engine"),
		trust:    trust,
		queue:    newQueue(),
		pending:  make(map[string]*consent.Request),
		closed:   make(chan struct{}),
	}
	e.reg = registry.New(registry.Config{
		Transport:   tr,
		Dialer:      opts.Dialer,
		Port:        uint16(cfg.Port),
		GracePeriod: cfg.GracePeriod.Duration,
		Session: transfer.Config{
			Self:             transfer.Identity{DeviceID: e.self, Name: cfg.DeviceName, DeviceType: cfg.DeviceType},
			ChunkSize:        cfg.ChunkSize,
			Interleave:       cfg.Interleave,
			ConsentTimeout:   cfg.ConsentTimeout.Duration,
			IdleTimeout:      cfg.LivenessTimeout.Duration,
			ProgressInterval: opts.ProgressInterval,
			Handshake: securechannel.Config{
				Identity:      identity,
				StepTimeout:   cfg.HandshakeTimeout.Duration,
				VerifyTimeout: cfg.ConsentTimeout.Duration,
			},
			Resolver: resolver,
			Verify:   e.verify,
			OnEvent:  e.sessionEvent,
		},
	})
	e.disc = discovery.NewManager(discovery.Config{
		Self:       e.discoverySelf(0),
		Visible:    cfg.Visible,
		Channels:   channels,
		Liveness:   cfg.LivenessTimeout.Duration,
		OnEvent:    e.discoveryEvent,
		OnDegraded: e.discoveryDegraded,
	})
	return e, nil
}

func (e *Engine) discoverySelf(port uint16) discovery.Self {
	return discovery.Self{ID: e.self, Name: e.cfg.DeviceName, DeviceType: e.cfg.DeviceType, Port: port}
}

// Events is the engine's outbound event stream. It is closed by Shutdown.
func (e *Engine) Events() <-chan Event { return e.queue.out }

// Listen binds the session listener and publishes its port to discovery.
func (e *Engine) Listen(ctx context.Context) (uint16, error) {
	port, err := e.reg.Listen(ctx)
	if err != nil {
		return 0, err
	}
	e.disc.SetSelf(e.discoverySelf(port))
	return port, nil
}

// Run listens and serves inbound sessions until ctx ends or Shutdown is
// called, then shuts the engine down.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.Listen(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.reg.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-e.closed:
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})
	return g.Wait()
}

func (e *Engine) StartDiscovery(ctx context.Context) { e.disc.Start(ctx) }

func (e *Engine) StopDiscovery() { e.disc.Stop() }

func (e *Engine) SetVisibility(visible bool) { e.disc.SetVisibility(visible) }

func (e *Engine) Endpoints() []discovery.Endpoint { return e.disc.Endpoints() }

func (e *Engine) Sessions() []transfer.Info { return e.reg.Sessions() }

func (e *Engine) Port() uint16 { return e.reg.Port() }

func (e *Engine) Trust() *store.TrustStore { return e.trust }

// IdentityKey is the public half of the long-term key peers trust.
func (e *Engine) IdentityKey() ed25519.PublicKey { return e.identity }

// Send starts an outbound session. endpoint is a device name, a hex id or
// id prefix from the endpoint table, or a literal host:port.
func (e *Engine) Send(endpoint string, payloads ...*transfer.Payload) (string, error) {
	peer, addrs, err := e.resolve(endpoint)
	if err != nil {
		return "", err
	}
	s, err := e.reg.Send(peer, addrs, payloads)
	if err != nil {
		return "", err
	}
	e.log.Info().Str("session", s.ID()).Str("endpoint", endpoint).Int("payloads", len(payloads)).Msg("send started")
	return s.ID(), nil
}

func (e *Engine) resolve(endpoint string) (transfer.Peer, []netip.AddrPort, error) {
	ep, err := e.disc.Table().Find(endpoint)
	switch {
	case err == nil:
		if !ep.Connectable() {
			return transfer.Peer{}, nil, apperrors.Connection("engine", "endpoint "+ep.IDString()+" seen by beacon only", ErrNotConnectable)
		}
		return transfer.Peer{DeviceID: ep.ID, Name: ep.Name, DeviceType: ep.DeviceType}, ep.Addrs, nil
	case errors.Is(err, discovery.ErrAmbiguous):
		return transfer.Peer{}, nil, err
	}
	if ap, err := netip.ParseAddrPort(endpoint); err == nil {
		return transfer.Peer{}, []netip.AddrPort{ap}, nil
	}
	return transfer.Peer{}, nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
}

func (e *Engine) Accept(sessionID string) error {
	s, err := e.reg.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Accept()
}

func (e *Engine) Reject(sessionID string) error {
	s, err := e.reg.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Reject()
}

func (e *Engine) Cancel(sessionID string) error {
	s, err := e.reg.Get(sessionID)
	if err != nil {
		return err
	}
	s.Cancel("cancelled by user")
	return nil
}

// ConfirmCode answers a verification-requested event.
func (e *Engine) ConfirmCode(sessionID string, ok bool) error {
	e.mu.Lock()
	req, found := e.pending[sessionID]
	e.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrNoVerification, sessionID)
	}
	return req.Resolve(ok)
}

// Shutdown stops discovery, cancels every session and closes the event
// stream. Events still queued are dropped.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.disc.Stop()
		err = e.reg.Shutdown(ctx)
		close(e.closed)
		e.queue.close()
		e.log.Info().Msg("engine shut down")
	})
	return err
}

// verify decides the handshake code. Peers whose proven identity key was
// trusted before pass without a prompt; otherwise the user compares the
// code when confirm_codes is on.
func (e *Engine) verify(ctx context.Context, s *transfer.Session, peer securechannel.PeerInfo, code string) (securechannel.Decision, error) {
	if e.trust.IsTrusted(peer.IdentityKey) {
		e.log.Debug().Str("session", s.ID()).Msg("peer is trusted, code comparison skipped")
		return securechannel.Accepted, nil
	}
	if !e.cfg.ConfirmCodes {
		return securechannel.Accepted, nil
	}
	req := consent.NewRequest(consent.CodeComparison, map[string]string{"code": code})
	e.mu.Lock()
	e.pending[s.ID()] = req
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, s.ID())
		e.mu.Unlock()
	}()

	e.queue.push(Event{Kind: VerificationRequested, Session: s.Info(), Code: code})
	ok, err := req.Wait(ctx, 0)
	if err != nil || !ok {
		return securechannel.Rejected, nil
	}
	return securechannel.Confirmed, nil
}

func (e *Engine) sessionEvent(ev transfer.Event) {
	switch ev.Kind {
	case transfer.EventConsentRequested:
		e.queue.push(Event{Kind: ConsentRequested, Session: ev.Info, Code: ev.Info.Code})
	case transfer.EventProgress:
		e.queue.push(Event{Kind: ProgressUpdated, Session: ev.Info})
	case transfer.EventPayloadReceived:
		e.queue.push(Event{Kind: PayloadReceived, Session: ev.Info, Received: ev.Received})
	case transfer.EventStateChanged:
		e.queue.push(Event{Kind: SessionState, Session: ev.Info})
		switch ev.Info.State {
		case transfer.StateCompleted:
			if ev.Info.Confirmed {
				if err := e.trust.Trust(ev.Info.Peer.IdentityKey, ev.Info.Peer.DeviceID, ev.Info.Peer.Name); err != nil {
					e.log.Warn().Err(err).Msg("could not record trusted peer")
				}
			}
			e.queue.push(Event{Kind: SessionCompleted, Session: ev.Info})
		case transfer.StateRejected:
			e.queue.push(Event{Kind: SessionRejected, Session: ev.Info, Err: ev.Info.Err})
		case transfer.StateCancelled:
			e.queue.push(Event{Kind: SessionCancelled, Session: ev.Info, Err: ev.Info.Err})
		case transfer.StateFailed:
			e.queue.push(Event{Kind: SessionFailed, Session: ev.Info, Err: ev.Info.Err})
		}
	}
}

func (e *Engine) discoveryEvent(ev discovery.Event) {
	var kind EventKind
	switch ev.Kind {
	case discovery.EndpointDiscovered:
		kind = EndpointDiscovered
	case discovery.EndpointUpdated:
		kind = EndpointUpdated
	case discovery.EndpointLost:
		kind = EndpointLost
	default:
		return
	}
	e.queue.push(Event{Kind: kind, Endpoint: ev.Endpoint, Replaces: ev.Replaces})
}

func (e *Engine) discoveryDegraded(channel string, err error) {
	e.queue.push(Event{Kind: DiscoveryDegraded, Channel: channel, Err: err})
}
