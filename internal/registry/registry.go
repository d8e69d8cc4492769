// Package registry owns every live transfer session: it runs the single
// listener, dials outbound sessions and enforces one active session per
// endpoint and direction.
package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "nearshare/internal/errors"
	"nearshare/internal/logging"
	"nearshare/internal/transfer"
	"nearshare/internal/transport"
)

const DefaultGracePeriod = 5 * time.Second

var (
	ErrClosed       = errors.New("registry: closed")
	ErrNotFound     = errors.New("registry: session not found")
	ErrNotListening = errors.New("registry: listener not started")
)

type Config struct {
	Transport transport.Transport
	// Dialer overrides Transport for outbound sessions.
	Dialer      transport.Dialer
	Port        uint16
	GracePeriod time.Duration
	// Session is the template every session is built from.
	Session transfer.Config
}

type slot struct {
	endpoint string
	dir      transfer.Direction
}

type Registry struct {
	cfg    Config
	dialer transport.Dialer
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	listener transport.Listener
	sessions map[string]*transfer.Session
	order    map[string]time.Time
	active   map[slot]string
}

func New(cfg Config) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = cfg.Transport
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		dialer:   dialer,
		log:      logging.Component("registry"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*transfer.Session),
		order:    make(map[string]time.Time),
		active:   make(map[slot]string),
	}
}

// Listen opens the listener on the configured port (0 picks one) and
// returns the bound port.
func (r *Registry) Listen(ctx context.Context) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if r.listener != nil {
		return r.listener.Port(), nil
	}
	if r.cfg.Transport == nil {
		return 0, errors.New("registry: no transport configured")
	}
	ln, err := r.cfg.Transport.Listen(ctx, r.cfg.Port)
	if err != nil {
		return 0, apperrors.Connection("registry", fmt.Sprintf("listen on port %d", r.cfg.Port), err)
	}
	r.listener = ln
	r.log.Info().Uint16("port", ln.Port()).Msg("listener started")
	return ln.Port(), nil
}

// Serve accepts inbound connections until ctx ends or the registry shuts
// down.
func (r *Registry) Serve(ctx context.Context) error {
	r.mu.Lock()
	ln := r.listener
	r.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	release := context.AfterFunc(r.ctx, stop)
	defer release()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn().Err(err).Msg("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		r.log.Info().Str("peer", conn.RemoteAddr().String()).Msg("connection accepted")
		if err := r.startInbound(conn); err != nil {
			r.log.Warn().Err(err).Msg("inbound session refused")
			_ = conn.Close()
		}
	}
}

func (r *Registry) sessionConfig() transfer.Config {
	cfg := r.cfg.Session
	next := cfg.OnFinish
	cfg.OnFinish = func(s *transfer.Session) {
		r.finished(s)
		if next != nil {
			next(s)
		}
	}
	return cfg
}

func (r *Registry) startInbound(conn net.Conn) error {
	cfg := r.sessionConfig()
	cfg.Admit = func(s *transfer.Session) error {
		return r.claim(s.ID(), "key:"+hex.EncodeToString(s.Peer().IdentityKey), transfer.Inbound)
	}
	s, err := transfer.NewInbound(cfg, conn)
	if err != nil {
		return err
	}
	return r.start(s)
}

// Send starts an outbound session to peer, trying addrs in order. A second
// session towards the same endpoint fails with a capacity error.
func (r *Registry) Send(peer transfer.Peer, addrs []netip.AddrPort, payloads []*transfer.Payload) (*transfer.Session, error) {
	if len(addrs) == 0 {
		return nil, apperrors.Connection("registry", "endpoint has no known address", nil)
	}
	if r.dialer == nil {
		return nil, errors.New("registry: no dialer configured")
	}
	targets := append([]netip.AddrPort(nil), addrs...)
	dial := func(ctx context.Context) (net.Conn, error) {
		var errs []error
		for _, a := range targets {
			conn, err := r.dialer.Dial(ctx, a)
			if err == nil {
				return conn, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
			if ctx.Err() != nil {
				break
			}
		}
		return nil, errors.Join(errs...)
	}
	s, err := transfer.NewOutbound(r.sessionConfig(), peer, payloads, dial)
	if err != nil {
		return nil, err
	}
	if err := r.claim(s.ID(), outboundSlot(peer, targets), transfer.Outbound); err != nil {
		return nil, err
	}
	if err := r.start(s); err != nil {
		r.release(s.ID())
		return nil, err
	}
	return s, nil
}

// outboundSlot names the endpoint a send is aimed at: the discovered device
// id, or the dialled addresses when the target was a literal address.
func outboundSlot(peer transfer.Peer, addrs []netip.AddrPort) string {
	if len(peer.DeviceID) > 0 {
		return "id:" + hex.EncodeToString(peer.DeviceID)
	}
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return "addr:" + strings.Join(parts, ",")
}

// claim takes the endpoint slot for dir. Inbound slots are keyed on the
// identity key the peer proved, so a device cannot occupy another's slot
// by announcing its id.
func (r *Registry) claim(id, endpoint string, dir transfer.Direction) error {
	k := slot{endpoint: endpoint, dir: dir}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if owner, busy := r.active[k]; busy && owner != id {
		return apperrors.Capacity("registry", fmt.Sprintf("an %s session with %s is already running", dir, k.endpoint))
	}
	r.active[k] = id
	return nil
}

func (r *Registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, owner := range r.active {
		if owner == id {
			delete(r.active, k)
		}
	}
}

func (r *Registry) start(s *transfer.Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.sessions[s.ID()] = s
	r.order[s.ID()] = time.Now()
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		_ = s.Run(r.ctx)
	}()
	return nil
}

// finished frees the endpoint slot at once and forgets the session after
// the grace period.
func (r *Registry) finished(s *transfer.Session) {
	r.release(s.ID())
	id := s.ID()
	time.AfterFunc(r.cfg.GracePeriod, func() {
		r.mu.Lock()
		delete(r.sessions, id)
		delete(r.order, id)
		r.mu.Unlock()
		r.log.Debug().Str("session", id).Msg("session deregistered")
	})
}

func (r *Registry) Get(id string) (*transfer.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Sessions snapshots every registered session, oldest first.
func (r *Registry) Sessions() []transfer.Info {
	r.mu.Lock()
	list := make([]*transfer.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	order := make(map[string]time.Time, len(r.order))
	for k, v := range r.order {
		order[k] = v
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return order[list[i].ID()].Before(order[list[j].ID()]) })
	out := make([]transfer.Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

// Port is the bound listener port, or 0 before Listen.
func (r *Registry) Port() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return 0
	}
	return r.listener.Port()
}

// Shutdown cancels every session, releases the listener and waits for the
// sessions to finish or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ln := r.listener
	r.mu.Unlock()

	r.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info().Msg("registry shut down")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
