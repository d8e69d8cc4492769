package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	apperrors "nearshare/internal/errors"
	"nearshare/internal/logging"
)

const (
	DefaultLiveness      = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultRetryWindow   = 30 * time.Second
)

type Config struct {
	Self     Self
	Visible  bool
	Channels []Channel
	Liveness time.Duration
	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration
	// RetryWindow bounds browse restarts before a channel is reported degraded.
	RetryWindow time.Duration
	OnEvent     func(Event)
	OnDegraded  func(channel string, err error)
}

// Manager runs every channel concurrently and folds their sightings into a
// single table. A failing channel is reported and the others continue.
type Manager struct {
	cfg   Config
	table *Table
	log   zerolog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	advCancel context.CancelFunc
	runCtx    context.Context
	visible   bool
	wg        sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.Liveness <= 0 {
		cfg.Liveness = DefaultLiveness
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = DefaultRetryWindow
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}
	if cfg.OnDegraded == nil {
		cfg.OnDegraded = func(string, error) {}
	}
	return &Manager{
		cfg:     cfg,
		table:   NewTable(cfg.Self.ID, cfg.Liveness),
		log:     logging.Component("discovery"),
		visible: cfg.Visible,
	}
}

func (m *Manager) Table() *Table { return m.table }

// Start launches browsing, advertising (when visible) and the sweeper.
// Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx, m.cancel, m.running = runCtx, cancel, true

	for _, ch := range m.cfg.Channels {
		m.wg.Add(1)
		go m.browse(runCtx, ch)
	}
	m.wg.Add(1)
	go m.sweep(runCtx)
	if m.visible {
		m.startAdvertisingLocked()
	}
	m.log.Info().Int("channels", len(m.cfg.Channels)).Bool("visible", m.visible).Msg("discovery started")
}

// Stop halts every channel and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.advCancel = nil
	m.mu.Unlock()
	m.wg.Wait()
	m.log.Info().Msg("discovery stopped")
}

// SetVisibility toggles advertising. Browsing is unaffected.
func (m *Manager) SetVisibility(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.visible == visible {
		return
	}
	m.visible = visible
	if !m.running {
		return
	}
	if m.advCancel != nil {
		m.advCancel()
		m.advCancel = nil
	}
	if visible {
		m.startAdvertisingLocked()
	}
}

// SetSelf updates the advertised identity, restarting advertising if needed.
func (m *Manager) SetSelf(self Self) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Self = self
	if m.running && m.visible {
		if m.advCancel != nil {
			m.advCancel()
		}
		m.startAdvertisingLocked()
	}
}

func (m *Manager) Endpoints() []Endpoint { return m.table.Snapshot() }

func (m *Manager) startAdvertisingLocked() {
	advCtx, cancel := context.WithCancel(m.runCtx)
	m.advCancel = cancel
	self := m.cfg.Self
	for _, ch := range m.cfg.Channels {
		m.wg.Add(1)
		go func(ch Channel) {
			defer m.wg.Done()
			if err := ch.Advertise(advCtx, self); err != nil && advCtx.Err() == nil {
				m.degraded(ch.Name(), err)
			}
		}(ch)
	}
}

func (m *Manager) browse(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	sink := func(o Observation) {
		if ev, ok := m.table.Observe(o); ok {
			m.cfg.OnEvent(ev)
		}
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = m.cfg.RetryWindow

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := ch.Browse(ctx, sink)
		if err != nil && ctx.Err() == nil {
			m.log.Debug().Err(err).Str("channel", ch.Name()).Int("attempt", attempt).Msg("browse failed")
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil && ctx.Err() == nil {
		m.degraded(ch.Name(), err)
	}
}

func (m *Manager) degraded(channel string, err error) {
	derr := apperrors.Discovery("discovery", channel+" channel unavailable", err)
	m.log.Warn().Err(derr).Str("channel", channel).Msg("discovery degraded")
	m.cfg.OnDegraded(channel, derr)
}

func (m *Manager) sweep(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range m.table.Sweep() {
				m.log.Debug().Str("endpoint", ev.Endpoint.IDString()).Msg("endpoint lost")
				m.cfg.OnEvent(ev)
			}
		}
	}
}
