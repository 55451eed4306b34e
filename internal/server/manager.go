package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/fcconfig"
	"github.com/shaunagostinho/mspconf/internal/sim"
	"github.com/shaunagostinho/mspconf/internal/transport"
)

// reconnectDelay gives a board time to reboot after save before the port
// is reopened.
const reconnectDelay = time.Second

// Manager owns the link to the flight controller. It connects with
// backoff, identifies the board and rebuilds the per-connection state
// every time the link comes back.
type Manager struct {
	cfg    *Config
	tracer fc.Tracer
	board  *sim.Board // demo mode

	mu        sync.RWMutex
	conn      *fc.Conn
	svc       *fcconfig.Service
	closed    chan struct{}
	onConnect []func(*fc.Conn)
}

// NewManager returns a disconnected manager. tracer may be nil.
func NewManager(cfg *Config, tracer fc.Tracer) *Manager {
	m := &Manager{cfg: cfg, tracer: tracer}
	if link := cfg.Link(); link.Demo {
		m.board = sim.NewBoard(sim.Options{Variant: link.DemoVariant})
	}
	return m
}

// OnConnect registers fn to run after every successful identification.
func (m *Manager) OnConnect(fn func(*fc.Conn)) {
	m.mu.Lock()
	m.onConnect = append(m.onConnect, fn)
	m.mu.Unlock()
}

// Service returns the config service of the current connection.
func (m *Manager) Service() (*fcconfig.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.svc == nil {
		return nil, fmt.Errorf("%w: %w", fc.ErrNotConnected, fc.ErrTransportClosed)
	}
	return m.svc, nil
}

// Conn returns the current connection, or nil.
func (m *Manager) Conn() *fc.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// Run keeps the link up until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer m.Close()
	for {
		if !connectWithRetry(ctx, "fc", m.connect, 10) {
			return
		}
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()

		select {
		case <-ctx.Done():
			return
		case <-closed:
		}
		m.clear()
		log.Printf("[fc] link lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Connect opens and identifies the board once.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx)
}

func (m *Manager) open(ctx context.Context) (transport.Transport, error) {
	if m.board != nil {
		return m.board.Connect(), nil
	}
	link := m.cfg.Link()
	return transport.Open(ctx, link.Device, link.BaudRate)
}

func (m *Manager) connect(ctx context.Context) error {
	tr, err := m.open(ctx)
	if err != nil {
		return err
	}

	opts := m.cfg.ConnOptions()
	opts.Tracer = m.tracer
	conn := fc.NewConn(tr, opts)
	if _, err := conn.Identify(ctx); err != nil {
		conn.Close()
		return err
	}

	closed := make(chan struct{})
	var once sync.Once
	tr.NotifyClose(func(error) { once.Do(func() { close(closed) }) })

	m.mu.Lock()
	m.conn = conn
	m.svc = fcconfig.New(conn, m.cfg.ServiceOptions())
	m.closed = closed
	hooks := append([]func(*fc.Conn){}, m.onConnect...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(conn)
	}
	if m.cfg.telemetryEnabled() {
		conn.Telemetry.Start()
	}
	return nil
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.conn, m.svc = nil, nil
	m.mu.Unlock()
}

// Close drops the current connection.
func (m *Manager) Close() {
	if c := m.Conn(); c != nil {
		c.Close()
	}
	m.clear()
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It reports false when ctx
// ends first.
func connectWithRetry(ctx context.Context, name string, connect func(context.Context) error, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := connect(ctx)
		if err == nil {
			log.Printf("[%s] connected (attempt %d)", name, attempt+1)
			return true
		}

		attempt++
		if attempt <= maxAttempts {
			log.Warnf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Warnf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
