// Package manager owns one physical connection per namespace and the
// room/deduplicator pair attached to it. A SocketManager is constructed
// explicitly by the application root and passed to consumers; there is no
// package-level singleton.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/archonlabs/roomsync/config"
	"github.com/archonlabs/roomsync/src/dedup"
	"github.com/archonlabs/roomsync/src/room"
	"github.com/archonlabs/roomsync/src/types"
)

// Factory builds the transport for a namespace. Production code passes a
// websocket transport constructor; tests pass fakes.
type Factory func(namespace string) types.Transport

// StateHandler observes connection-state changes per namespace.
type StateHandler func(namespace string, state types.ConnectionState)

// RecoveryHandler fires once per reconnection. recovered reports whether
// the transport resumed prior session state; false means subscriptions and
// room membership were lost and must be re-established.
type RecoveryHandler func(namespace string, recovered bool)

// namespaceConn bundles everything owned per namespace.
type namespaceConn struct {
	namespace         string
	transport         types.Transport
	state             types.ConnectionState
	lastConnected     time.Time
	reconnectAttempts int
	room              *room.Manager
	dedup             *dedup.Deduplicator
	unhooks           []func()
}

// SocketManager is the registry of namespace connections.
type SocketManager struct {
	cfg     *config.Config
	factory Factory
	logger  zerolog.Logger

	mu           sync.RWMutex
	conns        map[string]*namespaceConn
	stateSubs    map[int]StateHandler
	recoverySubs map[int]RecoveryHandler
	nextSubID    int

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a SocketManager and starts its health-check loop.
func New(cfg *config.Config, factory Factory, logger zerolog.Logger) *SocketManager {
	m := &SocketManager{
		cfg:          cfg,
		factory:      factory,
		logger:       logger.With().Str("component", "socket-manager").Logger(),
		conns:        make(map[string]*namespaceConn),
		stateSubs:    make(map[int]StateHandler),
		recoverySubs: make(map[int]RecoveryHandler),
		done:         make(chan struct{}),
	}
	go m.healthLoop()
	return m
}

// GetConnection returns the namespace's transport, creating and wiring the
// connection on first call. It never fails: connection errors surface
// through EnsureConnected and the state-change channel, not here.
func (m *SocketManager) GetConnection(namespace string) types.Transport {
	return m.getOrCreate(namespace).transport
}

// Room returns the room state machine owned by the namespace connection.
func (m *SocketManager) Room(namespace string) *room.Manager {
	return m.getOrCreate(namespace).room
}

// Dedup returns the deduplicator owned by the namespace connection.
func (m *SocketManager) Dedup(namespace string) *dedup.Deduplicator {
	return m.getOrCreate(namespace).dedup
}

// EnsureConnected resolves immediately when the namespace is already
// connected; otherwise it triggers a connect attempt bounded by the
// connect timeout.
func (m *SocketManager) EnsureConnected(ctx context.Context, namespace string) error {
	c := m.getOrCreate(namespace)
	if c.transport.Connected() {
		return nil
	}
	m.setState(c, types.ConnConnecting)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := c.transport.Connect(ctx); err != nil {
		m.setState(c, types.ConnError)
		if errors.Is(err, context.DeadlineExceeded) {
			return &types.ConnectionTimeoutError{Namespace: namespace, Timeout: m.cfg.ConnectTimeout}
		}
		return &types.ConnectionError{Namespace: namespace, Err: err}
	}
	m.setState(c, types.ConnConnected)
	return nil
}

// ConnectionState returns the cached state for the namespace. The cache is
// reconciled against actual transport connectivity by the health loop.
func (m *SocketManager) ConnectionState(namespace string) types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conns[namespace]; ok {
		return c.state
	}
	return types.ConnDisconnected
}

// IsConnected reports the cached state without a transport round trip.
func (m *SocketManager) IsConnected(namespace string) bool {
	return m.ConnectionState(namespace) == types.ConnConnected
}

// LastConnected returns when the namespace last completed a connect.
func (m *SocketManager) LastConnected(namespace string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conns[namespace]; ok {
		return c.lastConnected
	}
	return time.Time{}
}

// OnStateChange registers a connection-state observer. Returns unsubscribe.
func (m *SocketManager) OnStateChange(fn StateHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.stateSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

// OnRecovery registers a reconnection observer. Returns unsubscribe.
func (m *SocketManager) OnRecovery(fn RecoveryHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.recoverySubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.recoverySubs, id)
	}
}

// Reconnect triggers a background connect attempt for the namespace.
func (m *SocketManager) Reconnect(namespace string) {
	c := m.getOrCreate(namespace)
	if c.transport.Connected() {
		return
	}
	go func() {
		if err := m.EnsureConnected(context.Background(), namespace); err != nil {
			m.logger.Warn().Err(err).Str("namespace", namespace).Msg("reconnect failed")
		}
	}()
}

// Disconnect closes the namespace's transport. The registry entry stays,
// so EnsureConnected or Reconnect bring the namespace back; use
// DestroyNamespace to release it for good.
func (m *SocketManager) Disconnect(namespace string) error {
	m.mu.RLock()
	c, ok := m.conns[namespace]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	err := c.transport.Close()
	m.setState(c, types.ConnDisconnected)
	return err
}

// DestroyNamespace unregisters the namespace and releases its room state
// machine and deduplicator.
func (m *SocketManager) DestroyNamespace(namespace string) {
	m.mu.Lock()
	c, ok := m.conns[namespace]
	if ok {
		delete(m.conns, namespace)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, off := range c.unhooks {
		off()
	}
	c.room.Destroy()
	c.dedup.Destroy()
	c.transport.Close()
	m.logger.Info().Str("namespace", namespace).Msg("namespace destroyed")
}

// Destroy tears down every namespace and stops health monitoring.
func (m *SocketManager) Destroy() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	namespaces := make([]string, 0, len(m.conns))
	for ns := range m.conns {
		namespaces = append(namespaces, ns)
	}
	m.mu.Unlock()

	for _, ns := range namespaces {
		m.DestroyNamespace(ns)
	}
}

func (m *SocketManager) getOrCreate(namespace string) *namespaceConn {
	m.mu.RLock()
	c, ok := m.conns[namespace]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	if c, ok = m.conns[namespace]; ok {
		m.mu.Unlock()
		return c
	}
	tp := m.factory(namespace)
	d := dedup.New(m.cfg.DedupWindow, m.cfg.DedupMaxEntries, m.logger)
	c = &namespaceConn{
		namespace: namespace,
		transport: tp,
		state:     types.ConnDisconnected,
		dedup:     d,
		room: room.New(tp, d, room.Options{
			Namespace:    namespace,
			JoinTimeout:  m.cfg.JoinTimeout,
			LeaveTimeout: m.cfg.LeaveTimeout,
			StrictLeave:  m.cfg.StrictLeave,
			HistorySize:  m.cfg.HistorySize,
		}, m.logger),
	}
	m.conns[namespace] = c
	m.mu.Unlock()

	m.wireLifecycle(c)
	m.logger.Info().Str("namespace", namespace).Msg("namespace connection created")
	return c
}

// wireLifecycle keeps cached state in sync with transport events and fans
// recovery notifications out once per reconnection.
func (m *SocketManager) wireLifecycle(c *namespaceConn) {
	hook := func(event string, fn types.LifecycleHandler) {
		c.unhooks = append(c.unhooks, c.transport.OnLifecycle(event, fn))
	}
	hook(types.LifecycleConnect, func(types.LifecycleEvent) {
		m.mu.Lock()
		c.lastConnected = time.Now()
		c.reconnectAttempts = 0
		m.mu.Unlock()
		m.setState(c, types.ConnConnected)
	})
	hook(types.LifecycleDisconnect, func(types.LifecycleEvent) {
		m.setState(c, types.ConnDisconnected)
	})
	hook(types.LifecycleConnectError, func(ev types.LifecycleEvent) {
		m.logger.Warn().Err(ev.Err).Str("namespace", c.namespace).Msg("connect error")
		m.setState(c, types.ConnError)
	})
	hook(types.LifecycleReconnectAttempt, func(ev types.LifecycleEvent) {
		m.mu.Lock()
		c.reconnectAttempts = ev.Attempt
		m.mu.Unlock()
		m.setState(c, types.ConnReconnecting)
	})
	hook(types.LifecycleReconnect, func(ev types.LifecycleEvent) {
		m.mu.Lock()
		c.lastConnected = time.Now()
		c.reconnectAttempts = 0
		m.mu.Unlock()
		m.setState(c, types.ConnConnected)
		m.notifyRecovery(c.namespace, ev.Recovered)
	})
	hook(types.LifecycleReconnectFailed, func(types.LifecycleEvent) {
		m.setState(c, types.ConnError)
	})
}

func (m *SocketManager) setState(c *namespaceConn, to types.ConnectionState) {
	m.mu.Lock()
	if c.state == to {
		m.mu.Unlock()
		return
	}
	from := c.state
	c.state = to
	subs := make([]StateHandler, 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Debug().
		Str("namespace", c.namespace).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("connection state changed")
	for _, fn := range subs {
		fn(c.namespace, to)
	}
}

func (m *SocketManager) notifyRecovery(namespace string, recovered bool) {
	m.mu.RLock()
	subs := make([]RecoveryHandler, 0, len(m.recoverySubs))
	for _, fn := range m.recoverySubs {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(namespace, recovered)
	}
}

// healthLoop reconciles cached state against actual transport connectivity
// and re-emits state changes when they drift apart.
func (m *SocketManager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepHealth()
		case <-m.done:
			return
		}
	}
}

func (m *SocketManager) sweepHealth() {
	m.mu.RLock()
	conns := make([]*namespaceConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		actual := c.transport.Connected()
		cached := m.ConnectionState(c.namespace)
		switch {
		case actual && cached != types.ConnConnected:
			m.logger.Warn().Str("namespace", c.namespace).Str("cached", cached.String()).
				Msg("state drift: transport is up")
			m.setState(c, types.ConnConnected)
		case !actual && cached == types.ConnConnected:
			m.logger.Warn().Str("namespace", c.namespace).
				Msg("state drift: transport is down")
			m.setState(c, types.ConnDisconnected)
		}
	}
}
