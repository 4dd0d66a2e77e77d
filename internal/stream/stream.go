// Package stream implements the Stream Subscription Manager: the in-memory
// bookkeeping of which WebSocket clients are subscribed to which symbols,
// independent of any particular transport. Transport (gorilla/websocket) is
// internal/wsgateway's concern; this package never imports it — a Gateway is
// passed into BroadcastToSymbol as a parameter rather than retained as a
// field, avoiding a manager/gateway import cycle.
//
// Maintains a client registry keyed on client ID (each client carrying its
// provider, capability and symbol set) plus a symbol -> clients inverse index.
package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aoxiansheng/stock-api-sub013/internal/errs"
	"github.com/aoxiansheng/stock-api-sub013/internal/stats"
)

const (
	DefaultReapInterval = 60 * time.Second
	DefaultIdleTimeout  = 5 * time.Minute
)

// ClientID identifies one connected client, assigned by the transport.
type ClientID string

// ClientSubscription is one client's current subscription state.
type ClientSubscription struct {
	ClientID     ClientID
	Symbols      map[string]struct{}
	Capability   string
	Provider     string
	SubscribedAt time.Time
	LastActive   time.Time
}

// ChangeKind enumerates subscription lifecycle events.
type ChangeKind string

const (
	ChangeAdded      ChangeKind = "added"
	ChangeRemoved    ChangeKind = "removed"
	ChangeSymbolSub  ChangeKind = "symbol_subscribed"
	ChangeSymbolUnsub ChangeKind = "symbol_unsubscribed"
	ChangeReaped     ChangeKind = "idle_reaped"
)

// ChangeEvent is published to registered listeners on every subscription
// mutation.
type ChangeEvent struct {
	Kind     ChangeKind
	ClientID ClientID
	Symbols  []string
}

// Gateway is the narrow push contract the manager needs from a transport.
// Implementations (internal/wsgateway) are never retained by Manager — each
// BroadcastToSymbol call receives one as a parameter.
type Gateway interface {
	Push(clientID ClientID, payload any) error

	// IsAvailable reports whether the transport can currently accept a
	// broadcast. BroadcastToSymbol checks this before attempting delivery.
	IsAvailable() bool

	// BroadcastToRoom delivers payload to every id in ids under the given
	// room name. Implementations may use the room name for logging/metrics;
	// room membership itself is decided by the caller (the symbol index),
	// not the gateway.
	BroadcastToRoom(room string, ids []ClientID, payload any) error
}

// Manager owns the client registry and the symbol -> clients inverse index
// used for O(subscribers) broadcast fan-out instead of O(all clients).
type Manager struct {
	mu          sync.RWMutex
	clients     map[ClientID]*ClientSubscription
	symbolIndex map[string]map[ClientID]struct{}

	listeners []func(ChangeEvent)

	reapInterval time.Duration
	idleTimeout  time.Duration

	stats struct {
		added, removed, reaped int64

		gatewaySuccess, gatewayFailure, totalAttempts int64
		broadcastErrors                               int64
		lastReason                                    string
	}

	bus *stats.Bus
	log zerolog.Logger
}

// New builds an empty Manager.
func New(bus *stats.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		clients:      make(map[ClientID]*ClientSubscription),
		symbolIndex:  make(map[string]map[ClientID]struct{}),
		reapInterval: DefaultReapInterval,
		idleTimeout:  DefaultIdleTimeout,
		bus:          bus,
		log:          log,
	}
}

// OnChange registers a listener invoked synchronously on every mutation.
func (m *Manager) OnChange(fn func(ChangeEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(evt ChangeEvent) {
	for _, fn := range m.listeners {
		fn(evt)
	}
}

// Add registers a new client with its initial subscription set. Adding an
// already registered client unions symbols into its existing set and
// replaces its provider and capability.
func (m *Manager) Add(id ClientID, provider, capability string, symbols []string) {
	now := time.Now()
	m.mu.Lock()
	sub := &ClientSubscription{
		ClientID:     id,
		Symbols:      make(map[string]struct{}, len(symbols)),
		Capability:   capability,
		Provider:     provider,
		SubscribedAt: now,
		LastActive:   now,
	}
	if old, ok := m.clients[id]; ok {
		for s := range old.Symbols {
			sub.Symbols[s] = struct{}{}
		}
		sub.SubscribedAt = old.SubscribedAt
	}
	for _, s := range symbols {
		sub.Symbols[s] = struct{}{}
		m.indexSymbol(s, id)
	}
	m.clients[id] = sub
	m.stats.added++
	m.mu.Unlock()

	m.emit(ChangeEvent{Kind: ChangeAdded, ClientID: id, Symbols: symbols})
	if m.bus != nil {
		m.bus.Emit("stream", "client_connected", 1, map[string]any{"provider": provider})
	}
}

// Remove deregisters a client and unwinds its index entries.
func (m *Manager) Remove(id ClientID) {
	m.mu.Lock()
	sub, ok := m.clients[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	for s := range sub.Symbols {
		m.unindexSymbol(s, id)
	}
	delete(m.clients, id)
	m.stats.removed++
	m.mu.Unlock()

	m.emit(ChangeEvent{Kind: ChangeRemoved, ClientID: id})
	if m.bus != nil {
		m.bus.Emit("stream", "client_disconnected", 1, nil)
	}
}

// Subscribe adds symbols to an existing client's subscription.
func (m *Manager) Subscribe(id ClientID, symbols []string) {
	m.mu.Lock()
	sub, ok := m.clients[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	for _, s := range symbols {
		sub.Symbols[s] = struct{}{}
		m.indexSymbol(s, id)
	}
	sub.LastActive = time.Now()
	m.mu.Unlock()

	m.emit(ChangeEvent{Kind: ChangeSymbolSub, ClientID: id, Symbols: symbols})
}

// Unsubscribe removes symbols from an existing client's subscription. A
// client whose subscription becomes empty is destroyed: removed from the
// registry and reported via ChangeRemoved instead of lingering with zero
// symbols.
func (m *Manager) Unsubscribe(id ClientID, symbols []string) {
	m.mu.Lock()
	sub, ok := m.clients[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	for _, s := range symbols {
		delete(sub.Symbols, s)
		m.unindexSymbol(s, id)
	}
	sub.LastActive = time.Now()

	emptied := len(sub.Symbols) == 0
	if emptied {
		delete(m.clients, id)
		m.stats.removed++
	}
	m.mu.Unlock()

	m.emit(ChangeEvent{Kind: ChangeSymbolUnsub, ClientID: id, Symbols: symbols})
	if emptied {
		m.emit(ChangeEvent{Kind: ChangeRemoved, ClientID: id})
	}
}

func (m *Manager) indexSymbol(symbol string, id ClientID) {
	set, ok := m.symbolIndex[symbol]
	if !ok {
		set = make(map[ClientID]struct{})
		m.symbolIndex[symbol] = set
	}
	set[id] = struct{}{}
}

func (m *Manager) unindexSymbol(symbol string, id ClientID) {
	set, ok := m.symbolIndex[symbol]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m.symbolIndex, symbol)
	}
}

// ClientsForSymbol returns the set of clients currently subscribed to a
// symbol. This must never degrade to an O(all clients) scan as subscriber
// count grows.
func (m *Manager) ClientsForSymbol(symbol string) []ClientID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.symbolIndex[symbol]
	if !ok {
		return nil
	}
	out := make([]ClientID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SymbolsForClient returns the symbols one client is subscribed to.
func (m *Manager) SymbolsForClient(id ClientID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.clients[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sub.Symbols))
	for s := range sub.Symbols {
		out = append(out, s)
	}
	return out
}

// AllRequiredSymbols returns the union of every client's subscribed symbols,
// used to drive what a provider connection needs to stream.
func (m *Manager) AllRequiredSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.symbolIndex))
	for s := range m.symbolIndex {
		out = append(out, s)
	}
	return out
}

// UpdateActivity bumps a client's LastActive timestamp; transports call this
// on every inbound control message and pong.
func (m *Manager) UpdateActivity(id ClientID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.clients[id]; ok {
		sub.LastActive = time.Now()
	}
}

// BroadcastToSymbol pushes payload to every client subscribed to symbol via
// the given gateway. The gateway is a parameter, never a Manager field.
//
// If the gateway reports itself unavailable, or the room broadcast fails,
// no delivery is attempted (or it is abandoned) and a GatewayBroadcastError
// is returned with the failure reason; gatewayFailure/broadcastErrors/
// lastReason are updated and the caller decides whether to retry. On
// success gatewaySuccess is bumped and every recipient's activity timestamp
// is refreshed.
func (m *Manager) BroadcastToSymbol(symbol string, payload any, gw Gateway) error {
	ids := m.ClientsForSymbol(symbol)

	m.mu.Lock()
	m.stats.totalAttempts++
	m.mu.Unlock()

	if !gw.IsAvailable() {
		return m.recordBroadcastFailure("gateway unavailable")
	}

	if err := gw.BroadcastToRoom("symbol:"+symbol, ids, payload); err != nil {
		return m.recordBroadcastFailure(err.Error())
	}

	m.mu.Lock()
	m.stats.gatewaySuccess++
	m.mu.Unlock()

	for _, id := range ids {
		m.UpdateActivity(id)
	}
	return nil
}

func (m *Manager) recordBroadcastFailure(reason string) error {
	m.mu.Lock()
	m.stats.gatewayFailure++
	m.stats.broadcastErrors++
	m.stats.lastReason = reason
	m.mu.Unlock()
	return errs.Newf(errs.GatewayBroadcastError, "broadcast failed: %s", reason)
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	ClientCount     int
	SymbolCount     int
	Added           int64
	Removed         int64
	Reaped          int64
	GatewaySuccess  int64
	GatewayFailure  int64
	TotalAttempts   int64
	BroadcastErrors int64
	LastReason      string
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		ClientCount:     len(m.clients),
		SymbolCount:     len(m.symbolIndex),
		Added:           m.stats.added,
		Removed:         m.stats.removed,
		Reaped:          m.stats.reaped,
		GatewaySuccess:  m.stats.gatewaySuccess,
		GatewayFailure:  m.stats.gatewayFailure,
		TotalAttempts:   m.stats.totalAttempts,
		BroadcastErrors: m.stats.broadcastErrors,
		LastReason:      m.stats.lastReason,
	}
}

// ResetStats zeroes the lifetime counters; the registry sizes are untouched.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.added, m.stats.removed, m.stats.reaped = 0, 0, 0
	m.stats.gatewaySuccess, m.stats.gatewayFailure, m.stats.totalAttempts = 0, 0, 0
	m.stats.broadcastErrors, m.stats.lastReason = 0, ""
}

// HealthStatus classifies broadcast reliability by error rate.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthWarning   HealthStatus = "warning"
	HealthCritical  HealthStatus = "critical"
)

// BroadcastHealth is the derived broadcast-reliability report: usage rate,
// error rate, a classified health status, and a small analysis block.
type BroadcastHealth struct {
	GatewayUsageRate float64
	ErrorRate        float64
	HealthStatus     HealthStatus
	TotalBroadcasts  int64
	SuccessRate      float64
	Raw              Stats
}

// Health computes BroadcastHealth from the current counters. Thresholds:
// errorRate > 0.10 -> critical, > 0.05 -> warning, 0 -> excellent, else good.
func (m *Manager) Health() BroadcastHealth {
	raw := m.Stats()

	var errorRate, successRate, usageRate float64
	if raw.TotalAttempts > 0 {
		errorRate = float64(raw.GatewayFailure) / float64(raw.TotalAttempts)
		successRate = float64(raw.GatewaySuccess) / float64(raw.TotalAttempts)
		usageRate = float64(raw.TotalAttempts-raw.BroadcastErrors) / float64(raw.TotalAttempts)
	}

	status := HealthGood
	switch {
	case raw.TotalAttempts == 0 || errorRate == 0:
		status = HealthExcellent
	case errorRate > 0.10:
		status = HealthCritical
	case errorRate > 0.05:
		status = HealthWarning
	}

	return BroadcastHealth{
		GatewayUsageRate: usageRate,
		ErrorRate:        errorRate,
		HealthStatus:     status,
		TotalBroadcasts:  raw.TotalAttempts,
		SuccessRate:      successRate,
		Raw:              raw,
	}
}

// ReapIdle removes every client whose LastActive exceeds the idle timeout,
// as of "now". Callers drive the reaper's cadence (see Run); this method is
// exposed directly so tests can exercise it without waiting on a ticker.
func (m *Manager) ReapIdle(now time.Time) []ClientID {
	m.mu.Lock()
	var stale []ClientID
	for id, sub := range m.clients {
		if now.Sub(sub.LastActive) >= m.idleTimeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		sub := m.clients[id]
		for s := range sub.Symbols {
			m.unindexSymbol(s, id)
		}
		delete(m.clients, id)
	}
	m.stats.reaped += int64(len(stale))
	m.mu.Unlock()

	for _, id := range stale {
		m.emit(ChangeEvent{Kind: ChangeReaped, ClientID: id})
	}
	return stale
}

// Run starts the idle-reaper loop until done is closed. It is meant to run in
// its own goroutine, started once by cmd/server's wiring.
func (m *Manager) Run(done <-chan struct{}) {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			reaped := m.ReapIdle(now)
			if len(reaped) > 0 && m.bus != nil {
				m.bus.Emit("stream", "idle_clients_reaped", float64(len(reaped)), nil)
			}
		}
	}
}

// SetIdleTimeout overrides the default idle timeout, for config wiring.
func (m *Manager) SetIdleTimeout(d time.Duration) { m.idleTimeout = d }

// SetReapInterval overrides the default reap tick, for config wiring.
func (m *Manager) SetReapInterval(d time.Duration) { m.reapInterval = d }
