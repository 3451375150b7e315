package adapter

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerConfig holds tunable parameters for the CircuitBreaker.
type CircuitBreakerConfig struct {
	// StaleThreshold is the maximum age of the last book change before the
	// market is considered stale. Zero disables the check; quiet markets
	// legitimately go minutes without a diff.
	StaleThreshold time.Duration

	// CoolOff is how long a market must stay ready after recovering before
	// quoting is re-enabled. Zero disables it.
	CoolOff time.Duration
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		CoolOff: 2 * time.Second,
	}
}

// ConnectionMonitor exposes transport health; *WSClient satisfies it.
type ConnectionMonitor interface {
	Circuit() CircuitState
}

// marketState tracks health for a single market.
type marketState struct {
	LastUpdate time.Time
	// RecoveredAt is set when a market becomes ready again. Quoting is
	// blocked until time.Since(RecoveredAt) >= CoolOff.
	RecoveredAt time.Time
	Ready       bool
}

// CircuitBreaker watches synchronizer events and the transport, gating every
// consumer of the hybrid books behind CanQuote(). It enforces:
//   - Connection health via ConnectionMonitor.Circuit()
//   - Market readiness (Ready seen, no Disconnected since)
//   - Optional data staleness and cool-off after recovery
//   - Manual emergency halt
type CircuitBreaker struct {
	cfg  CircuitBreakerConfig
	feed <-chan Event

	connMu sync.RWMutex
	conn   ConnectionMonitor

	mu      sync.RWMutex
	markets map[string]*marketState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewCircuitBreaker creates a CircuitBreaker fed by a Broadcaster
// subscription. The transport is registered separately via WatchConnection.
func NewCircuitBreaker(cfg CircuitBreakerConfig, feed <-chan Event) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:     cfg,
		feed:    feed,
		markets: make(map[string]*marketState),
		nowFunc: time.Now,
	}
}

// WatchConnection registers the transport whose Circuit() state is checked.
func (cb *CircuitBreaker) WatchConnection(conn ConnectionMonitor) {
	cb.connMu.Lock()
	cb.conn = conn
	cb.connMu.Unlock()
}

// ManualHalt blocks quoting on all markets until Resume is called.
func (cb *CircuitBreaker) ManualHalt() {
	cb.haltMu.Lock()
	cb.halted = true
	cb.haltMu.Unlock()
}

// Resume clears the manual halt. Markets still need to pass readiness,
// staleness and cool-off checks.
func (cb *CircuitBreaker) Resume() {
	cb.haltMu.Lock()
	cb.halted = false
	cb.haltMu.Unlock()
}

// CanQuote returns true only if ALL of the following hold:
//  1. No manual halt is active.
//  2. The transport circuit is Closed.
//  3. The market is ready.
//  4. The last book change is within StaleThreshold, when set.
//  5. The cool-off period has elapsed since recovery.
func (cb *CircuitBreaker) CanQuote(market string) bool {
	cb.haltMu.RLock()
	if cb.halted {
		cb.haltMu.RUnlock()
		return false
	}
	cb.haltMu.RUnlock()

	cb.connMu.RLock()
	conn := cb.conn
	cb.connMu.RUnlock()
	if conn != nil && conn.Circuit() == CircuitOpen {
		return false
	}

	now := cb.nowFunc()

	cb.mu.RLock()
	defer cb.mu.RUnlock()

	ms, exists := cb.markets[market]
	if !exists || !ms.Ready {
		return false
	}
	if cb.cfg.StaleThreshold > 0 && now.Sub(ms.LastUpdate) > cb.cfg.StaleThreshold {
		return false
	}
	if !ms.RecoveredAt.IsZero() && now.Sub(ms.RecoveredAt) < cb.cfg.CoolOff {
		return false
	}
	return true
}

// Run consumes the event feed, updating per-market health. It blocks until
// ctx is cancelled.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cb.feed:
			if !ok {
				return
			}
			cb.recordEvent(ev)
		}
	}
}

func (cb *CircuitBreaker) recordEvent(ev Event) {
	now := cb.nowFunc()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch ev.Kind {
	case EventReady:
		ms := cb.market(ev.Market)
		if !ms.Ready {
			ms.RecoveredAt = now
		}
		ms.Ready = true
		ms.LastUpdate = now

	case EventL1Changed, EventL2Changed:
		if ms, ok := cb.markets[ev.Market]; ok {
			ms.LastUpdate = now
		}

	case EventDisconnected:
		if ev.Market == "" {
			for _, ms := range cb.markets {
				ms.Ready = false
			}
			return
		}
		cb.market(ev.Market).Ready = false
	}
}

// market returns the state for a market, creating it. Caller holds cb.mu.
func (cb *CircuitBreaker) market(name string) *marketState {
	ms, ok := cb.markets[name]
	if !ok {
		ms = &marketState{}
		cb.markets[name] = ms
	}
	return ms
}

// MarkStale forces a market unhealthy until its next Ready.
func (cb *CircuitBreaker) MarkStale(market string) {
	cb.mu.Lock()
	if ms, ok := cb.markets[market]; ok {
		ms.Ready = false
	}
	cb.mu.Unlock()
}
