package adapter

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock provides a controllable time source for tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

type stubConn struct {
	state CircuitState
}

func (s *stubConn) Circuit() CircuitState { return s.state }

func newTestBreaker(clock *fakeClock) (*CircuitBreaker, chan Event) {
	feed := make(chan Event, 64)
	cfg := CircuitBreakerConfig{
		StaleThreshold: 1000 * time.Millisecond,
		CoolOff:        2 * time.Second,
	}
	cb := NewCircuitBreaker(cfg, feed)
	cb.nowFunc = clock.Now
	return cb, feed
}

// send pushes an event and waits for the breaker to consume it.
func send(feed chan Event, ev Event) {
	feed <- ev
	time.Sleep(30 * time.Millisecond)
}

func TestCircuitBreaker_ConnectionFailure(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	conn := &stubConn{state: CircuitOpen}
	cb.WatchConnection(conn)

	send(feed, Event{Kind: EventReady, Market: "IDEX-USDC"})
	clock.Advance(3 * time.Second)
	send(feed, Event{Kind: EventL2Changed, Market: "IDEX-USDC"})

	if cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=false while the transport circuit is open")
	}

	conn.state = CircuitClosed
	if !cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=true once the transport is healthy")
	}
}

func TestCircuitBreaker_RequiresReady(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, Event{Kind: EventL2Changed, Market: "IDEX-USDC"})
	if cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=false before Ready")
	}
	if cb.CanQuote("UNKNOWN-USDC") {
		t.Fatal("expected CanQuote=false for an unseen market")
	}
}

func TestCircuitBreaker_StaleData(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, Event{Kind: EventReady, Market: "IDEX-USDC"})

	// Advance past cool-off so that doesn't interfere.
	clock.Advance(3 * time.Second)
	send(feed, Event{Kind: EventL1Changed, Market: "IDEX-USDC"})

	if !cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=true for fresh data")
	}

	clock.Advance(1500 * time.Millisecond)
	if cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=false for stale data (1500ms since last change)")
	}
}

func TestCircuitBreaker_StaleCheckDisabled(t *testing.T) {
	clock := newFakeClock(time.Now())
	feed := make(chan Event, 8)
	cb := NewCircuitBreaker(CircuitBreakerConfig{}, feed)
	cb.nowFunc = clock.Now

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, Event{Kind: EventReady, Market: "IDEX-USDC"})
	clock.Advance(time.Hour)

	if !cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected quiet market to stay quotable with staleness disabled")
	}
}

func TestCircuitBreaker_DisconnectAndCoolOff(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, Event{Kind: EventReady, Market: "IDEX-USDC"})
	send(feed, Event{Kind: EventReady, Market: "ETH-USDC"})
	clock.Advance(3 * time.Second)
	send(feed, Event{Kind: EventL2Changed, Market: "IDEX-USDC"})

	// Per-market gap only affects that market.
	send(feed, Event{Kind: EventDisconnected, Market: "IDEX-USDC"})
	if cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=false after market disconnect")
	}

	send(feed, Event{Kind: EventReady, Market: "IDEX-USDC"})
	if cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=false during cool-off")
	}

	clock.Advance(2100 * time.Millisecond)
	send(feed, Event{Kind: EventL1Changed, Market: "IDEX-USDC"})
	if !cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=true after cool-off elapsed")
	}

	// Transport-wide disconnect affects every market.
	send(feed, Event{Kind: EventDisconnected})
	if cb.CanQuote("IDEX-USDC") || cb.CanQuote("ETH-USDC") {
		t.Fatal("expected every market blocked after a transport disconnect")
	}
}

func TestCircuitBreaker_ManualHalt(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, Event{Kind: EventReady, Market: "IDEX-USDC"})
	clock.Advance(3 * time.Second)
	send(feed, Event{Kind: EventL2Changed, Market: "IDEX-USDC"})

	if !cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=true before halt")
	}

	cb.ManualHalt()
	if cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=false after ManualHalt")
	}

	cb.Resume()
	if !cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=true after Resume")
	}
}

func TestCircuitBreaker_MarkStale(t *testing.T) {
	clock := newFakeClock(time.Now())
	cb, feed := newTestBreaker(clock)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go cb.Run(ctx)

	send(feed, Event{Kind: EventReady, Market: "IDEX-USDC"})
	clock.Advance(3 * time.Second)
	send(feed, Event{Kind: EventL2Changed, Market: "IDEX-USDC"})

	cb.MarkStale("IDEX-USDC")
	if cb.CanQuote("IDEX-USDC") {
		t.Fatal("expected CanQuote=false after MarkStale")
	}
}
