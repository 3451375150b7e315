package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caesar-terminal/idexbook/internal/adapter"
	"github.com/caesar-terminal/idexbook/internal/adapter/idex"
	"github.com/caesar-terminal/idexbook/internal/orderbook"
)

const ethUSDC = "ETH-USDC"

// mockSource implements SnapshotSource. Successive snapshot calls for a
// market walk through books; the last entry repeats.
type mockSource struct {
	mu            sync.Mutex
	info          idex.ExchangeInfo
	assets        []idex.Asset
	markets       []idex.Market
	books         map[string][]idex.OrderBook
	bookCalls     map[string]int
	exchangeCalls int
	failExchange  int
	release       chan struct{}
}

func strPtr(s string) *string { return &s }

func newMockSource() *mockSource {
	return &mockSource{
		info: idex.ExchangeInfo{
			TakerIdexFeeRate:              "0.0005",
			TakerLiquidityProviderFeeRate: "0.002",
			TakerTradeMinimum:             "1",
		},
		assets: []idex.Asset{
			{Symbol: "USDC", MaticPrice: strPtr("0.5")},
			{Symbol: "ETH"},
		},
		markets: []idex.Market{
			{Market: ethUSDC, BaseAsset: "ETH", QuoteAsset: "USDC", TickSize: "0.00000001"},
		},
		books:     map[string][]idex.OrderBook{ethUSDC: {snapshot(5)}},
		bookCalls: make(map[string]int),
	}
}

func snapshot(seq uint64) idex.OrderBook {
	return idex.OrderBook{
		Sequence: seq,
		Asks: []idex.Level{
			{Price: "2000", Size: "1", NumOrders: 1},
			{Price: "2001", Size: "2", NumOrders: 2},
		},
		Bids: []idex.Level{
			{Price: "1999", Size: "1.5", NumOrders: 1},
			{Price: "1998", Size: "3", NumOrders: 2},
		},
	}
}

func (s *mockSource) ExchangeInfo(context.Context) (idex.ExchangeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchangeCalls++
	if s.exchangeCalls <= s.failExchange {
		return idex.ExchangeInfo{}, errors.New("exchange unavailable")
	}
	return s.info, nil
}

func (s *mockSource) Assets(context.Context) ([]idex.Asset, error) { return s.assets, nil }

func (s *mockSource) Markets(context.Context) ([]idex.Market, error) { return s.markets, nil }

func (s *mockSource) OrderBookLevel2(ctx context.Context, market string, limit int, limitOrderOnly bool) (idex.OrderBook, error) {
	s.mu.Lock()
	idx := s.bookCalls[market]
	s.bookCalls[market]++
	list := s.books[market]
	release := s.release
	s.mu.Unlock()

	if limit != MaxRESTDepth || !limitOrderOnly {
		return idex.OrderBook{}, errors.New("unexpected snapshot parameters")
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return idex.OrderBook{}, ctx.Err()
		}
	}
	if len(list) == 0 {
		return idex.OrderBook{}, errors.New("no book for " + market)
	}
	if idx >= len(list) {
		idx = len(list) - 1
	}
	return list[idx], nil
}

func (s *mockSource) calls(market string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookCalls[market]
}

type streamCall struct {
	markets []string
	names   []string
}

// mockStream implements Stream over a channel the test feeds.
type mockStream struct {
	mu     sync.Mutex
	msgs   chan idex.Message
	subs   []streamCall
	unsubs []streamCall
	lists  int
}

func newMockStream() *mockStream {
	return &mockStream{msgs: make(chan idex.Message, 64)}
}

func (s *mockStream) Subscribe(markets []string, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, streamCall{markets: markets, names: names})
	return nil
}

func (s *mockStream) Unsubscribe(markets []string, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, streamCall{markets: markets, names: names})
	return nil
}

func (s *mockStream) ListSubscriptions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	return nil
}

func (s *mockStream) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func (s *mockStream) Messages() <-chan idex.Message { return s.msgs }

func (s *mockStream) subscribeCalls() []streamCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]streamCall(nil), s.subs...)
}

func (s *mockStream) unsubscribeCalls() []streamCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]streamCall(nil), s.unsubs...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	client *Client
	source *mockSource
	stream *mockStream
	sleeps *sleepRecorder
}

func start(t *testing.T, src *mockSource, markets ...string) *harness {
	t.Helper()
	if len(markets) == 0 {
		markets = []string{ethUSDC}
	}
	h := &harness{source: src, stream: newMockStream(), sleeps: &sleepRecorder{}}
	h.client = New(src, h.stream, Config{
		Retry:       RetryPolicy{Base: time.Second, Sleep: h.sleeps.sleep},
		EventBuffer: 64,
	})
	h.client.nowFunc = func() time.Time { return time.Unix(1700000000, 0) }
	if err := h.client.Start(context.Background(), markets); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.client.Stop)
	return h
}

func (h *harness) send(msg idex.Message) {
	h.stream.msgs <- msg
}

func (h *harness) next(t *testing.T) adapter.Event {
	t.Helper()
	select {
	case ev := <-h.client.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return adapter.Event{}
	}
}

func (h *harness) expect(t *testing.T, kind adapter.EventKind, market string) adapter.Event {
	t.Helper()
	ev := h.next(t)
	if ev.Kind != kind || ev.Market != market {
		t.Fatalf("expected %s(%q), got %s(%q) err=%v", kind, market, ev.Kind, ev.Market, ev.Err)
	}
	return ev
}

// synced connects the stream and waits for the initial synchronization.
func (h *harness) synced(t *testing.T, markets ...string) {
	t.Helper()
	if len(markets) == 0 {
		markets = []string{ethUSDC}
	}
	h.send(idex.Message{Kind: idex.MessageConnected})
	for _, m := range markets {
		h.expect(t, adapter.EventReady, m)
	}
	h.expect(t, adapter.EventConnected, "")
}

func diff(market string, seq uint64, asks, bids []idex.Level) idex.Message {
	return idex.Message{Kind: idex.MessageL2OrderBook, L2: &idex.L2OrderBookMessage{
		Market: market, Sequence: seq, Asks: asks, Bids: bids,
	}}
}

func TestSynchronizeEmitsReadyThenConnected(t *testing.T) {
	h := start(t, newMockSource())
	h.synced(t)

	subs := h.stream.subscribeCalls()
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscribe call, got %d", len(subs))
	}
	if !reflect.DeepEqual(subs[0].markets, []string{ethUSDC}) ||
		!reflect.DeepEqual(subs[0].names, []string{idex.SubscriptionL2OrderBook, idex.SubscriptionTokenPrice}) {
		t.Fatalf("unexpected subscribe call %+v", subs[0])
	}

	l1, err := h.client.GetL1(context.Background(), ethUSDC, 0)
	if err != nil {
		t.Fatalf("GetL1: %v", err)
	}
	if l1.Sequence != 5 || l1.Asks[0].Price != "2000.00000000" || l1.Bids[0].Price != "1999.00000000" {
		t.Fatalf("unexpected L1 %+v", l1)
	}
	if state, _ := h.client.State(ethUSDC); state != StateSynced {
		t.Fatalf("expected synced, got %s", state)
	}
}

func TestDiffsApplyInSequence(t *testing.T) {
	h := start(t, newMockSource())
	h.synced(t)

	// Best ask removed: L1 and L2 change.
	h.send(diff(ethUSDC, 6, []idex.Level{{Price: "2000", Size: "0", NumOrders: 0}}, nil))
	h.expect(t, adapter.EventL1Changed, ethUSDC)
	h.expect(t, adapter.EventL2Changed, ethUSDC)

	// Stale: dropped silently.
	h.send(diff(ethUSDC, 4, []idex.Level{{Price: "1000", Size: "1", NumOrders: 1}}, nil))

	// Deep bid change: L2 only.
	h.send(diff(ethUSDC, 7, nil, []idex.Level{{Price: "1998", Size: "4", NumOrders: 3}}))
	h.expect(t, adapter.EventL2Changed, ethUSDC)

	l2, err := h.client.GetL2(context.Background(), ethUSDC, 4, 0)
	if err != nil {
		t.Fatalf("GetL2: %v", err)
	}
	if l2.Sequence != 7 {
		t.Fatalf("expected sequence 7, got %d", l2.Sequence)
	}
	if len(l2.Asks) != 1 || l2.Asks[0].Price != "2001.00000000" {
		t.Fatalf("unexpected asks %+v", l2.Asks)
	}
	if l2.Bids[1] != (idex.Level{Price: "1998.00000000", Size: "4.00000000", NumOrders: 3}) {
		t.Fatalf("unexpected deep bid %+v", l2.Bids[1])
	}
}

func TestPoolOnlyUpdateKeepsSequence(t *testing.T) {
	h := start(t, newMockSource())
	h.synced(t)

	msg := diff(ethUSDC, 5, nil, nil)
	msg.L2.Pool = &idex.PoolReserves{BaseReserveQuantity: "5000", QuoteReserveQuantity: "6000"}
	h.send(msg)
	h.expect(t, adapter.EventL1Changed, ethUSDC)
	h.expect(t, adapter.EventL2Changed, ethUSDC)

	m := h.client.lookup(ethUSDC)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book.Sequence != 5 {
		t.Fatalf("expected sequence 5, got %d", m.book.Sequence)
	}
	if m.book.Pool == nil || *m.book.Pool != (orderbook.PoolReserves{Base: 5000 * 1e8, Quote: 6000 * 1e8}) {
		t.Fatalf("unexpected pool %+v", m.book.Pool)
	}
	if len(m.book.Asks) != 2 {
		t.Fatalf("limit levels changed: %+v", m.book.Asks)
	}
}

func TestSequenceGapResyncsMarket(t *testing.T) {
	src := newMockSource()
	src.books[ethUSDC] = []idex.OrderBook{snapshot(5), snapshot(10)}
	h := start(t, src)
	h.synced(t)

	h.send(diff(ethUSDC, 7, nil, nil))

	h.expect(t, adapter.EventDisconnected, ethUSDC)
	ev := h.expect(t, adapter.EventError, ethUSDC)
	if !errors.Is(ev.Err, ErrMissingSequence) {
		t.Fatalf("expected ErrMissingSequence, got %v", ev.Err)
	}
	if msg := ev.Err.Error(); !strings.Contains(msg, "5") || !strings.Contains(msg, "7") {
		t.Fatalf("expected both sequences in %q", msg)
	}
	h.expect(t, adapter.EventReady, ethUSDC)
	h.expect(t, adapter.EventConnected, ethUSDC)

	unsubs := h.stream.unsubscribeCalls()
	if len(unsubs) != 1 || !reflect.DeepEqual(unsubs[0].markets, []string{ethUSDC}) ||
		!reflect.DeepEqual(unsubs[0].names, []string{idex.SubscriptionL2OrderBook}) {
		t.Fatalf("unexpected unsubscribe calls %+v", unsubs)
	}
	subs := h.stream.subscribeCalls()
	if len(subs) != 2 || !reflect.DeepEqual(subs[1].markets, []string{ethUSDC}) {
		t.Fatalf("unexpected subscribe calls %+v", subs)
	}
	if got := src.calls(ethUSDC); got != 2 {
		t.Fatalf("expected 2 snapshot loads, got %d", got)
	}

	l1, err := h.client.GetL1(context.Background(), ethUSDC, 0)
	if err != nil {
		t.Fatalf("GetL1: %v", err)
	}
	if l1.Sequence != 10 {
		t.Fatalf("expected resynced sequence 10, got %d", l1.Sequence)
	}
}

func TestDiffsQueuedDuringSnapshotLoad(t *testing.T) {
	src := newMockSource()
	src.release = make(chan struct{})
	h := start(t, src)

	h.send(idex.Message{Kind: idex.MessageConnected})
	waitFor(t, func() bool { return len(h.stream.subscribeCalls()) == 1 })

	h.send(diff(ethUSDC, 4, nil, nil))
	h.send(diff(ethUSDC, 6, []idex.Level{{Price: "2000", Size: "0", NumOrders: 0}}, nil))
	m := h.client.lookup(ethUSDC)
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.queue) == 2
	})

	close(src.release)
	h.expect(t, adapter.EventReady, ethUSDC)
	h.expect(t, adapter.EventL1Changed, ethUSDC)
	h.expect(t, adapter.EventL2Changed, ethUSDC)
	h.expect(t, adapter.EventConnected, "")

	l1, err := h.client.GetL1(context.Background(), ethUSDC, 0)
	if err != nil {
		t.Fatalf("GetL1: %v", err)
	}
	if l1.Sequence != 6 || l1.Asks[0].Price != "2001.00000000" {
		t.Fatalf("queued diff not replayed: %+v", l1)
	}
}

func TestLoadFailureRetriesWithBackoff(t *testing.T) {
	src := newMockSource()
	src.failExchange = 2
	h := start(t, src)

	h.send(idex.Message{Kind: idex.MessageConnected})
	for i := 0; i < 2; i++ {
		ev := h.expect(t, adapter.EventError, "")
		if ev.Err == nil || !strings.Contains(ev.Err.Error(), "exchange unavailable") {
			t.Fatalf("unexpected error event %v", ev.Err)
		}
	}
	h.expect(t, adapter.EventReady, ethUSDC)
	h.expect(t, adapter.EventConnected, "")

	if got, want := h.sleeps.recorded(), []time.Duration{time.Second, 2 * time.Second}; !reflect.DeepEqual(got, want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
}

func TestDisconnectDiscardsBooks(t *testing.T) {
	src := newMockSource()
	h := start(t, src)
	h.synced(t)

	h.send(idex.Message{Kind: idex.MessageDisconnected, Err: errors.New("eof")})
	h.expect(t, adapter.EventDisconnected, "")

	if state, _ := h.client.State(ethUSDC); state != StateUnsynced {
		t.Fatalf("expected unsynced, got %s", state)
	}

	// Unsynced markets fall back to a one-off REST snapshot.
	before := src.calls(ethUSDC)
	if _, err := h.client.GetL1(context.Background(), ethUSDC, 0); err != nil {
		t.Fatalf("GetL1: %v", err)
	}
	if got := src.calls(ethUSDC); got != before+1 {
		t.Fatalf("expected a REST fallback, calls %d -> %d", before, got)
	}

	h.synced(t)
	src.mu.Lock()
	calls := src.exchangeCalls
	src.mu.Unlock()
	if calls != 1 {
		t.Fatalf("fees must load once, got %d calls", calls)
	}
}

func TestTokenPriceNotifiesMatchingMarkets(t *testing.T) {
	src := newMockSource()
	src.books["DIL-ETH"] = []idex.OrderBook{snapshot(1)}
	h := start(t, src, ethUSDC, "DIL-ETH")
	h.synced(t, ethUSDC, "DIL-ETH")

	h.send(idex.Message{Kind: idex.MessageTokenPrice, TokenPrice: &idex.TokenPriceMessage{Token: "USDC", Price: strPtr("0.25")}})
	h.expect(t, adapter.EventL1Changed, ethUSDC)
	h.expect(t, adapter.EventL2Changed, ethUSDC)

	fees, _ := h.client.feeSchedule()
	minimum, ok := h.client.marketMinimum("USDC", fees)
	if !ok || minimum != 440_000_000 {
		t.Fatalf("expected minimum 4.4 USDC, got %d (%t)", minimum, ok)
	}

	h.send(idex.Message{Kind: idex.MessageTokenPrice, TokenPrice: &idex.TokenPriceMessage{Token: "ETH"}})
	h.expect(t, adapter.EventL1Changed, ethUSDC)
	h.expect(t, adapter.EventL2Changed, ethUSDC)
	h.expect(t, adapter.EventL1Changed, "DIL-ETH")
	h.expect(t, adapter.EventL2Changed, "DIL-ETH")
}

func TestFeeOverrideSkipsExchangeLoad(t *testing.T) {
	src := newMockSource()
	stream := newMockStream()
	c := New(src, stream, Config{Retry: RetryPolicy{Base: time.Second}})
	if _, err := c.FeesAndMinimums(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := c.SetFeeOverride(FeeOverride{
		TakerIdexFeeRate:              "0.0005",
		TakerLiquidityProviderFeeRate: "0.0025",
		TakerTradeMinimum:             "1",
	}); err != nil {
		t.Fatalf("SetFeeOverride: %v", err)
	}
	if err := c.Start(context.Background(), []string{ethUSDC}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	stream.msgs <- idex.Message{Kind: idex.MessageConnected}
	for _, want := range []adapter.EventKind{adapter.EventReady, adapter.EventConnected} {
		select {
		case ev := <-c.Events():
			if ev.Kind != want {
				t.Fatalf("expected %s, got %s", want, ev.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	src.mu.Lock()
	calls := src.exchangeCalls
	src.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no exchange calls, got %d", calls)
	}

	fees, err := c.FeesAndMinimums()
	if err != nil {
		t.Fatalf("FeesAndMinimums: %v", err)
	}
	want := FeesAndMinimums{
		TakerIdexFeeRate:              "0.00050000",
		TakerLiquidityProviderFeeRate: "0.00250000",
		TakerTradeMinimum:             "1.10000000",
	}
	if fees != want {
		t.Fatalf("got %+v, want %+v", fees, want)
	}
}

func TestHybridBooksFollowPipeline(t *testing.T) {
	src := newMockSource()
	book := snapshot(5)
	book.Pool = &idex.PoolReserves{BaseReserveQuantity: "5000", QuoteReserveQuantity: "6000"}
	book.Asks = []idex.Level{{Price: "1.5", Size: "10", NumOrders: 1}}
	book.Bids = []idex.Level{{Price: "0.9", Size: "10", NumOrders: 1}}
	src.books[ethUSDC] = []idex.OrderBook{book}
	h := start(t, src)
	h.synced(t)

	l2, err := idex.ToL2Book(book)
	if err != nil {
		t.Fatalf("ToL2Book: %v", err)
	}
	const tick = 10_000
	want, wantErr := orderbook.ToHybrid(orderbook.AggregateAtTickSize(l2, tick), orderbook.HybridOptions{
		Fees:                orderbook.FeeRates{Idex: 50_000, Pool: 200_000},
		MinimumTakerInQuote: 220_000_000,
		IncludeMinimumTaker: true,
		TickSize:            tick,
		VisibleLevels:       orderbook.MaxL2Levels,
		VisibleSlippage:     orderbook.HybridSlippage,
	})

	got, err := h.client.GetHybridBooks(context.Background(), ethUSDC, tick)
	if (err != nil) != (wantErr != nil) {
		t.Fatalf("error mismatch: got %v, want %v", err, wantErr)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("hybrid books differ from the direct pipeline")
	}
}

func TestQueryValidation(t *testing.T) {
	h := start(t, newMockSource())
	h.synced(t)
	ctx := context.Background()

	for _, limit := range []int{0, 1, 1001} {
		if _, err := h.client.GetL2(ctx, ethUSDC, limit, 0); !errors.Is(err, ErrInvalidLimit) {
			t.Fatalf("limit %d: expected ErrInvalidLimit, got %v", limit, err)
		}
	}
	if _, err := h.client.GetL1(ctx, ethUSDC, -1); !errors.Is(err, ErrInvalidTickSize) {
		t.Fatalf("expected ErrInvalidTickSize, got %v", err)
	}
	if _, err := h.client.GetL1(ctx, "ETHUSDC", 0); !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("expected ErrUnknownMarket, got %v", err)
	}
}

func TestMaxTickSizeUnderSpread(t *testing.T) {
	h := start(t, newMockSource())
	h.synced(t)

	got, err := h.client.MaxTickSizeUnderSpread(context.Background(), ethUSDC)
	if err != nil {
		t.Fatalf("MaxTickSizeUnderSpread: %v", err)
	}
	// 1998 has 12 pip digits, capped at 8.
	if got != 10_000_000 {
		t.Fatalf("expected 10000000, got %d", got)
	}
}

func TestMaxTickUnderSpreadDigits(t *testing.T) {
	tests := []struct {
		name string
		bids []orderbook.PriceLevel
		want int64
	}{
		{"no bids", nil, 10_000_000},
		{"four digits", []orderbook.PriceLevel{{Price: 90_000}, {Price: 5_000}}, 1_000},
		{"one digit", []orderbook.PriceLevel{{Price: 7}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maxTickUnderSpread(tt.bids); got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}

	deep := make([]orderbook.PriceLevel, 600)
	for i := range deep {
		deep[i].Price = 100_000_000
	}
	deep[599].Price = 5
	if got := maxTickUnderSpread(deep); got != 10_000_000 {
		t.Fatalf("levels past 500 must be ignored, got %d", got)
	}
}

func TestStartRejectsMalformedMarket(t *testing.T) {
	c := New(newMockSource(), newMockStream(), Config{})
	if err := c.Start(context.Background(), []string{"ETH"}); !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("expected ErrUnknownMarket, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestCancelledSyncLeavesMarketsUnsynced(t *testing.T) {
	src := newMockSource()
	src.release = make(chan struct{})
	h := start(t, src)

	h.send(idex.Message{Kind: idex.MessageConnected})
	waitFor(t, func() bool { return len(h.stream.subscribeCalls()) == 1 })
	h.send(diff(ethUSDC, 6, nil, nil))
	m := h.client.lookup(ethUSDC)
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.queue) == 1
	})

	h.client.Stop()

	if state, _ := h.client.State(ethUSDC); state != StateUnsynced {
		t.Fatalf("state after cancelled sync = %s, want unsynced", state)
	}
	m.mu.Lock()
	queued := len(m.queue)
	m.mu.Unlock()
	if queued != 0 {
		t.Fatalf("queued = %d after cancelled sync, want 0", queued)
	}
}

func TestParentCancelLeavesMarketsUnsynced(t *testing.T) {
	src := newMockSource()
	src.release = make(chan struct{})
	stream := newMockStream()
	client := New(src, stream, Config{Retry: RetryPolicy{Base: time.Millisecond}})

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Start(ctx, []string{ethUSDC}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(client.Stop)

	stream.msgs <- idex.Message{Kind: idex.MessageConnected}
	waitFor(t, func() bool {
		state, _ := client.State(ethUSDC)
		return state == StateSyncing
	})

	cancel()
	waitFor(t, func() bool {
		state, _ := client.State(ethUSDC)
		return state == StateUnsynced
	})
}

func TestSubscriptionsReplyFlagsMissingMarkets(t *testing.T) {
	src := newMockSource()
	src.books["DIL-USDC"] = []idex.OrderBook{snapshot(3)}
	h := start(t, src, ethUSDC, "DIL-USDC")
	h.synced(t, ethUSDC, "DIL-USDC")

	if n := h.stream.listCalls(); n != 1 {
		t.Fatalf("expected one subscriptions query after subscribing, got %d", n)
	}

	h.send(idex.Message{Kind: idex.MessageSubscriptions, Subscriptions: []idex.Subscription{
		{Name: idex.SubscriptionL2OrderBook, Markets: []string{ethUSDC}},
		{Name: idex.SubscriptionTokenPrice, Markets: []string{ethUSDC, "DIL-USDC"}},
	}})
	ev := h.expect(t, adapter.EventError, "DIL-USDC")
	if !errors.Is(ev.Err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", ev.Err)
	}
}

func TestUnsyncedMarketDropsDiffs(t *testing.T) {
	src := newMockSource()
	h := start(t, src)
	h.synced(t)

	h.send(idex.Message{Kind: idex.MessageDisconnected, Err: errors.New("eof")})
	h.expect(t, adapter.EventDisconnected, "")

	h.send(diff(ethUSDC, 6, nil, nil))
	// Messages are handled in order; the second disconnect follows the diff.
	h.send(idex.Message{Kind: idex.MessageDisconnected, Err: errors.New("eof")})
	h.expect(t, adapter.EventDisconnected, "")

	m := h.client.lookup(ethUSDC)
	m.mu.Lock()
	state, queued := m.state, len(m.queue)
	m.mu.Unlock()
	if state != StateUnsynced || queued != 0 {
		t.Fatalf("state=%s queued=%d, want unsynced with nothing queued", state, queued)
	}
}
