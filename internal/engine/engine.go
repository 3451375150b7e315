// Package engine keeps hybrid IDEX order books synchronized: it loads
// snapshots and fee data over REST, applies streamed L2 diffs in sequence
// and serves aggregated hybrid views to callers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/caesar-terminal/idexbook/internal/adapter"
	"github.com/caesar-terminal/idexbook/internal/adapter/idex"
	"github.com/caesar-terminal/idexbook/internal/metrics"
	"github.com/caesar-terminal/idexbook/internal/orderbook"
	"github.com/caesar-terminal/idexbook/internal/pipmath"
)

// SnapshotSource is the REST surface the engine loads from. Satisfied by
// *idex.RESTClient.
type SnapshotSource interface {
	ExchangeInfo(ctx context.Context) (idex.ExchangeInfo, error)
	Assets(ctx context.Context) ([]idex.Asset, error)
	Markets(ctx context.Context) ([]idex.Market, error)
	OrderBookLevel2(ctx context.Context, market string, limit int, limitOrderOnly bool) (idex.OrderBook, error)
}

// Stream is the WebSocket surface the engine consumes. Satisfied by
// *idex.Adapter.
type Stream interface {
	Subscribe(markets []string, names ...string) error
	Unsubscribe(markets []string, names ...string) error
	ListSubscriptions() error
	Messages() <-chan idex.Message
}

// Config tunes a Client.
type Config struct {
	Retry       RetryPolicy
	EventBuffer int
}

// Client synchronizes a fixed set of markets. Each market is owned by its
// own lock; fees, token prices and tick sizes are shared read-mostly tables.
type Client struct {
	rest   SnapshotSource
	stream Stream
	retry  RetryPolicy

	events    chan adapter.Event
	closeOnce sync.Once
	nowFunc   func() time.Time

	mu         sync.RWMutex
	markets    map[string]*market
	order      []*market
	ctx        context.Context
	cancel     context.CancelFunc
	syncCancel context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup

	feeMu      sync.RWMutex
	fees       feeSchedule
	feesLoaded bool

	priceMu     sync.RWMutex
	tokenPrices map[string]int64

	tickMu      sync.RWMutex
	ticks       map[string]int64
	ticksLoaded bool
}

// New creates a Client. Call Start to begin synchronizing.
func New(rest SnapshotSource, stream Stream, cfg Config) *Client {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = DefaultRetryPolicy().Base
	}
	return &Client{
		rest:        rest,
		stream:      stream,
		retry:       cfg.Retry,
		events:      make(chan adapter.Event, cfg.EventBuffer),
		nowFunc:     time.Now,
		markets:     make(map[string]*market),
		tokenPrices: make(map[string]int64),
		ticks:       make(map[string]int64),
	}
}

// Events returns the notification stream. It is closed by Stop.
func (c *Client) Events() <-chan adapter.Event {
	return c.events
}

// Start registers markets and begins consuming the stream. Synchronization
// starts when the stream reports a connection.
func (c *Client) Start(ctx context.Context, markets []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("engine: already started")
	}

	for _, name := range markets {
		if _, ok := c.markets[name]; ok {
			continue
		}
		base, quote, err := splitMarket(name)
		if err != nil {
			return err
		}
		m := &market{name: name, base: base, quote: quote}
		c.markets[name] = m
		c.order = append(c.order, m)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run()

	log.Info().Strs("markets", markets).Msg("engine: started")
	return nil
}

// Stop unsubscribes, cancels in-flight synchronization and waits for every
// goroutine to exit before closing Events.
func (c *Client) Stop() {
	c.mu.RLock()
	cancel, done := c.cancel, c.done
	c.mu.RUnlock()
	if cancel == nil {
		return
	}

	if err := c.stream.Unsubscribe(nil, idex.SubscriptionL2OrderBook, idex.SubscriptionTokenPrice); err != nil {
		log.Warn().Err(err).Msg("engine: unsubscribe on stop")
	}
	cancel()
	<-done
	c.wg.Wait()
	c.discardAll()
	c.closeOnce.Do(func() { close(c.events) })
	log.Info().Msg("engine: stopped")
}

// Markets returns the registered market names in registration order.
func (c *Client) Markets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.order))
	for _, m := range c.order {
		out = append(out, m.name)
	}
	return out
}

// State reports a market's synchronization state.
func (c *Client) State(name string) (SyncState, bool) {
	m := c.lookup(name)
	if m == nil {
		return StateUnsynced, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, true
}

// discardAll drops every book and queue back to Unsynced.
func (c *Client) discardAll() {
	for _, m := range c.marketList() {
		m.mu.Lock()
		m.reset(StateUnsynced)
		m.mu.Unlock()
	}
}

func (c *Client) lookup(name string) *market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.markets[name]
}

func (c *Client) marketList() []*market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*market(nil), c.order...)
}

func (c *Client) run() {
	defer close(c.done)
	msgs := c.stream.Messages()
	for {
		select {
		case <-c.ctx.Done():
			// Cancelled loads leave no state behind; wait for them first so
			// none can move a market after the reset.
			c.wg.Wait()
			c.discardAll()
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Warn().Msg("engine: message stream closed")
				return
			}
			c.handle(msg)
		}
	}
}

func (c *Client) handle(msg idex.Message) {
	switch msg.Kind {
	case idex.MessageConnected:
		c.onConnected()
	case idex.MessageDisconnected:
		c.onDisconnected(msg.Err)
	case idex.MessageL2OrderBook:
		c.onL2(msg.L2)
	case idex.MessageTokenPrice:
		c.onTokenPrice(msg.TokenPrice)
	case idex.MessageError:
		log.Warn().Str("code", msg.Error.Code).Str("cid", msg.CID).Msg("engine: venue error: " + msg.Error.Message)
		c.emit(adapter.EventError, "", msg.Error)
	case idex.MessageSubscriptions:
		c.onSubscriptions(msg.Subscriptions)
	}
}

// onSubscriptions checks the venue's view of our subscriptions against the
// registered markets. A market the venue is not streaming diffs for would
// otherwise sit silently on its snapshot.
func (c *Client) onSubscriptions(subs []idex.Subscription) {
	streamed := make(map[string]bool)
	for _, sub := range subs {
		if sub.Name != idex.SubscriptionL2OrderBook {
			continue
		}
		for _, name := range sub.Markets {
			streamed[name] = true
		}
	}
	log.Info().Interface("subscriptions", subs).Msg("engine: active subscriptions")

	for _, m := range c.marketList() {
		if streamed[m.name] {
			continue
		}
		log.Warn().Str("market", m.name).Msg("engine: market missing from l2orderbook subscription")
		c.emit(adapter.EventError, m.name, fmt.Errorf("%w: %s", ErrNotSubscribed, m.name))
	}
}

func (c *Client) onConnected() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.syncCancel != nil {
		c.syncCancel()
	}
	c.syncCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.synchronize(ctx, cancel)
}

// onDisconnected assumes every in-flight diff is lost. Books and queues are
// discarded; fee, price and tick caches survive.
func (c *Client) onDisconnected(cause error) {
	c.mu.Lock()
	if c.syncCancel != nil {
		c.syncCancel()
		c.syncCancel = nil
	}
	c.mu.Unlock()

	c.discardAll()
	log.Warn().Err(cause).Msg("engine: stream disconnected, books discarded")
	c.emit(adapter.EventDisconnected, "", cause)
}

func (c *Client) onL2(msg *idex.L2OrderBookMessage) {
	m := c.lookup(msg.Market)
	if m == nil {
		log.Debug().Str("market", msg.Market).Msg("engine: diff for unregistered market")
		return
	}
	update, err := idex.DiffToL2Book(*msg)
	if err != nil {
		log.Warn().Err(err).Str("market", m.name).Uint64("sequence", msg.Sequence).Msg("engine: undecodable diff")
		c.emit(adapter.EventError, m.name, err)
		return
	}

	// Subscriptions are only issued once a market is Syncing, so an Unsynced
	// market only sees stragglers from an abandoned load; those are dropped.
	m.mu.Lock()
	switch m.state {
	case StateSynced:
	case StateSyncing:
		m.queue = append(m.queue, update)
		m.mu.Unlock()
		return
	default:
		m.mu.Unlock()
		return
	}
	res := m.applyAll([]orderbook.L2Book{update})
	m.mu.Unlock()

	c.publish(m, res)
}

func (c *Client) onTokenPrice(tp *idex.TokenPriceMessage) {
	c.priceMu.Lock()
	if tp.Price == nil {
		delete(c.tokenPrices, tp.Token)
	} else {
		price, err := pipmath.DecimalToPip(*tp.Price)
		if err != nil {
			c.priceMu.Unlock()
			log.Warn().Err(err).Str("token", tp.Token).Msg("engine: undecodable token price")
			return
		}
		c.tokenPrices[tp.Token] = price
	}
	c.priceMu.Unlock()

	for _, m := range c.marketList() {
		if m.base != tp.Token && m.quote != tp.Token {
			continue
		}
		c.emit(adapter.EventL1Changed, m.name, nil)
		c.emit(adapter.EventL2Changed, m.name, nil)
	}
}

// publish emits the events for an apply result and starts a resync when
// the result carries a gap. Caller must not hold m.mu.
func (c *Client) publish(m *market, res applyResult) {
	if res.l2Changed {
		metrics.BookSequence.WithLabelValues(m.name).Set(float64(res.sequence))
	}
	if res.l1Changed {
		c.emit(adapter.EventL1Changed, m.name, nil)
	}
	if res.l2Changed {
		c.emit(adapter.EventL2Changed, m.name, nil)
	}
	if res.gap != nil {
		c.resync(m, res.gap)
	}
}

func (c *Client) emit(kind adapter.EventKind, market string, err error) {
	metrics.EventsTotal.WithLabelValues(kind.String()).Inc()
	ev := adapter.Event{Kind: kind, Market: market, Err: err, Timestamp: c.nowFunc()}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
