package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/idexbook/internal/adapter"
	"github.com/caesar-terminal/idexbook/internal/adapter/idex"
	"github.com/caesar-terminal/idexbook/internal/metrics"
	"github.com/caesar-terminal/idexbook/internal/orderbook"
	"github.com/caesar-terminal/idexbook/internal/pipmath"
)

// synchronize subscribes every market and loads fees, prices, ticks and all
// snapshots as one batch. No snapshot is installed until the whole batch
// has succeeded.
func (c *Client) synchronize(ctx context.Context, cancel context.CancelFunc) {
	defer c.wg.Done()
	defer cancel()

	markets := c.marketList()
	names := make([]string, 0, len(markets))
	for _, m := range markets {
		m.mu.Lock()
		m.reset(StateSyncing)
		m.mu.Unlock()
		names = append(names, m.name)
	}

	if err := c.stream.Subscribe(names, idex.SubscriptionL2OrderBook, idex.SubscriptionTokenPrice); err != nil {
		log.Error().Err(err).Msg("engine: subscribe")
		c.emit(adapter.EventError, "", err)
	} else if err := c.stream.ListSubscriptions(); err != nil {
		log.Warn().Err(err).Msg("engine: list subscriptions")
	}

	var books []orderbook.L2Book
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		metrics.ResyncAttemptsTotal.WithLabelValues("all").Inc()
		var err error
		books, err = c.loadAll(ctx, names)
		return err
	}, func(attempt int, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", c.retry.Delay(attempt)).Msg("engine: synchronization failed")
		c.emit(adapter.EventError, "", err)
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("engine: synchronization abandoned")
			c.abandon(ctx, markets...)
		}
		return
	}

	for i, m := range markets {
		c.install(ctx, m, books[i])
	}
	if ctx.Err() == nil {
		c.emit(adapter.EventConnected, "", nil)
	}
}

// resync rebuilds one market after a sequence gap. Other markets keep
// serving.
func (c *Client) resync(m *market, cause error) {
	metrics.SequenceGapsTotal.WithLabelValues(m.name).Inc()
	log.Warn().Err(cause).Str("market", m.name).Msg("engine: sequence gap, resynchronizing")
	c.emit(adapter.EventDisconnected, m.name, nil)
	c.emit(adapter.EventError, m.name, cause)

	ctx, cancel := context.WithCancel(c.ctx)
	m.mu.Lock()
	m.reset(StateSyncing)
	m.cancel = cancel
	m.mu.Unlock()

	c.wg.Add(1)
	go c.resyncMarket(ctx, cancel, m)
}

func (c *Client) resyncMarket(ctx context.Context, cancel context.CancelFunc, m *market) {
	defer c.wg.Done()
	defer cancel()

	market := []string{m.name}
	if err := c.stream.Unsubscribe(market, idex.SubscriptionL2OrderBook); err != nil {
		log.Warn().Err(err).Str("market", m.name).Msg("engine: unsubscribe")
	}
	if err := c.stream.Subscribe(market, idex.SubscriptionL2OrderBook); err != nil {
		log.Warn().Err(err).Str("market", m.name).Msg("engine: subscribe")
	}

	var book orderbook.L2Book
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		metrics.ResyncAttemptsTotal.WithLabelValues(m.name).Inc()
		var err error
		book, err = c.loadSnapshot(ctx, m.name)
		return err
	}, func(attempt int, err error) {
		log.Warn().Err(err).Str("market", m.name).Int("attempt", attempt).Msg("engine: snapshot load failed")
		c.emit(adapter.EventError, m.name, err)
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("market", m.name).Msg("engine: resync abandoned")
			c.abandon(ctx, m)
		}
		return
	}

	if c.install(ctx, m, book) {
		c.emit(adapter.EventConnected, m.name, nil)
	}
}

// install seeds a market with a snapshot and replays the diffs queued while
// it loaded. It reports false when ctx was superseded or the replay hit a gap.
func (c *Client) install(ctx context.Context, m *market, book orderbook.L2Book) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.book = book
	m.state = StateSynced
	m.cancel = nil
	queued := m.queue
	m.queue = nil
	res := m.applyAll(queued)
	m.mu.Unlock()

	metrics.BookSequence.WithLabelValues(m.name).Set(float64(res.sequence))
	log.Info().Str("market", m.name).Uint64("sequence", book.Sequence).Int("queued", len(queued)).Msg("engine: book synchronized")
	c.emit(adapter.EventReady, m.name, nil)
	c.publish(m, res)
	return res.gap == nil
}

// abandon drops markets still waiting on a failed load back to Unsynced.
func (c *Client) abandon(ctx context.Context, markets ...*market) {
	for _, m := range markets {
		m.mu.Lock()
		if ctx.Err() == nil && m.state == StateSyncing {
			m.reset(StateUnsynced)
		}
		m.mu.Unlock()
	}
}

func (c *Client) loadAll(ctx context.Context, names []string) ([]orderbook.L2Book, error) {
	g, gctx := errgroup.WithContext(ctx)
	if !c.haveFees() {
		g.Go(func() error { return c.loadFees(gctx) })
	}
	g.Go(func() error { return c.loadTokenPrices(gctx) })
	if !c.haveTicks() {
		g.Go(func() error { return c.loadTickSizes(gctx) })
	}

	books := make([]orderbook.L2Book, len(names))
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			book, err := c.loadSnapshot(gctx, name)
			if err != nil {
				return fmt.Errorf("%s snapshot: %w", name, err)
			}
			books[i] = book
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Client) loadSnapshot(ctx context.Context, market string) (orderbook.L2Book, error) {
	ob, err := c.rest.OrderBookLevel2(ctx, market, MaxRESTDepth, true)
	if err != nil {
		return orderbook.L2Book{}, err
	}
	return idex.ToL2Book(ob)
}

func (c *Client) haveFees() bool {
	c.feeMu.RLock()
	defer c.feeMu.RUnlock()
	return c.feesLoaded
}

func (c *Client) haveTicks() bool {
	c.tickMu.RLock()
	defer c.tickMu.RUnlock()
	return c.ticksLoaded
}

func (c *Client) loadFees(ctx context.Context) error {
	info, err := c.rest.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	return c.setFees(info.TakerIdexFeeRate, info.TakerLiquidityProviderFeeRate, info.TakerTradeMinimum)
}

func (c *Client) setFees(idexFee, poolFee, minimum string) error {
	var schedule feeSchedule
	var err error
	if schedule.rates.Idex, err = pipmath.DecimalToPip(idexFee); err != nil {
		return fmt.Errorf("taker idex fee rate: %w", err)
	}
	if schedule.rates.Pool, err = pipmath.DecimalToPip(poolFee); err != nil {
		return fmt.Errorf("taker liquidity provider fee rate: %w", err)
	}
	takerMin, err := pipmath.DecimalToPip(minimum)
	if err != nil {
		return fmt.Errorf("taker trade minimum: %w", err)
	}
	schedule.takerMinimum = pipmath.MultiplyPips(orderbook.FirstLevelMultiplier, takerMin, false)

	c.feeMu.Lock()
	c.fees = schedule
	c.feesLoaded = true
	c.feeMu.Unlock()
	return nil
}

// loadTokenPrices fills prices for tokens the stream has not priced yet.
func (c *Client) loadTokenPrices(ctx context.Context) error {
	assets, err := c.rest.Assets(ctx)
	if err != nil {
		return fmt.Errorf("assets: %w", err)
	}
	c.priceMu.Lock()
	defer c.priceMu.Unlock()
	for _, a := range assets {
		if a.MaticPrice == nil {
			continue
		}
		if _, ok := c.tokenPrices[a.Symbol]; ok {
			continue
		}
		price, err := pipmath.DecimalToPip(*a.MaticPrice)
		if err != nil {
			return fmt.Errorf("asset %s price: %w", a.Symbol, err)
		}
		c.tokenPrices[a.Symbol] = price
	}
	return nil
}

func (c *Client) loadTickSizes(ctx context.Context) error {
	markets, err := c.rest.Markets(ctx)
	if err != nil {
		return fmt.Errorf("markets: %w", err)
	}
	ticks := make(map[string]int64, len(markets))
	for _, m := range markets {
		tick, err := pipmath.DecimalToPip(m.TickSize)
		if err != nil {
			return fmt.Errorf("market %s tick size: %w", m.Market, err)
		}
		ticks[m.Market] = tick
	}
	c.tickMu.Lock()
	c.ticks = ticks
	c.ticksLoaded = true
	c.tickMu.Unlock()
	return nil
}
