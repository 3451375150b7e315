package engine

import (
	"context"
	"strconv"

	"github.com/caesar-terminal/idexbook/internal/adapter/idex"
	"github.com/caesar-terminal/idexbook/internal/orderbook"
	"github.com/caesar-terminal/idexbook/internal/pipmath"
)

// maxTickBidLevels bounds the bid levels inspected by MaxTickSizeUnderSpread:
// half of the deepest renderable L2 book.
const maxTickBidLevels = (idex.MaxL2Limit + 1) / 2

// GetHybridBooks returns the hybrid L1 and L2 views of market aggregated at
// tickSize. A zero tickSize uses the market's tick. Markets that are not
// synchronized are served from a one-off REST snapshot that is not stored.
func (c *Client) GetHybridBooks(ctx context.Context, market string, tickSize int64) (orderbook.Books, error) {
	if err := validateTickSize(tickSize); err != nil {
		return orderbook.Books{}, err
	}
	_, quote, err := splitMarket(market)
	if err != nil {
		return orderbook.Books{}, err
	}
	fees, ok := c.feeSchedule()
	if !ok {
		return orderbook.Books{}, ErrNotStarted
	}

	book, err := c.bookFor(ctx, market)
	if err != nil {
		return orderbook.Books{}, err
	}

	tick := c.tickFor(market, tickSize)
	minimum, hasMinimum := c.marketMinimum(quote, fees)
	return orderbook.ToHybrid(orderbook.AggregateAtTickSize(book, tick), orderbook.HybridOptions{
		Fees:                fees.rates,
		MinimumTakerInQuote: minimum,
		IncludeMinimumTaker: hasMinimum,
		TickSize:            tick,
		VisibleLevels:       orderbook.MaxL2Levels,
		VisibleSlippage:     orderbook.HybridSlippage,
	})
}

// GetL1 renders the best hybrid level of each side.
func (c *Client) GetL1(ctx context.Context, market string, tickSize int64) (idex.OrderBook, error) {
	books, err := c.GetHybridBooks(ctx, market, tickSize)
	if err != nil {
		return idex.OrderBook{}, err
	}
	return idex.L1ToResponse(books.L1), nil
}

// GetL2 renders up to ceil(limit/2) hybrid levels per side. limit must lie
// in [2, 1000].
func (c *Client) GetL2(ctx context.Context, market string, limit int, tickSize int64) (idex.OrderBook, error) {
	if err := validateLimit(limit); err != nil {
		return idex.OrderBook{}, err
	}
	books, err := c.GetHybridBooks(ctx, market, tickSize)
	if err != nil {
		return idex.OrderBook{}, err
	}
	return idex.L2ToResponse(books.L2, limit)
}

// MaxTickSizeUnderSpread returns the largest power-of-ten tick, in pips,
// that keeps the deepest renderable bid distinguishable.
func (c *Client) MaxTickSizeUnderSpread(ctx context.Context, market string) (int64, error) {
	books, err := c.GetHybridBooks(ctx, market, 0)
	if err != nil {
		return 0, err
	}
	return maxTickUnderSpread(books.L2.Bids), nil
}

func maxTickUnderSpread(bids []orderbook.PriceLevel) int64 {
	digits := pipmath.Decimals
	if len(bids) > maxTickBidLevels {
		bids = bids[:maxTickBidLevels]
	}
	if len(bids) > 0 {
		digits = len(strconv.FormatInt(bids[len(bids)-1].Price, 10))
	}
	digits = min(digits, pipmath.Decimals)

	tick := int64(1)
	for i := 1; i < digits; i++ {
		tick *= 10
	}
	return tick
}

// SetFeeOverride installs fees in place of GET /exchange. Once set, the
// REST fee load is skipped.
func (c *Client) SetFeeOverride(o FeeOverride) error {
	return c.setFees(o.TakerIdexFeeRate, o.TakerLiquidityProviderFeeRate, o.TakerTradeMinimum)
}

// FeesAndMinimums renders the loaded fee schedule.
func (c *Client) FeesAndMinimums() (FeesAndMinimums, error) {
	fees, ok := c.feeSchedule()
	if !ok {
		return FeesAndMinimums{}, ErrNotStarted
	}
	return FeesAndMinimums{
		TakerIdexFeeRate:              pipmath.PipToDecimal(fees.rates.Idex),
		TakerLiquidityProviderFeeRate: pipmath.PipToDecimal(fees.rates.Pool),
		TakerTradeMinimum:             pipmath.PipToDecimal(fees.takerMinimum),
	}, nil
}

func (c *Client) feeSchedule() (feeSchedule, bool) {
	c.feeMu.RLock()
	defer c.feeMu.RUnlock()
	return c.fees, c.feesLoaded
}

// marketMinimum converts the taker minimum into quote pips using the quote
// token's price. It is absent while the token is unpriced.
func (c *Client) marketMinimum(quote string, fees feeSchedule) (int64, bool) {
	c.priceMu.RLock()
	price, ok := c.tokenPrices[quote]
	c.priceMu.RUnlock()
	if !ok || price <= 0 {
		return 0, false
	}
	return pipmath.DividePips(fees.takerMinimum, price), true
}

func (c *Client) tickFor(market string, requested int64) int64 {
	if requested > 0 {
		return requested
	}
	c.tickMu.RLock()
	defer c.tickMu.RUnlock()
	if tick, ok := c.ticks[market]; ok && tick > 0 {
		return tick
	}
	return 1
}

func (c *Client) bookFor(ctx context.Context, name string) (orderbook.L2Book, error) {
	if m := c.lookup(name); m != nil {
		m.mu.Lock()
		if m.state == StateSynced {
			book := m.book.Clone()
			m.mu.Unlock()
			return book, nil
		}
		m.mu.Unlock()
	}
	return c.loadSnapshot(ctx, name)
}
