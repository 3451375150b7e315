package orderbook

// Hybrid book defaults.
const (
	MaxL2Levels = 500
	// HybridSlippage is the spacing between synthetic levels, in 1/1000 of a
	// percent (100 is 0.1%).
	HybridSlippage = 100
	// FirstLevelMultiplier scales the exchange taker minimum (1.1x) when
	// sizing the injected first level.
	FirstLevelMultiplier int64 = 110_000_000
)

// HybridOptions control ToHybrid.
type HybridOptions struct {
	Fees FeeRates
	// MinimumTakerInQuote is the taker minimum in quote pips; zero disables
	// minimum taker injection.
	MinimumTakerInQuote int64
	IncludeMinimumTaker bool
	TickSize            int64
	VisibleLevels       int
	VisibleSlippage     int64
}

// SortAndMerge merges two price-sorted level slices. On an exact price
// collision the limit level is kept and the synthetic one dropped; sizes are
// left untouched for RecalculateHybridLevelAmounts.
func SortAndMerge(limit, synthetic []PriceLevel, ascending bool) []PriceLevel {
	before := func(a, b PriceLevel) bool {
		if ascending {
			return a.Price <= b.Price
		}
		return a.Price >= b.Price
	}

	out := make([]PriceLevel, 0, len(limit)+len(synthetic))
	i, j := 0, 0
	for i < len(limit) && j < len(synthetic) {
		switch {
		case limit[i].Price == synthetic[j].Price:
			out = append(out, limit[i])
			i++
			j++
		case before(limit[i], synthetic[j]):
			out = append(out, limit[i])
			i++
		default:
			out = append(out, synthetic[j])
			j++
		}
	}
	out = append(out, limit[i:]...)
	return append(out, synthetic[j:]...)
}

// RecalculateHybridLevelAmounts fixes level sizes of a merged book. Limit
// levels accrue the pool depth between the previous level and their own
// price. A pool level that follows a limit level is re-derived from the
// previous price, since its synthetic delta assumed a different neighbour.
func RecalculateHybridLevelAmounts(book L2Book, fees FeeRates) (L2Book, error) {
	if book.Pool == nil {
		return book, nil
	}

	// empty sides may carry a "0" price level
	for len(book.Asks) > 0 && book.Asks[0].Price == 0 {
		book.Asks = book.Asks[1:]
	}
	for len(book.Bids) > 0 && book.Bids[0].Price == 0 {
		book.Bids = book.Bids[1:]
	}

	if err := recalculateSide(book.Asks, *book.Pool, fees, QuantitiesAtAskPrice); err != nil {
		return L2Book{}, err
	}
	if err := recalculateSide(book.Bids, *book.Pool, fees, QuantitiesAtBidPrice); err != nil {
		return L2Book{}, err
	}
	return book, nil
}

func recalculateSide(levels []PriceLevel, pool PoolReserves, fees FeeRates, fn quantityFunc) error {
	prev := PriceLevel{Type: LevelPool}
	for i := range levels {
		level := &levels[i]
		if level.Price == 0 {
			break
		}

		switch {
		case level.Type == LevelLimit:
			here, err := grossBaseAt(fn, pool, level.Price, fees)
			if err != nil {
				return err
			}
			var before int64
			if prev.Price != 0 {
				if before, err = grossBaseAt(fn, pool, prev.Price, fees); err != nil {
					return err
				}
			}
			level.Size += here - before

		case level.Type == LevelPool && prev.Type != LevelPool:
			here, err := grossBaseAt(fn, pool, level.Price, fees)
			if err != nil {
				return err
			}
			before, err := grossBaseAt(fn, pool, prev.Price, fees)
			if err != nil {
				return err
			}
			level.Size = here - before
		}

		prev = *level
	}
	return nil
}

// InjectMinimumTakerLevels prepends a pool level at the best price a
// minimum-size taker can actually fill when it beats the current top of
// book. The injected size is subtracted from the level it precedes so depth
// is conserved. A price equal to the current top is not injected.
func InjectMinimumTakerLevels(l2 L2Book, fees FeeRates, minQuote, tick int64) (Books, error) {
	if l2.Pool == nil {
		return Books{L1: ToL1(l2), L2: l2}, nil
	}
	if tick < 1 {
		tick = 1
	}

	out := l2.Clone()
	pool := *l2.Pool
	minBase := quo(mul(bi(minQuote), bi(pool.Base)), bi(pool.Quote)).Int64()
	best := BestAvailablePrices(pool, fees, minBase, minQuote, tick)

	buy := best.Buy
	buyBase, err := grossBaseAt(QuantitiesAtAskPrice, pool, buy, fees)
	if err != nil {
		return Books{}, err
	}
	if buyBase < minBase {
		buy += tick
		if buyBase, err = grossBaseAt(QuantitiesAtAskPrice, pool, buy, fees); err != nil {
			return Books{}, err
		}
	}
	if len(out.Asks) == 0 || buy < out.Asks[0].Price {
		out.Asks = prependLevel(out.Asks, PriceLevel{Price: buy, Size: buyBase, Type: LevelPool})
	}

	// sell price is 0 when the pool cannot absorb the minimum
	sell := best.Sell
	if sell > 0 {
		sellBase, err := grossBaseAt(QuantitiesAtBidPrice, pool, sell, fees)
		if err != nil {
			return Books{}, err
		}
		if sellBase < minBase && sell > tick {
			sell -= tick
			if sellBase, err = grossBaseAt(QuantitiesAtBidPrice, pool, sell, fees); err != nil {
				return Books{}, err
			}
		}
		if len(out.Bids) == 0 || sell > out.Bids[0].Price {
			out.Bids = prependLevel(out.Bids, PriceLevel{Price: sell, Size: sellBase, Type: LevelPool})
		}
	}

	return Books{L1: ToL1(out), L2: out}, nil
}

func prependLevel(levels []PriceLevel, level PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels)+1)
	out = append(out, level)
	out = append(out, levels...)
	if len(out) > 1 {
		out[1].Size -= level.Size
	}
	return out
}

// ToHybrid converts a limit-order book plus its pool into hybrid L1 and L2
// views. Books without a pool pass through unchanged.
func ToHybrid(book L2Book, opts HybridOptions) (Books, error) {
	if book.Pool == nil {
		return Books{L1: ToL1(book), L2: book}, nil
	}

	synthetic, err := SyntheticLevels(*book.Pool, opts.VisibleLevels, opts.VisibleSlippage, opts.Fees, opts.TickSize)
	if err != nil {
		return Books{}, err
	}

	limit := book.Clone()
	merged, err := RecalculateHybridLevelAmounts(L2Book{
		Sequence: book.Sequence,
		Asks:     SortAndMerge(limit.Asks, synthetic.Asks, true),
		Bids:     SortAndMerge(limit.Bids, synthetic.Bids, false),
		Pool:     limit.Pool,
	}, opts.Fees)
	if err != nil {
		return Books{}, err
	}

	if opts.IncludeMinimumTaker && opts.MinimumTakerInQuote > 0 {
		return InjectMinimumTakerLevels(merged, opts.Fees, opts.MinimumTakerInQuote, opts.TickSize)
	}
	return Books{L1: ToL1(merged), L2: merged}, nil
}
