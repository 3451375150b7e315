package orderbook

import (
	"fmt"
	"math/big"

	"github.com/caesar-terminal/idexbook/internal/pipmath"
)

// Intermediate products of reserves exceed 64 bits, so the formulas below
// run on big.Int. Every division truncates toward zero.

func bi(v int64) *big.Int { return big.NewInt(v) }

func mul(xs ...*big.Int) *big.Int {
	out := big.NewInt(1)
	for _, x := range xs {
		out.Mul(out, x)
	}
	return out
}

func add(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }
func sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }
func quo(a, b *big.Int) *big.Int { return new(big.Int).Quo(a, b) }

// ceilQuo divides positive operands rounding up.
func ceilQuo(n, d *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// netPoolFee is 1 - poolFeeRate/(1 - idexFeeRate), in pips.
func netPoolFee(fees FeeRates) *big.Int {
	one := pipmath.BigOne()
	return sub(one, quo(mul(one, bi(fees.Pool)), sub(one, bi(fees.Idex))))
}

// validateInputs checks reserves and target price. isBuy targets asks: the
// price must sit strictly above the pool price.
func validateInputs(base, quote, target int64, isBuy bool) error {
	if base < pipmath.One || quote < pipmath.One {
		return fmt.Errorf("%w: base %s quote %s", ErrInvalidReserves,
			pipmath.PipToDecimal(base), pipmath.PipToDecimal(quote))
	}
	if target <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, pipmath.PipToDecimal(target))
	}

	current := pipmath.DividePips(quote, base)
	if isBuy && current >= target {
		return fmt.Errorf("%w: target %s must be above the current price %s", ErrPriceOnWrongSide,
			pipmath.PipToDecimal(target), pipmath.PipToDecimal(current))
	}
	if !isBuy && current <= target {
		return fmt.Errorf("%w: target %s must be below the current price %s", ErrPriceOnWrongSide,
			pipmath.PipToDecimal(target), pipmath.PipToDecimal(current))
	}
	return nil
}

// GrossQuoteQuantity solves the constant-product equation for the gross
// quote a taker must spend to move the pool price up to target.
func GrossQuoteQuantity(base, quote, target int64, fees FeeRates) (int64, error) {
	if err := validateInputs(base, quote, target, true); err != nil {
		return 0, err
	}

	one := pipmath.BigOne()
	B, Q, P := bi(base), bi(quote), bi(target)
	pf := netPoolFee(fees)

	v0 := mul(one, Q, add(pf, one))
	v1 := mul(Q, Q, add(add(mul(pf, pf), mul(bi(2), pf, one)), mul(one, one)))
	v2 := mul(Q, sub(mul(one, Q), mul(B, P)))

	root, err := pipmath.Sqrt(mul(sub(v1, mul(bi(4), pf, v2)), one, one))
	if err != nil {
		return 0, err
	}
	numerator := sub(root, v0)
	denominator := sub(mul(bi(2), pf, one), mul(bi(2), pf, bi(fees.Idex)))
	return quo(numerator, denominator).Int64(), nil
}

// GrossBaseQuantity solves the constant-product equation for the gross base
// a taker must sell to move the pool price down to target.
func GrossBaseQuantity(base, quote, target int64, fees FeeRates) (int64, error) {
	if err := validateInputs(base, quote, target, false); err != nil {
		return 0, err
	}

	one := pipmath.BigOne()
	B, Q, P := bi(base), bi(quote), bi(target)
	pf := netPoolFee(fees)

	v0 := add(mul(pf, B), mul(one, B))
	v1 := sub(mul(B, B), quo(mul(one, B, Q), P))

	root, err := pipmath.Sqrt(sub(mul(v0, v0), mul(bi(4), pf, v1, one)))
	if err != nil {
		return 0, err
	}
	numerator := mul(sub(root, v0), one)
	denominator := mul(bi(2), pf, sub(one, bi(fees.Idex)))
	return quo(numerator, denominator).Int64(), nil
}

// GrossBaseValueOfBuy converts a gross quote input into the base it buys.
func GrossBaseValueOfBuy(base, quote, grossQuote int64) int64 {
	B, Q := bi(base), bi(quote)
	return base - quo(mul(B, Q), add(Q, bi(grossQuote))).Int64()
}

// GrossQuoteValueOfSell converts a gross base input into the quote it sells for.
func GrossQuoteValueOfSell(base, quote, grossBase int64) int64 {
	B, Q := bi(base), bi(quote)
	return quote - quo(mul(B, Q), add(B, bi(grossBase))).Int64()
}

// BaseQuantityOut is the base a taker receives for grossQuoteIn. The reserve
// quotient rounds up so the pool's constant product never decreases.
func BaseQuantityOut(base, quote, grossQuoteIn int64, fees FeeRates) int64 {
	if quote == 0 || grossQuoteIn == 0 {
		return 0
	}
	one := pipmath.BigOne()
	B, Q := bi(base), bi(quote)
	numerator := mul(B, Q, one)
	denominator := add(mul(Q, one), mul(bi(grossQuoteIn), bi(pipmath.One-fees.Idex-fees.Pool)))
	return base - ceilQuo(numerator, denominator).Int64()
}

// QuoteQuantityOut is the quote a taker receives for grossBaseIn, rounded in
// the pool's favour like BaseQuantityOut.
func QuoteQuantityOut(base, quote, grossBaseIn int64, fees FeeRates) int64 {
	if base == 0 || grossBaseIn == 0 {
		return 0
	}
	one := pipmath.BigOne()
	B, Q := bi(base), bi(quote)
	numerator := mul(B, Q, one)
	denominator := add(mul(B, one), mul(bi(grossBaseIn), bi(pipmath.One-fees.Idex-fees.Pool)))
	return quote - ceilQuo(numerator, denominator).Int64()
}

// QuantitiesAtAskPrice returns what the pool yields to a taker buying base
// until the pool price reaches askPrice. The pool contributes nothing at or
// below its own price.
func QuantitiesAtAskPrice(base, quote, askPrice int64, fees FeeRates) (Quantities, error) {
	if askPrice <= pipmath.DividePips(quote, base) {
		return Quantities{}, nil
	}

	grossQuote, err := GrossQuoteQuantity(base, quote, askPrice, fees)
	if err != nil {
		return Quantities{}, err
	}
	idexFee := pipmath.MultiplyPips(grossQuote, fees.Idex, false)
	poolFee := pipmath.MultiplyPips(grossQuote, fees.Pool, false)
	netQuote := quo(mul(bi(grossQuote), bi(pipmath.One-fees.Idex-fees.Pool)), pipmath.BigOne()).Int64()
	baseOut := GrossBaseValueOfBuy(base, quote, netQuote)

	// Post-trade reserves keep the retained pool fee.
	resultingBase := base - baseOut
	resultingQuote := quote + poolFee + netQuote

	// Correct by at most one rounding step so the pool never ends below askPrice.
	resultingPrice := pipmath.DividePips(resultingQuote, resultingBase)
	if resultingPrice < askPrice {
		netQuote += pipmath.MultiplyPips(askPrice, resultingBase, true) - resultingQuote
	} else if resultingPrice > askPrice {
		netQuote--
	}

	grossQuoteIn := netQuote + poolFee + idexFee
	return Quantities{
		GrossBase:  GrossBaseValueOfBuy(base, quote, grossQuoteIn),
		GrossQuote: grossQuote,
	}, nil
}

// QuantitiesAtBidPrice returns what the pool absorbs from a taker selling
// base until the pool price falls to bidPrice.
func QuantitiesAtBidPrice(base, quote, bidPrice int64, fees FeeRates) (Quantities, error) {
	if bidPrice >= pipmath.DividePips(quote, base) {
		return Quantities{}, nil
	}

	grossBase, err := GrossBaseQuantity(base, quote, bidPrice, fees)
	if err != nil {
		return Quantities{}, err
	}
	return Quantities{
		GrossBase:  grossBase,
		GrossQuote: GrossQuoteValueOfSell(base, quote, grossBase),
	}, nil
}

// quantityFunc is QuantitiesAtAskPrice or QuantitiesAtBidPrice.
type quantityFunc func(base, quote, price int64, fees FeeRates) (Quantities, error)

func grossBaseAt(fn quantityFunc, pool PoolReserves, price int64, fees FeeRates) (int64, error) {
	q, err := fn(pool.Base, pool.Quote, price, fees)
	return q.GrossBase, err
}

// SyntheticLevels generates visibleLevels ask and bid levels of pool-only
// liquidity. Levels are spaced slippage/100000 of the pool price apart (100
// is 0.1%), never closer than one tick. Each size is the additional base
// reachable since the previous level.
func SyntheticLevels(pool PoolReserves, visibleLevels int, slippage int64, fees FeeRates, tick int64) (SyntheticBook, error) {
	if tick < 1 {
		tick = 1
	}
	poolPrice := pipmath.AdjustToTickSize(pool.Price(), tick, pipmath.RoundHalfUp)
	perLevel := pipmath.AdjustToTickSize(
		quo(mul(bi(poolPrice), bi(slippage)), bi(100000)).Int64(),
		tick,
		pipmath.RoundHalfUp,
	)
	if perLevel < tick {
		perLevel = tick
	}

	book := SyntheticBook{
		Asks: make([]PriceLevel, 0, visibleLevels),
		Bids: make([]PriceLevel, 0, visibleLevels),
		Pool: pool,
	}
	var prevAsk, prevBid int64

	for level := int64(1); level <= int64(visibleLevels); level++ {
		askPrice := poolPrice + level*perLevel
		askBase, err := grossBaseAt(QuantitiesAtAskPrice, pool, askPrice, fees)
		if err != nil {
			return SyntheticBook{}, err
		}
		book.Asks = append(book.Asks, PriceLevel{Price: askPrice, Size: askBase - prevAsk, Type: LevelPool})
		prevAsk = askBase

		bidPrice := poolPrice - level*perLevel
		if bidPrice <= 0 {
			continue
		}
		bidBase, err := grossBaseAt(QuantitiesAtBidPrice, pool, bidPrice, fees)
		if err != nil {
			return SyntheticBook{}, err
		}
		book.Bids = append(book.Bids, PriceLevel{Price: bidPrice, Size: bidBase - prevBid, Type: LevelPool})
		prevBid = bidBase
	}
	return book, nil
}

// BestAvailablePrices computes, from the pool alone, the buy price reached by
// spending minQuote and the sell price reached by selling minBase. The buy
// price rounds up to the tick and the sell price rounds down.
func BestAvailablePrices(pool PoolReserves, fees FeeRates, minBase, minQuote, tick int64) BestPrices {
	quoteAfterFee := pipmath.MultiplyPips(minQuote, pipmath.One-fees.Idex, false)
	baseReceived := BaseQuantityOut(pool.Base, pool.Quote, minQuote, fees)
	buy := pipmath.AdjustToTickSize(
		pipmath.DividePips(pool.Quote+quoteAfterFee, pool.Base-baseReceived),
		tick,
		pipmath.AsksRoundingMode,
	)

	baseAfterFee := pipmath.MultiplyPips(minBase, pipmath.One-fees.Idex, false)
	quoteReceived := QuoteQuantityOut(pool.Base, pool.Quote, minBase, fees)
	sell := pipmath.AdjustToTickSize(
		pipmath.DividePips(pool.Quote-quoteReceived, pool.Base+baseAfterFee),
		tick,
		pipmath.BidsRoundingMode,
	)

	return BestPrices{Buy: buy, Sell: sell}
}
