// Package orderbook holds the pip-denominated order book model and the pure
// algorithms that operate on it: diff application, constant-product pool
// quantities, hybrid book construction and tick aggregation.
package orderbook

import "github.com/caesar-terminal/idexbook/internal/pipmath"

// LevelType distinguishes resting limit liquidity from synthetic pool levels.
type LevelType uint8

const (
	LevelLimit LevelType = iota
	LevelPool
)

func (t LevelType) String() string {
	switch t {
	case LevelLimit:
		return "limit"
	case LevelPool:
		return "pool"
	default:
		return "unknown"
	}
}

// PriceLevel is a single L2 entry. Price and Size are in pips. NumOrders is
// zero for synthetic pool-only levels.
type PriceLevel struct {
	Price     int64
	Size      int64
	NumOrders uint32
	Type      LevelType
}

// PoolReserves are the constant-product reserves of a market's liquidity pool.
type PoolReserves struct {
	Base  int64
	Quote int64
}

// Price returns the instantaneous pool price in pips (quote per base).
func (p PoolReserves) Price() int64 {
	return pipmath.DividePips(p.Quote, p.Base)
}

// L2Book is a full-depth book. Asks are ascending, bids descending. A nil
// Pool means the market has no liquidity pool.
type L2Book struct {
	Sequence uint64
	Asks     []PriceLevel
	Bids     []PriceLevel
	Pool     *PoolReserves
}

// Clone returns a deep copy so callers may mutate levels freely.
func (b L2Book) Clone() L2Book {
	out := L2Book{
		Sequence: b.Sequence,
		Asks:     append([]PriceLevel(nil), b.Asks...),
		Bids:     append([]PriceLevel(nil), b.Bids...),
	}
	if b.Pool != nil {
		pool := *b.Pool
		out.Pool = &pool
	}
	return out
}

// L1Level is the top-of-book view of one side.
type L1Level struct {
	Price     int64
	Size      int64
	NumOrders uint32
}

// L1Book is the best ask and bid derived from an L2Book.
type L1Book struct {
	Sequence uint64
	Ask      L1Level
	Bid      L1Level
	Pool     *PoolReserves
}

// Books pairs an L1 view with the L2 book it was derived from.
type Books struct {
	L1 L1Book
	L2 L2Book
}

// SyntheticBook holds pool-only levels generated from reserves.
type SyntheticBook struct {
	Asks []PriceLevel
	Bids []PriceLevel
	Pool PoolReserves
}

// Quantities is the gross amount of each asset obtainable from a pool up to
// some target price.
type Quantities struct {
	GrossBase  int64
	GrossQuote int64
}

// FeeRates carries the taker fee split used in pool calculations, as pip
// fractions (e.g. 0.0005 is 50000).
type FeeRates struct {
	Idex int64
	Pool int64
}

// BestPrices is the worst fixed price at which a minimum-size taker order
// can be filled by the pool alone, per direction.
type BestPrices struct {
	Buy  int64
	Sell int64
}
