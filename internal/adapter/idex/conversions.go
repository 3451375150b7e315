package idex

import (
	"errors"
	"fmt"

	"github.com/caesar-terminal/idexbook/internal/orderbook"
	"github.com/caesar-terminal/idexbook/internal/pipmath"
)

// Bounds of the total level count accepted when rendering an L2 book.
const (
	MinL2Limit = 2
	MaxL2Limit = 1000
)

var ErrInvalidLimit = errors.New("limit must be between 2 and 1000")

// ToL2Book converts a REST order book into the pip model. Every level is a
// limit level.
func ToL2Book(ob OrderBook) (orderbook.L2Book, error) {
	return toL2Book(ob.Sequence, ob.Asks, ob.Bids, ob.Pool)
}

// DiffToL2Book converts a streamed l2orderbook diff into the pip model.
func DiffToL2Book(msg L2OrderBookMessage) (orderbook.L2Book, error) {
	return toL2Book(msg.Sequence, msg.Asks, msg.Bids, msg.Pool)
}

func toL2Book(sequence uint64, asks, bids []Level, pool *PoolReserves) (orderbook.L2Book, error) {
	book := orderbook.L2Book{Sequence: sequence}
	var err error
	if book.Asks, err = toLevels(asks); err != nil {
		return orderbook.L2Book{}, fmt.Errorf("asks: %w", err)
	}
	if book.Bids, err = toLevels(bids); err != nil {
		return orderbook.L2Book{}, fmt.Errorf("bids: %w", err)
	}
	if pool != nil {
		base, err := pipmath.DecimalToPip(pool.BaseReserveQuantity)
		if err != nil {
			return orderbook.L2Book{}, fmt.Errorf("pool base: %w", err)
		}
		quote, err := pipmath.DecimalToPip(pool.QuoteReserveQuantity)
		if err != nil {
			return orderbook.L2Book{}, fmt.Errorf("pool quote: %w", err)
		}
		book.Pool = &orderbook.PoolReserves{Base: base, Quote: quote}
	}
	return book, nil
}

func toLevels(in []Level) ([]orderbook.PriceLevel, error) {
	out := make([]orderbook.PriceLevel, 0, len(in))
	for _, l := range in {
		price, err := pipmath.DecimalToPip(l.Price)
		if err != nil {
			return nil, err
		}
		size, err := pipmath.DecimalToPip(l.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, orderbook.PriceLevel{
			Price:     price,
			Size:      size,
			NumOrders: l.NumOrders,
			Type:      orderbook.LevelLimit,
		})
	}
	return out, nil
}

// L1ToResponse renders an L1 view as a one-level-per-side order book.
func L1ToResponse(l1 orderbook.L1Book) OrderBook {
	return OrderBook{
		Sequence: l1.Sequence,
		Asks:     []Level{fromLevel(l1.Ask.Price, l1.Ask.Size, l1.Ask.NumOrders)},
		Bids:     []Level{fromLevel(l1.Bid.Price, l1.Bid.Size, l1.Bid.NumOrders)},
		Pool:     fromPool(l1.Pool),
	}
}

// L2ToResponse renders at most ceil(limit/2) levels per side.
func L2ToResponse(l2 orderbook.L2Book, limit int) (OrderBook, error) {
	if limit < MinL2Limit || limit > MaxL2Limit {
		return OrderBook{}, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	perSide := (limit + 1) / 2
	return OrderBook{
		Sequence: l2.Sequence,
		Asks:     fromLevels(l2.Asks, perSide),
		Bids:     fromLevels(l2.Bids, perSide),
		Pool:     fromPool(l2.Pool),
	}, nil
}

func fromLevels(levels []orderbook.PriceLevel, n int) []Level {
	if len(levels) > n {
		levels = levels[:n]
	}
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, fromLevel(l.Price, l.Size, l.NumOrders))
	}
	return out
}

func fromLevel(price, size int64, orders uint32) Level {
	return Level{
		Price:     pipmath.PipToDecimal(price),
		Size:      pipmath.PipToDecimal(size),
		NumOrders: orders,
	}
}

func fromPool(p *orderbook.PoolReserves) *PoolReserves {
	if p == nil {
		return nil
	}
	return &PoolReserves{
		BaseReserveQuantity:  pipmath.PipToDecimal(p.Base),
		QuoteReserveQuantity: pipmath.PipToDecimal(p.Quote),
	}
}
