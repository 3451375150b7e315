package orderbook

import "github.com/caesar-terminal/idexbook/internal/pipmath"

// AggregateAtTickSize buckets levels onto a coarser tick. Asks round up and
// bids round down so aggregated prices never look better than the book.
// Buckets keep the order in which they first appear and are always typed
// limit. A tick of one or less returns the book unchanged.
func AggregateAtTickSize(book L2Book, tick int64) L2Book {
	if tick <= 1 {
		return book
	}
	out := L2Book{Sequence: book.Sequence, Pool: clonePool(book.Pool)}
	out.Asks = aggregateSide(book.Asks, tick, pipmath.AsksRoundingMode)
	out.Bids = aggregateSide(book.Bids, tick, pipmath.BidsRoundingMode)
	return out
}

func aggregateSide(levels []PriceLevel, tick int64, mode pipmath.RoundingMode) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	index := make(map[int64]int, len(levels))
	for _, level := range levels {
		price := pipmath.AdjustToTickSize(level.Price, tick, mode)
		if i, ok := index[price]; ok {
			out[i].Size += level.Size
			out[i].NumOrders += level.NumOrders
			continue
		}
		index[price] = len(out)
		out = append(out, PriceLevel{
			Price:     price,
			Size:      level.Size,
			NumOrders: level.NumOrders,
			Type:      LevelLimit,
		})
	}
	return out
}
