package orderbook

// UpdateSide applies a price-sorted changeset to one side of a book in a
// single merge pass. ascending is true for asks. Changeset entries with zero
// size or zero orders delete their price level.
func UpdateSide(ascending bool, side, updates []PriceLevel) []PriceLevel {
	if len(updates) == 0 {
		return side
	}

	beforeOrEqual := func(a, b PriceLevel) bool {
		if ascending {
			return a.Price <= b.Price
		}
		return a.Price >= b.Price
	}

	out := make([]PriceLevel, 0, len(side)+len(updates))
	next := 0
	var lastUpdated int64
	touched := false

	for _, level := range side {
		for next < len(updates) && beforeOrEqual(updates[next], level) {
			if u := updates[next]; !isEmptyLevel(u) {
				out = append(out, u)
			}
			lastUpdated = updates[next].Price
			touched = true
			next++
		}
		if touched && level.Price == lastUpdated {
			continue
		}
		out = append(out, level)
	}

	for ; next < len(updates); next++ {
		if u := updates[next]; !isEmptyLevel(u) {
			out = append(out, u)
		}
	}
	return out
}

func isEmptyLevel(l PriceLevel) bool {
	return l.Size == 0 || l.NumOrders == 0
}

// ApplyUpdate merges an L2 diff into book. Sequence and pool reserves are
// overwritten by the diff's values.
func ApplyUpdate(book *L2Book, update L2Book) {
	book.Sequence = update.Sequence
	book.Asks = UpdateSide(true, book.Asks, update.Asks)
	book.Bids = UpdateSide(false, book.Bids, update.Bids)
	book.Pool = clonePool(update.Pool)
}

// ToL1 derives the L1 view: level 0 of each side, or a zero level when empty.
func ToL1(b L2Book) L1Book {
	l1 := L1Book{Sequence: b.Sequence, Pool: clonePool(b.Pool)}
	if len(b.Asks) > 0 {
		l1.Ask = L1Level{Price: b.Asks[0].Price, Size: b.Asks[0].Size, NumOrders: b.Asks[0].NumOrders}
	}
	if len(b.Bids) > 0 {
		l1.Bid = L1Level{Price: b.Bids[0].Price, Size: b.Bids[0].Size, NumOrders: b.Bids[0].NumOrders}
	}
	return l1
}

// L1Equal reports whether two L1 views have the same best levels and pool.
// Sequence is ignored.
func L1Equal(a, b L1Book) bool {
	if a.Ask != b.Ask || a.Bid != b.Bid {
		return false
	}
	if a.Pool == nil || b.Pool == nil {
		return a.Pool == nil && b.Pool == nil
	}
	return *a.Pool == *b.Pool
}

func clonePool(p *PoolReserves) *PoolReserves {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}
