package pipmath

// RoundingMode selects how AdjustToTickSize discards insignificant digits.
type RoundingMode uint8

const (
	// RoundHalfUp rounds to the nearest tick, ties away from zero.
	RoundHalfUp RoundingMode = iota
	// RoundDown rounds toward zero.
	RoundDown
	// RoundUp rounds away from zero.
	RoundUp
)

// Per-side modes: both sides bucket toward the price that is worse for a taker.
const (
	AsksRoundingMode = RoundUp
	BidsRoundingMode = RoundDown
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfUp:
		return "half-up"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// AdjustToTickSize rounds price to a multiple of tick. Price 123456789 is
// 123456789 at tick 1, 123456780 at tick 10 (rounding down), and so on.
// A tick below 2 leaves the price unchanged.
func AdjustToTickSize(price, tick int64, mode RoundingMode) int64 {
	if tick <= 1 {
		return price
	}
	q, r := price/tick, price%tick
	if r == 0 {
		return price
	}

	step := int64(1)
	if price < 0 {
		step, r = -1, -r
	}

	switch mode {
	case RoundUp:
		q += step
	case RoundHalfUp:
		if 2*r >= tick {
			q += step
		}
	}
	return q * tick
}
