package orderbook

import "errors"

// Sentinel errors for pool quantity inputs. They signal a broken upstream
// invariant and are never clamped.
var (
	ErrInvalidReserves  = errors.New("pool reserves must each be at least 1.0")
	ErrInvalidPrice     = errors.New("target price must be above zero and within 64 bits")
	ErrPriceOnWrongSide = errors.New("target price is on the wrong side of the pool price")
)
