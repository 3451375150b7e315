package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caesar-terminal/idexbook/internal/adapter/idex"
	"github.com/caesar-terminal/idexbook/internal/pipmath"
)

// Sentinel errors returned to callers. Input errors fail fast and never
// touch synchronization state.
var (
	ErrInvalidLimit    = idex.ErrInvalidLimit
	ErrInvalidTickSize = errors.New("tick size must be a positive decimal")
	ErrUnknownMarket   = errors.New("unknown market")
	ErrMissingSequence = errors.New("missing l2 update sequence")
	ErrNotStarted      = errors.New("engine: fees and minimums not loaded")
	ErrNotSubscribed   = errors.New("engine: venue is not streaming l2orderbook for market")
)

// SequenceGapError reports a diff that skipped one or more sequence numbers.
type SequenceGapError struct {
	Market   string
	Current  uint64
	Received uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("Missing l2 update sequence, current book is %d message was %d", e.Current, e.Received)
}

func (e *SequenceGapError) Is(target error) bool {
	return target == ErrMissingSequence
}

// ParseTickSize converts a decimal tick size to pips. An empty string means
// the market's own tick size and yields 0.
func ParseTickSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	tick, err := pipmath.DecimalToPip(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTickSize, err)
	}
	if tick <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTickSize, s)
	}
	return tick, nil
}

func validateTickSize(tick int64) error {
	if tick < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTickSize, tick)
	}
	return nil
}

func validateLimit(limit int) error {
	if limit < idex.MinL2Limit || limit > idex.MaxL2Limit {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	return nil
}

// splitMarket returns the base and quote symbols of a "BASE-QUOTE" market.
func splitMarket(name string) (base, quote string, err error) {
	base, quote, ok := strings.Cut(name, "-")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownMarket, name)
	}
	return base, quote, nil
}
