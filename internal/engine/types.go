package engine

import (
	"context"
	"sync"

	"github.com/caesar-terminal/idexbook/internal/metrics"
	"github.com/caesar-terminal/idexbook/internal/orderbook"
)

// MaxRESTDepth is the snapshot depth requested from the REST order book.
const MaxRESTDepth = 1000

// SyncState tracks the lifecycle of one market's local book.
type SyncState uint8

const (
	StateUnsynced SyncState = iota
	StateSyncing
	StateSynced
)

func (s SyncState) String() string {
	switch s {
	case StateUnsynced:
		return "unsynced"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// FeeOverride replaces the exchange-published taker fees and minimum.
// Values are decimal strings.
type FeeOverride struct {
	TakerIdexFeeRate              string
	TakerLiquidityProviderFeeRate string
	TakerTradeMinimum             string
}

// FeesAndMinimums is the rendered fee schedule. TakerTradeMinimum already
// carries the first-level multiplier.
type FeesAndMinimums struct {
	TakerIdexFeeRate              string `json:"takerIdexFeeRate"`
	TakerLiquidityProviderFeeRate string `json:"takerLiquidityProviderFeeRate"`
	TakerTradeMinimum             string `json:"takerTradeMinimum"`
}

type feeSchedule struct {
	rates        orderbook.FeeRates
	takerMinimum int64
}

// market is the single owner of one market's book. mu serializes diff
// application against snapshot installs.
type market struct {
	name  string
	base  string
	quote string

	mu     sync.Mutex
	state  SyncState
	book   orderbook.L2Book
	queue  []orderbook.L2Book
	cancel context.CancelFunc
}

// reset discards the book and any queued diffs. Caller holds mu.
func (m *market) reset(state SyncState) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.state = state
	m.book = orderbook.L2Book{}
	m.queue = nil
}

type applyResult struct {
	l1Changed bool
	l2Changed bool
	sequence  uint64
	gap       error
}

// applyAll applies diffs in arrival order and stops at the first gap.
// Caller holds mu.
func (m *market) applyAll(updates []orderbook.L2Book) applyResult {
	var res applyResult
	before := orderbook.ToL1(m.book)
	applied := 0
	for _, update := range updates {
		switch {
		case update.Sequence < m.book.Sequence:
			metrics.StaleDiffsTotal.WithLabelValues(m.name).Inc()
			continue
		case update.Sequence == m.book.Sequence:
			m.book.Pool = copyPool(update.Pool)
		case update.Sequence == m.book.Sequence+1:
			orderbook.ApplyUpdate(&m.book, update)
			metrics.DiffsAppliedTotal.WithLabelValues(m.name).Inc()
		default:
			res.gap = &SequenceGapError{Market: m.name, Current: m.book.Sequence, Received: update.Sequence}
		}
		if res.gap != nil {
			break
		}
		applied++
	}
	if applied > 0 {
		res.l2Changed = true
		res.l1Changed = !orderbook.L1Equal(before, orderbook.ToL1(m.book))
	}
	res.sequence = m.book.Sequence
	return res
}

func copyPool(p *orderbook.PoolReserves) *orderbook.PoolReserves {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}
