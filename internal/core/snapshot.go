package core

import (
	"fmt"

	"PerpEngine/internal/ledger"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is the full core state at a sequence. Restoring it and replaying
// later events reproduces the same hash chain.
type Snapshot struct {
	Sequence        int64            `json:"sequence"` // next sequence to assign
	StateHash       common.Hash      `json:"state_hash"`
	LastTimestamp   int64            `json:"last_timestamp"`
	Balances        []ledger.Balance `json:"balances"`
	Positions       []state.Position `json:"positions"`
	Orders          []state.Order    `json:"orders"`
	Markets         []MarketSnapshot `json:"markets"`
	Oracle          oracle.State     `json:"oracle"`
	Suspensions     []Suspension     `json:"suspensions"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
}

type MarketSnapshot struct {
	Params    state.MarketParams    `json:"params"`
	Funding   []state.FundingEntry  `json:"funding"`
	Aggregate state.MarketAggregate `json:"aggregate"`
}

// CreateSnapshot copies the current state. Call it from the core goroutine.
func (c *DeterministicCore) CreateSnapshot() *Snapshot {
	snap := &Snapshot{
		Sequence:        c.sequence,
		StateHash:       common.Hash(c.hasher.GetPrevHash()),
		LastTimestamp:   c.clock.Last(),
		Balances:        c.balanceTracker.Snapshot(),
		Positions:       c.positions.GetAllPositions(),
		Orders:          c.orders.GetAllOrders(),
		Oracle:          c.resolver.Export(),
		Suspensions:     c.suspensions.Active(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
	for _, id := range sortedKeys(c.markets) {
		m := c.markets[id]
		snap.Markets = append(snap.Markets, MarketSnapshot{
			Params:    m.Params,
			Funding:   m.Funding.Entries(),
			Aggregate: m.Aggregate,
		})
	}
	return snap
}

// RestoreSnapshot replaces all state with snap. Aggregates are rebuilt
// from positions and must match the stored ones, and every margin and
// escrow account must mirror its position or order.
func (c *DeterministicCore) RestoreSnapshot(snap *Snapshot) error {
	markets := make(map[string]*Market, len(snap.Markets))
	for _, ms := range snap.Markets {
		if err := state.ValidateMarketParams(ms.Params); err != nil {
			return fmt.Errorf("restore market: %w", err)
		}
		funding, err := state.RestoreFundingSequence(ms.Funding)
		if err != nil {
			return fmt.Errorf("restore market %s: %w", ms.Params.Market, err)
		}
		markets[ms.Params.Market] = &Market{Params: ms.Params, Funding: funding}
	}

	positions := state.NewPositionManager()
	for _, p := range snap.Positions {
		m, ok := markets[p.Market]
		if !ok {
			return fmt.Errorf("restore position: %w: %s", ErrUnknownMarket, p.Market)
		}
		if p.FundingIndex < 0 || p.FundingIndex > m.Funding.Tip() {
			return fmt.Errorf("restore position %s/%s: funding index %d out of range", p.Market, p.Account.Hex(), p.FundingIndex)
		}
		m.Aggregate = m.Aggregate.Replace(state.Position{}, m.Funding.At(0), p, m.Funding.At(p.FundingIndex))
		positions.SetPosition(p)
	}
	for _, ms := range snap.Markets {
		if !aggregatesEqual(markets[ms.Params.Market].Aggregate, ms.Aggregate) {
			return fmt.Errorf("restore market %s: aggregate does not match positions", ms.Params.Market)
		}
	}

	orders := state.NewOrderManager()
	for _, o := range snap.Orders {
		if _, ok := markets[o.Market]; !ok {
			return fmt.Errorf("restore order: %w: %s", ErrUnknownMarket, o.Market)
		}
		orders.SetOrder(o)
	}

	balances := ledger.NewBalanceTracker()
	balances.Restore(snap.Balances)
	validator := ledger.NewInvariantValidator(balances)
	if err := validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	for _, p := range positions.GetAllPositions() {
		if err := validator.ValidateMarginMirror(p.Account, p.Market, p.Margin); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	for _, o := range orders.GetAllOrders() {
		if err := validator.ValidateEscrowMirror(o.Account, o.Market, o.Deposits()); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}

	c.sequence = snap.Sequence
	c.hasher.SetPrevHash(snap.StateHash)
	c.clock.Restore(snap.LastTimestamp)
	c.balanceTracker.Restore(snap.Balances)
	c.positions = positions
	c.orders = orders
	c.markets = markets
	c.resolver.Restore(snap.Oracle)
	c.suspensions.Restore(snap.Suspensions)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

func aggregatesEqual(a, b state.MarketAggregate) bool {
	return a.Skew.Equal(b.Skew) &&
		a.Size.Equal(b.Size) &&
		a.TotalMargin.Equal(b.TotalMargin) &&
		a.EntryDebtCorrection.Equal(b.EntryDebtCorrection)
}
