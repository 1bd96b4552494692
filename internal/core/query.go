package core

import (
	"PerpEngine/internal/ledger"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Read-only views. They evaluate at the caller's timestamp without
// recording anything, so unrecorded funding is included but not stored.
// Callers outside the core goroutine go through Sequencer.Query.

// PositionView is a position evaluated at the latest on-chain price.
type PositionView struct {
	Position         state.Position    `json:"position"`
	RemainingMargin  fpmath.Decimal    `json:"remaining_margin"`
	AccessibleMargin fpmath.Decimal    `json:"accessible_margin"`
	UnrealizedPnL    fpmath.Decimal    `json:"unrealized_pnl"`
	AccruedFunding   fpmath.Decimal    `json:"accrued_funding"`
	Notional         fpmath.Decimal    `json:"notional"`
	LiquidationPrice fpmath.Decimal    `json:"liquidation_price"`
	CanLiquidate     bool              `json:"can_liquidate"`
	PriceValid       bool              `json:"price_valid"`
	Order            *state.Order      `json:"order,omitempty"`
	OrderStatus      state.OrderStatus `json:"order_status"`
}

// MarketView is a market's aggregate and funding picture.
type MarketView struct {
	Params       state.MarketParams    `json:"params"`
	Aggregate    state.MarketAggregate `json:"aggregate"`
	LongSize     fpmath.Decimal        `json:"long_size"`
	ShortSize    fpmath.Decimal        `json:"short_size"`
	FundingRate  fpmath.Decimal        `json:"funding_rate"`
	FundingNow   fpmath.Decimal        `json:"funding_now"`
	FundingIndex int                   `json:"funding_index"`
	Price        fpmath.Decimal        `json:"price"`
	PriceValid   bool                  `json:"price_valid"`
	Debt         fpmath.Decimal        `json:"debt"`
}

type evaluation struct {
	market *Market
	price  fpmath.Decimal
	valid  bool
	view   state.StagedFunding
}

func (e evaluation) fundingNow() fpmath.Decimal {
	return e.view.Entry().Cumulative
}

func (e evaluation) calculator() *state.MarginCalculator {
	return state.NewMarginCalculator(e.market.Params, e.view)
}

func (c *DeterministicCore) evaluate(market string, now int64) (evaluation, error) {
	m, err := c.market(market)
	if err != nil {
		return evaluation{}, err
	}
	quote := c.resolver.LatestOnchain(m.Params.Asset, now)
	entry := m.Funding.Next(m.Aggregate.Skew, quote.Price, now, m.Params)
	return evaluation{
		market: m,
		price:  quote.Price,
		valid:  quote.Valid,
		view:   m.Funding.Stage(entry),
	}, nil
}

// Position returns the evaluated position and pending order of account.
func (c *DeterministicCore) Position(market string, account common.Address, now int64) (PositionView, error) {
	ev, err := c.evaluate(market, now)
	if err != nil {
		return PositionView{}, err
	}
	pos, _ := c.positions.GetPosition(market, account)
	mc := ev.calculator()
	status := mc.Evaluate(pos, ev.price, ev.fundingNow(), ev.valid)

	v := PositionView{
		Position:         pos,
		RemainingMargin:  status.Remaining,
		AccessibleMargin: status.Accessible,
		UnrealizedPnL:    status.UnrealizedPnL,
		AccruedFunding:   status.AccruedFunding,
		Notional:         status.Notional,
		LiquidationPrice: mc.LiquidationPrice(pos, ev.fundingNow(), true),
		CanLiquidate:     mc.CanLiquidate(pos, status),
		PriceValid:       ev.valid,
	}
	if o, ok := c.orders.GetOrder(market, account); ok {
		v.Order = &o
		v.OrderStatus = o.StatusAt(now, ev.market.Params.MaxAge)
	}
	return v, nil
}

// RemainingMargin is margin plus PnL minus accrued funding, floored at
// zero. valid is false when the on-chain price is stale.
func (c *DeterministicCore) RemainingMargin(market string, account common.Address, now int64) (fpmath.Decimal, bool, error) {
	v, err := c.Position(market, account, now)
	return v.RemainingMargin, v.PriceValid, err
}

// AccessibleMargin is what could be withdrawn without breaching max leverage.
func (c *DeterministicCore) AccessibleMargin(market string, account common.Address, now int64) (fpmath.Decimal, bool, error) {
	v, err := c.Position(market, account, now)
	return v.AccessibleMargin, v.PriceValid, err
}

// LiquidationPrice is the price at which account's position becomes
// liquidatable. valid is false when the on-chain price is stale.
func (c *DeterministicCore) LiquidationPrice(market string, account common.Address, includeFunding bool, now int64) (fpmath.Decimal, bool, error) {
	ev, err := c.evaluate(market, now)
	if err != nil {
		return fpmath.Zero(), false, err
	}
	pos, _ := c.positions.GetPosition(market, account)
	return ev.calculator().LiquidationPrice(pos, ev.fundingNow(), includeFunding), ev.valid, nil
}

// CanLiquidate is false whenever the price is stale.
func (c *DeterministicCore) CanLiquidate(market string, account common.Address, now int64) (bool, error) {
	v, err := c.Position(market, account, now)
	return v.CanLiquidate, err
}

// Market evaluates a market's aggregate at now.
func (c *DeterministicCore) Market(market string, now int64) (MarketView, error) {
	ev, err := c.evaluate(market, now)
	if err != nil {
		return MarketView{}, err
	}
	agg := ev.market.Aggregate
	return MarketView{
		Params:       ev.market.Params,
		Aggregate:    agg,
		LongSize:     agg.LongSize(),
		ShortSize:    agg.ShortSize(),
		FundingRate:  state.CurrentRate(agg.Skew, ev.market.Params),
		FundingNow:   ev.fundingNow(),
		FundingIndex: ev.market.Funding.Tip(),
		Price:        ev.price,
		PriceValid:   ev.valid,
		Debt:         agg.Debt(ev.price, ev.fundingNow()),
	}, nil
}

// MarketDebt is the market's claim on the debt pool.
func (c *DeterministicCore) MarketDebt(market string, now int64) (fpmath.Decimal, bool, error) {
	v, err := c.Market(market, now)
	return v.Debt, v.PriceValid, err
}

func (c *DeterministicCore) CurrentFundingRate(market string) (fpmath.Decimal, error) {
	m, err := c.market(market)
	if err != nil {
		return fpmath.Zero(), err
	}
	return state.CurrentRate(m.Aggregate.Skew, m.Params), nil
}

// FundingHistory returns recorded entries from index since onwards.
func (c *DeterministicCore) FundingHistory(market string, since int) ([]state.FundingEntry, error) {
	m, err := c.market(market)
	if err != nil {
		return nil, err
	}
	return m.Funding.Since(since), nil
}

func (c *DeterministicCore) Order(market string, account common.Address) (state.Order, bool) {
	return c.orders.GetOrder(market, account)
}

// OrderStatus derives the pending order's status at now. No order is
// OrderStatusNone.
func (c *DeterministicCore) OrderStatus(market string, account common.Address, now int64) state.OrderStatus {
	o, ok := c.orders.GetOrder(market, account)
	m, exists := c.markets[market]
	if !ok || !exists {
		return state.OrderStatusNone
	}
	return o.StatusAt(now, m.Params.MaxAge)
}

func (c *DeterministicCore) Balance(key ledger.AccountKey) fpmath.Decimal {
	return c.balanceTracker.GetBalance(key)
}

func (c *DeterministicCore) Markets() []string {
	return sortedKeys(c.markets)
}

func (c *DeterministicCore) Suspensions() []Suspension {
	return c.suspensions.Active()
}

// LastTimestamp is the caller clock of the last applied event.
func (c *DeterministicCore) LastTimestamp() int64 {
	return c.clock.Last()
}
