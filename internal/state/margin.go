package state

import (
	"fmt"

	fpmath "PerpEngine/internal/math"
)

// MarginStatus is the evaluated margin picture of one position at a price.
type MarginStatus struct {
	Remaining      fpmath.Decimal // floored at zero
	RemainingRaw   fpmath.Decimal // may be negative when underwater
	Accessible     fpmath.Decimal
	UnrealizedPnL  fpmath.Decimal
	AccruedFunding fpmath.Decimal // positive = owed by the position
	Notional       fpmath.Decimal
	Valid          bool
}

// MarginCalculator evaluates positions against a market's parameters and
// funding sequence.
type MarginCalculator struct {
	params  MarketParams
	funding FundingView
}

func NewMarginCalculator(params MarketParams, funding FundingView) *MarginCalculator {
	return &MarginCalculator{params: params, funding: funding}
}

// Evaluate computes remaining and accessible margin at price, using
// fundingNow as the cumulative funding including any unrecorded accrual.
func (mc *MarginCalculator) Evaluate(pos Position, price, fundingNow fpmath.Decimal, valid bool) MarginStatus {
	pnl := fpmath.ComputePnL(pos.Size, price, pos.LastPrice)
	funding := fpmath.ComputeAccruedFunding(fundingNow, mc.funding.At(pos.FundingIndex), pos.Size)
	raw := pos.Margin.Add(pnl).Sub(funding)
	remaining := raw.FloorAtZero()

	notional := fpmath.ComputeNotional(pos.Size, price)
	accessible := remaining
	if !pos.Size.IsZero() {
		required := notional.Quo(mc.params.MaxLeverage, fpmath.RoundUp)
		accessible = remaining.Sub(required).FloorAtZero()
	}

	return MarginStatus{
		Remaining:      remaining,
		RemainingRaw:   raw,
		Accessible:     accessible,
		UnrealizedPnL:  pnl,
		AccruedFunding: funding,
		Notional:       notional,
		Valid:          valid,
	}
}

// CheckLeverage fails when notional exceeds margin * maxLeverage, unless the
// trade only reduces exposure.
func (mc *MarginCalculator) CheckLeverage(size, margin, price fpmath.Decimal, action TradeAction) error {
	if size.IsZero() || action.IsReducing() {
		return nil
	}
	notional := fpmath.ComputeNotional(size, price)
	limit := margin.Mul(mc.params.MaxLeverage, fpmath.RoundDown)
	if notional.GreaterThan(limit) {
		return fmt.Errorf("%w: notional=%s margin=%s max=%sx", ErrMaxLeverageExceeded, notional, margin, mc.params.MaxLeverage)
	}
	return nil
}

// TransferMargin settles PnL and funding into margin and applies delta.
// The returned position is re-based at price and the funding tip; the
// returned status carries the settled PnL and funding.
func (mc *MarginCalculator) TransferMargin(pos Position, delta, price, fundingNow fpmath.Decimal) (Position, MarginStatus, error) {
	if delta.IsZero() {
		return pos, MarginStatus{}, ErrZeroAmount
	}

	status := mc.Evaluate(pos, price, fundingNow, true)
	newMargin := status.RemainingRaw.Add(delta)

	if newMargin.IsNegative() {
		return pos, status, fmt.Errorf("%w: margin after transfer %s", ErrInsufficientMargin, newMargin)
	}
	if delta.IsNegative() && delta.Abs().GreaterThan(status.Accessible) {
		return pos, status, fmt.Errorf("%w: requested=%s accessible=%s", ErrWithdrawExceedsMargin, delta.Abs(), status.Accessible)
	}
	if !pos.Size.IsZero() && newMargin.LessThan(mc.params.MinInitialMargin) {
		return pos, status, fmt.Errorf("%w: margin %s below minimum %s", ErrInsufficientMargin, newMargin, mc.params.MinInitialMargin)
	}

	next := pos
	next.Margin = newMargin
	next.LastPrice = price
	next.FundingIndex = mc.funding.Tip()
	if next.Size.IsZero() {
		next.LastPrice = fpmath.Zero()
	}
	return next, status, nil
}
