package state

import (
	"fmt"

	fpmath "PerpEngine/internal/math"
)

// TradeResult is a computed, uncommitted trade against one position.
type TradeResult struct {
	Position Position
	Action   TradeAction
	PnL      fpmath.Decimal
	Funding  fpmath.Decimal // positive = paid by the position
	Fee      fpmath.Decimal
}

// ApplyTrade settles PnL and funding since the position's funding index,
// deducts fee, then applies sizeDelta at fillPrice. fundingNow must be the
// value at the funding tip. Margin and leverage are checked on the
// post-trade size at the fill price.
func (mc *MarginCalculator) ApplyTrade(pos Position, sizeDelta, fillPrice, fee, fundingNow fpmath.Decimal) (TradeResult, error) {
	if sizeDelta.IsZero() {
		return TradeResult{}, ErrZeroSize
	}

	action := ClassifyTrade(pos.Size, sizeDelta)
	status := mc.Evaluate(pos, fillPrice, fundingNow, true)

	// fee comes out of margin before the new size is applied
	newMargin := status.RemainingRaw.Sub(fee)
	newSize := pos.Size.Add(sizeDelta)

	if newMargin.IsNegative() {
		return TradeResult{}, fmt.Errorf("%w: margin after fee %s", ErrInsufficientMargin, newMargin)
	}
	if !newSize.IsZero() && !action.IsReducing() && newMargin.LessThan(mc.params.MinInitialMargin) {
		return TradeResult{}, fmt.Errorf("%w: margin %s below minimum %s", ErrInsufficientMargin, newMargin, mc.params.MinInitialMargin)
	}
	if err := mc.CheckLeverage(newSize, newMargin, fillPrice, action); err != nil {
		return TradeResult{}, err
	}

	next := pos
	next.Margin = newMargin
	next.Size = newSize
	next.LastPrice = fillPrice
	next.FundingIndex = mc.funding.Tip()

	return TradeResult{
		Position: next,
		Action:   action,
		PnL:      status.UnrealizedPnL,
		Funding:  status.AccruedFunding,
		Fee:      fee,
	}, nil
}
