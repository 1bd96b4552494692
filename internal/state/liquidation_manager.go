package state

import (
	fpmath "PerpEngine/internal/math"
)

// LiquidationPrice solves margin + size*(p - lastPrice) - funding = reward
// for p. Longs round up and shorts round down so the reported price is never
// more lenient than the true threshold. Flat positions return zero.
func (mc *MarginCalculator) LiquidationPrice(pos Position, fundingNow fpmath.Decimal, includeFunding bool) fpmath.Decimal {
	if pos.Size.IsZero() {
		return fpmath.Zero()
	}

	owed := fpmath.Zero()
	if includeFunding {
		owed = fpmath.ComputeAccruedFunding(fundingNow, mc.funding.At(pos.FundingIndex), pos.Size)
	}

	mode := fpmath.RoundCeil
	if pos.Size.IsNegative() {
		mode = fpmath.RoundFloor
	}

	// p = lastPrice + (reward - margin + funding) / size
	shortfall := mc.params.LiquidationFeeReward.Sub(pos.Margin).Add(owed)
	price := pos.LastPrice.Add(shortfall.Quo(pos.Size, mode))
	return price.FloorAtZero()
}

// CanLiquidate is true only for an open position whose remaining margin is
// at or below the liquidation reward under a valid price.
func (mc *MarginCalculator) CanLiquidate(pos Position, status MarginStatus) bool {
	if pos.Size.IsZero() || !status.Valid {
		return false
	}
	return status.Remaining.Cmp(mc.params.LiquidationFeeReward) <= 0
}

// LiquidationPayout splits the remaining margin of a liquidated position
// between the caller and the fee sink.
type LiquidationPayout struct {
	Reward    fpmath.Decimal
	Remainder fpmath.Decimal
}

// SplitLiquidation pays the caller min(LiquidationFeeReward, remaining), where
// remaining is the margin left after losses and funding, floored at zero. An
// underwater position pays no reward.
func (mc *MarginCalculator) SplitLiquidation(remaining fpmath.Decimal) LiquidationPayout {
	reward := fpmath.Min(mc.params.LiquidationFeeReward, remaining)
	return LiquidationPayout{
		Reward:    reward,
		Remainder: remaining.Sub(reward),
	}
}
