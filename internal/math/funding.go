package math

import "math/big"

// ComputeFundingRate returns the instantaneous funding rate for a skew:
// clamp(-maxRate, maxRate, maxRate * skew / skewScale).
// Positive means longs pay shorts.
func ComputeFundingRate(skew, skewScale, maxRate Decimal) Decimal {
	if skewScale.Sign() <= 0 || skew.IsZero() {
		return Zero()
	}
	rate := MulDiv(maxRate, skew, skewScale, RoundDown)
	return Clamp(rate, maxRate.Neg(), maxRate)
}

// ComputeUnrecordedFunding returns the per-unit funding accrued over
// elapsedSeconds at the given rate and price: rate * price * elapsed / period.
func ComputeUnrecordedFunding(rate, price Decimal, elapsedSeconds, periodSeconds int64) Decimal {
	if elapsedSeconds <= 0 || periodSeconds <= 0 || rate.IsZero() {
		return Zero()
	}

	// rate * price * elapsed / (period * 10^18), single rounding
	num := getInt()
	num.Mul(rate.raw(), price.raw())
	num.Mul(num, big.NewInt(elapsedSeconds))

	den := getInt()
	den.Mul(big.NewInt(periodSeconds), unit)

	result := DivideRounded(num, den, RoundDown)
	putInt(num)
	putInt(den)
	return wrap(result)
}

// ComputeAccruedFunding returns the funding owed by a position of the given
// size between two cumulative funding values. Positive means the position
// pays. Rounded toward +inf so the trader never gains from truncation.
func ComputeAccruedFunding(fundingNow, fundingAtEntry, size Decimal) Decimal {
	perUnit := fundingNow.Sub(fundingAtEntry)
	if perUnit.IsZero() || size.IsZero() {
		return Zero()
	}
	return perUnit.Mul(size, RoundCeil)
}

// ComputePnL returns size * (price - lastPrice), rounded toward -inf.
func ComputePnL(size, price, lastPrice Decimal) Decimal {
	if size.IsZero() {
		return Zero()
	}
	return size.Mul(price.Sub(lastPrice), RoundFloor)
}

// ComputeNotional returns |size| * price, rounded up.
func ComputeNotional(size, price Decimal) Decimal {
	return size.Abs().Mul(price, RoundUp)
}
