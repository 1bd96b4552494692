package state

import fpmath "PerpEngine/internal/math"

// MarketAggregate is the market-wide view maintained from position changes.
//
//	marketDebt = TotalMargin + EntryDebtCorrection + Skew * (price - fundingNow)
//
// where EntryDebtCorrection = Σ size * (funding[fundingIndex] - lastPrice).
type MarketAggregate struct {
	Skew                fpmath.Decimal `json:"skew"`
	Size                fpmath.Decimal `json:"size"`
	TotalMargin         fpmath.Decimal `json:"total_margin"`
	EntryDebtCorrection fpmath.Decimal `json:"entry_debt_correction"`
}

func debtCorrection(pos Position, fundingAtEntry fpmath.Decimal) fpmath.Decimal {
	if pos.Size.IsZero() {
		return fpmath.Zero()
	}
	return pos.Size.Mul(fundingAtEntry.Sub(pos.LastPrice), fpmath.RoundHalfEven)
}

// Replace swaps one position's contribution for another. The funding values
// are the sequence entries at each position's fundingIndex.
func (a MarketAggregate) Replace(old Position, oldFunding fpmath.Decimal, next Position, nextFunding fpmath.Decimal) MarketAggregate {
	return MarketAggregate{
		Skew:        a.Skew.Sub(old.Size).Add(next.Size),
		Size:        a.Size.Sub(old.Size.Abs()).Add(next.Size.Abs()),
		TotalMargin: a.TotalMargin.Sub(old.Margin).Add(next.Margin),
		EntryDebtCorrection: a.EntryDebtCorrection.
			Sub(debtCorrection(old, oldFunding)).
			Add(debtCorrection(next, nextFunding)),
	}
}

// LongSize and ShortSize are the open interest on each side.
func (a MarketAggregate) LongSize() fpmath.Decimal {
	return a.Size.Add(a.Skew).QuoInt(2, fpmath.RoundDown)
}

func (a MarketAggregate) ShortSize() fpmath.Decimal {
	return a.Size.Sub(a.Skew).QuoInt(2, fpmath.RoundDown)
}

// Debt is the market's total claim on the debt pool, floored at zero.
func (a MarketAggregate) Debt(price, fundingNow fpmath.Decimal) fpmath.Decimal {
	unrealized := a.Skew.Mul(price.Sub(fundingNow), fpmath.RoundHalfEven)
	return a.TotalMargin.Add(a.EntryDebtCorrection).Add(unrealized).FloorAtZero()
}

// CheckOpenInterest fails when a side that grew ends up beyond maxOI.
func CheckOpenInterest(before, after MarketAggregate, maxOI fpmath.Decimal) error {
	if after.LongSize().GreaterThan(before.LongSize()) && after.LongSize().GreaterThan(maxOI) {
		return ErrMaxMarketSizeExceeded
	}
	if after.ShortSize().GreaterThan(before.ShortSize()) && after.ShortSize().GreaterThan(maxOI) {
		return ErrMaxMarketSizeExceeded
	}
	return nil
}

func (a MarketAggregate) AppendCanonical(buf []byte) []byte {
	buf = a.Skew.AppendCanonical(buf)
	buf = a.Size.AppendCanonical(buf)
	buf = a.TotalMargin.AppendCanonical(buf)
	return a.EntryDebtCorrection.AppendCanonical(buf)
}
