package state

import (
	"fmt"

	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/pricing"
)

// MarketParams are the per-market risk, fee and timing settings.
// Durations are in seconds of the caller-supplied clock.
type MarketParams struct {
	Market string `json:"market"`
	Asset  string `json:"asset"`

	MakerFee          fpmath.Decimal `json:"maker_fee"`
	TakerFee          fpmath.Decimal `json:"taker_fee"`
	PriceImpactFactor fpmath.Decimal `json:"price_impact_factor"`
	MaxOpenInterest   fpmath.Decimal `json:"max_open_interest"` // per side, in base units

	MaxLeverage      fpmath.Decimal `json:"max_leverage"`
	MinInitialMargin fpmath.Decimal `json:"min_initial_margin"`

	MaxFundingRate fpmath.Decimal `json:"max_funding_rate"` // per funding period
	SkewScale      fpmath.Decimal `json:"skew_scale"`       // skew at which the rate saturates
	FundingPeriod  int64          `json:"funding_period"`

	MinAge        int64          `json:"min_age"`
	MaxAge        int64          `json:"max_age"`
	KeeperDeposit fpmath.Decimal `json:"keeper_deposit"`

	LiquidationFeeReward fpmath.Decimal `json:"liquidation_fee_reward"`

	OffchainMaxAge     int64          `json:"offchain_max_age"`
	MaxPriceDivergence fpmath.Decimal `json:"max_price_divergence"`
}

// Pricing extracts the fill/fee settings.
func (p MarketParams) Pricing() pricing.Params {
	return pricing.Params{
		PriceImpactFactor: p.PriceImpactFactor,
		MaxOpenInterest:   p.MaxOpenInterest,
		MakerFee:          p.MakerFee,
		TakerFee:          p.TakerFee,
	}
}

// FundingChanged reports whether switching to next alters the funding rate.
func (p MarketParams) FundingChanged(next MarketParams) bool {
	return !p.MaxFundingRate.Equal(next.MaxFundingRate) ||
		!p.SkewScale.Equal(next.SkewScale) ||
		p.FundingPeriod != next.FundingPeriod
}

// ValidateMarketParams checks that parameters are within valid ranges.
// maker <= taker keeps skew-reducing fills no more expensive than extending ones.
func ValidateMarketParams(p MarketParams) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidMarketParams, p.Market, fmt.Sprintf(format, args...))
	}

	if p.Market == "" || p.Asset == "" {
		return invalid("market and asset are required")
	}
	if p.MakerFee.IsNegative() || p.TakerFee.IsNegative() {
		return invalid("fees must be >= 0")
	}
	if p.MakerFee.GreaterThan(p.TakerFee) {
		return invalid("maker_fee (%s) must be <= taker_fee (%s)", p.MakerFee, p.TakerFee)
	}
	if p.TakerFee.Cmp(fpmath.One()) >= 0 {
		return invalid("taker_fee must be < 1, got %s", p.TakerFee)
	}
	if p.PriceImpactFactor.IsNegative() {
		return invalid("price_impact_factor must be >= 0")
	}
	if !p.MaxOpenInterest.IsPositive() {
		return invalid("max_open_interest must be > 0")
	}
	if p.MaxLeverage.Cmp(fpmath.One()) < 0 {
		return invalid("max_leverage must be >= 1, got %s", p.MaxLeverage)
	}
	if p.MinInitialMargin.IsNegative() {
		return invalid("min_initial_margin must be >= 0")
	}
	if p.MaxFundingRate.IsNegative() {
		return invalid("max_funding_rate must be >= 0")
	}
	if !p.SkewScale.IsPositive() {
		return invalid("skew_scale must be > 0")
	}
	if p.FundingPeriod <= 0 {
		return invalid("funding_period must be > 0")
	}
	if p.MinAge < 0 || p.MaxAge <= 0 {
		return invalid("min_age must be >= 0 and max_age > 0")
	}
	if p.KeeperDeposit.IsNegative() || p.LiquidationFeeReward.IsNegative() {
		return invalid("keeper_deposit and liquidation_fee_reward must be >= 0")
	}
	if p.OffchainMaxAge <= 0 {
		return invalid("offchain_max_age must be > 0")
	}
	if !p.MaxPriceDivergence.IsPositive() {
		return invalid("max_price_divergence must be > 0")
	}
	return nil
}
