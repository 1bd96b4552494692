package pricing

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "PerpEngine/internal/math"
)

var ErrInvalidFillPrice = errors.New("fill price is not positive")

// Params are the market settings that shape a fill.
type Params struct {
	PriceImpactFactor fpmath.Decimal
	MaxOpenInterest   fpmath.Decimal
	MakerFee          fpmath.Decimal
	TakerFee          fpmath.Decimal
}

// Fill is the priced result of a size change against the current skew.
type Fill struct {
	Price     fpmath.Decimal
	Fee       fpmath.Decimal
	MakerSize fpmath.Decimal // |sizeDelta| that closes opposite skew
	TakerSize fpmath.Decimal // remainder that extends or flips skew
}

// QuoteFill prices sizeDelta against basis given the pre-trade skew.
func QuoteFill(skew, sizeDelta, basis fpmath.Decimal, p Params) (Fill, error) {
	price, err := FillPrice(skew, sizeDelta, basis, p)
	if err != nil {
		return Fill{}, err
	}
	maker, taker := SplitSize(skew, sizeDelta)
	return Fill{
		Price:     price,
		Fee:       Fee(maker, taker, price, p),
		MakerSize: maker,
		TakerSize: taker,
	}, nil
}

// FillPrice returns basis * (1 + impact * (skew + sizeDelta/2) / maxOpenInterest).
// The premium uses the average of pre- and post-trade skew. Buys round up,
// sells round down.
func FillPrice(skew, sizeDelta, basis fpmath.Decimal, p Params) (fpmath.Decimal, error) {
	if basis.Sign() <= 0 {
		return fpmath.Zero(), fmt.Errorf("%w: basis %s", ErrInvalidFillPrice, basis)
	}
	if p.MaxOpenInterest.Sign() <= 0 || p.PriceImpactFactor.IsZero() {
		return basis, nil
	}

	mode := fpmath.RoundFloor
	if sizeDelta.Sign() > 0 {
		mode = fpmath.RoundCeil
	}

	// midSkew2 = 2*skew + sizeDelta, keeps the half step exact
	midSkew2 := skew.Raw()
	midSkew2.Lsh(midSkew2, 1)
	midSkew2.Add(midSkew2, sizeDelta.Raw())

	// den = 10^18 * 2 * maxOI
	den := fpmath.Unit()
	den.Mul(den, p.MaxOpenInterest.Raw())
	den.Lsh(den, 1)

	// num = basis * (den + impact * midSkew2)
	factor := p.PriceImpactFactor.Raw()
	factor.Mul(factor, midSkew2)
	factor.Add(factor, den)
	num := basis.Raw()
	num.Mul(num, factor)

	price := fpmath.FromRaw(fpmath.DivideRounded(num, den, mode))
	if price.Sign() <= 0 {
		return fpmath.Zero(), fmt.Errorf("%w: skew=%s sizeDelta=%s basis=%s", ErrInvalidFillPrice, skew, sizeDelta, basis)
	}
	return price, nil
}

// SplitSize divides |sizeDelta| into the part that reduces existing opposite
// skew (maker) and the remainder (taker).
func SplitSize(skew, sizeDelta fpmath.Decimal) (maker, taker fpmath.Decimal) {
	abs := sizeDelta.Abs()
	if skew.Sign() == 0 || skew.Sign() == sizeDelta.Sign() {
		return fpmath.Zero(), abs
	}
	maker = fpmath.Min(abs, skew.Abs())
	return maker, abs.Sub(maker)
}

// Fee charges maker and taker portions at their rates on the fill price,
// rounded up.
func Fee(maker, taker, fillPrice fpmath.Decimal, p Params) fpmath.Decimal {
	weighted := new(big.Int).Mul(maker.Raw(), p.MakerFee.Raw())
	weighted.Add(weighted, new(big.Int).Mul(taker.Raw(), p.TakerFee.Raw()))
	weighted.Mul(weighted, fillPrice.Raw())

	den := fpmath.Unit()
	den.Mul(den, fpmath.Unit())
	return fpmath.FromRaw(fpmath.DivideRounded(weighted, den, fpmath.RoundCeil))
}
