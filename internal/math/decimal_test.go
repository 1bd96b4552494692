package math_test

import (
	"encoding/json"
	"math/big"
	"testing"

	fpmath "PerpEngine/internal/math"
)

// ============================================================================
// Test: Parse / String
// ============================================================================

func TestParse_WholeAndFraction(t *testing.T) {
	d := fpmath.MustParse("1250.5")
	want, _ := new(big.Int).SetString("1250500000000000000000", 10)
	if d.Raw().Cmp(want) != 0 {
		t.Errorf("got %s, want %s", d.Raw(), want)
	}
	if d.String() != "1250.5" {
		t.Errorf("got %q, want %q", d.String(), "1250.5")
	}
}

func TestParse_TooManyDigits(t *testing.T) {
	_, err := fpmath.Parse("0.0000000000000000001")
	if err == nil {
		t.Fatal("expected error for 19 fractional digits")
	}
}

func TestParse_Garbage(t *testing.T) {
	if _, err := fpmath.Parse("abc"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDecimal_ZeroValue(t *testing.T) {
	var d fpmath.Decimal
	if !d.IsZero() {
		t.Error("zero value should be zero")
	}
	if got := d.Add(fpmath.FromInt(3)); !got.Equal(fpmath.FromInt(3)) {
		t.Errorf("got %s, want 3", got)
	}
}

func TestDecimal_JSON(t *testing.T) {
	in := fpmath.MustParse("-42.125")
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"-42.125"` {
		t.Errorf("got %s, want %q", data, "-42.125")
	}

	var out fpmath.Decimal
	if err := json.Unmarshal([]byte(`"7.5"`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Equal(fpmath.MustParse("7.5")) {
		t.Errorf("got %s, want 7.5", out)
	}

	if err := json.Unmarshal([]byte(`7.5`), &out); err == nil {
		t.Error("bare JSON numbers must be rejected")
	}
}

// ============================================================================
// Test: Rounding
// ============================================================================

func TestDivideRounded_Modes(t *testing.T) {
	tests := []struct {
		num, den int64
		mode     fpmath.RoundingMode
		want     int64
	}{
		{7, 2, fpmath.RoundDown, 3},
		{-7, 2, fpmath.RoundDown, -3},
		{7, 2, fpmath.RoundUp, 4},
		{-7, 2, fpmath.RoundUp, -4},
		{7, 2, fpmath.RoundFloor, 3},
		{-7, 2, fpmath.RoundFloor, -4},
		{7, 2, fpmath.RoundCeil, 4},
		{-7, 2, fpmath.RoundCeil, -3},
		{5, 2, fpmath.RoundHalfEven, 2},
		{7, 2, fpmath.RoundHalfEven, 4},
		{-5, 2, fpmath.RoundHalfEven, -2},
		{8, 3, fpmath.RoundHalfEven, 3},
		{6, 3, fpmath.RoundUp, 2},
	}

	for _, tt := range tests {
		got := fpmath.DivideRounded(big.NewInt(tt.num), big.NewInt(tt.den), tt.mode)
		if got.Int64() != tt.want {
			t.Errorf("%d/%d %s: got %d, want %d", tt.num, tt.den, tt.mode, got.Int64(), tt.want)
		}
	}
}

func TestDivideRounded_ZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on division by zero")
		}
	}()
	fpmath.DivideRounded(big.NewInt(1), big.NewInt(0), fpmath.RoundDown)
}

func TestMul_Quo(t *testing.T) {
	a := fpmath.MustParse("1.5")
	b := fpmath.MustParse("2.25")
	if got := a.Mul(b, fpmath.RoundDown); !got.Equal(fpmath.MustParse("3.375")) {
		t.Errorf("mul: got %s, want 3.375", got)
	}

	third := fpmath.One().Quo(fpmath.FromInt(3), fpmath.RoundDown)
	if third.String() != "0.333333333333333333" {
		t.Errorf("quo down: got %s", third)
	}
	third = fpmath.One().Quo(fpmath.FromInt(3), fpmath.RoundUp)
	if third.String() != "0.333333333333333334" {
		t.Errorf("quo up: got %s", third)
	}
}

func TestClampMinMax(t *testing.T) {
	lo, hi := fpmath.FromInt(-1), fpmath.FromInt(1)
	if got := fpmath.Clamp(fpmath.FromInt(5), lo, hi); !got.Equal(hi) {
		t.Errorf("got %s, want 1", got)
	}
	if got := fpmath.Clamp(fpmath.FromInt(-5), lo, hi); !got.Equal(lo) {
		t.Errorf("got %s, want -1", got)
	}
	if got := fpmath.MustParse("-0.1").FloorAtZero(); !got.IsZero() {
		t.Errorf("got %s, want 0", got)
	}
}

func TestAppendCanonical_DistinguishesSign(t *testing.T) {
	pos := fpmath.FromInt(1).AppendCanonical(nil)
	neg := fpmath.FromInt(-1).AppendCanonical(nil)
	if string(pos) == string(neg) {
		t.Error("canonical bytes must differ by sign")
	}
}

// ============================================================================
// Test: Funding and position math
// ============================================================================

func TestComputeFundingRate_Clamped(t *testing.T) {
	maxRate := fpmath.MustParse("0.1")
	scale := fpmath.FromInt(1000)

	if got := fpmath.ComputeFundingRate(fpmath.FromInt(500), scale, maxRate); !got.Equal(fpmath.MustParse("0.05")) {
		t.Errorf("half skew: got %s, want 0.05", got)
	}
	if got := fpmath.ComputeFundingRate(fpmath.FromInt(-5000), scale, maxRate); !got.Equal(maxRate.Neg()) {
		t.Errorf("beyond scale: got %s, want -0.1", got)
	}
	if got := fpmath.ComputeFundingRate(fpmath.Zero(), scale, maxRate); !got.IsZero() {
		t.Errorf("zero skew: got %s, want 0", got)
	}
}

func TestComputeUnrecordedFunding(t *testing.T) {
	// 0.1/day at price 100 for half a day = 5 per unit
	got := fpmath.ComputeUnrecordedFunding(fpmath.MustParse("0.1"), fpmath.FromInt(100), 43200, 86400)
	if !got.Equal(fpmath.FromInt(5)) {
		t.Errorf("got %s, want 5", got)
	}
}

func TestComputeAccruedFunding_RoundsAgainstTrader(t *testing.T) {
	// per-unit 1e-18 * size 0.5 = 0.5e-18: owed rounds up to 1e-18
	got := fpmath.ComputeAccruedFunding(fpmath.FromRawInt64(1), fpmath.Zero(), fpmath.MustParse("0.5"))
	if got.Cmp(fpmath.FromRawInt64(1)) != 0 {
		t.Errorf("got %s, want 1e-18", got)
	}
	// received funding rounds toward zero
	got = fpmath.ComputeAccruedFunding(fpmath.FromRawInt64(1), fpmath.Zero(), fpmath.MustParse("-0.5"))
	if !got.IsZero() {
		t.Errorf("got %s, want 0", got)
	}
}

func TestComputePnL(t *testing.T) {
	got := fpmath.ComputePnL(fpmath.FromInt(-2), fpmath.FromInt(90), fpmath.FromInt(100))
	if !got.Equal(fpmath.FromInt(20)) {
		t.Errorf("short gain: got %s, want 20", got)
	}
	if got := fpmath.ComputeNotional(fpmath.FromInt(-2), fpmath.FromInt(90)); !got.Equal(fpmath.FromInt(180)) {
		t.Errorf("notional: got %s, want 180", got)
	}
}
