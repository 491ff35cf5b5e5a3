package math_test

import (
	"math/big"
	"testing"

	fpmath "GridSettle/internal/math"
)

// ============================================================================
// Test: Contract fixed-point conversions
// ============================================================================

func TestFromContractUnits(t *testing.T) {
	cases := []struct {
		raw  int64
		want float64
	}{
		{0, 0},
		{1500, 15.00},
		{1, 0.01},
		{-250, -2.50},
		{100000, 1000.00},
	}
	for _, c := range cases {
		if got := fpmath.FromContractUnits(c.raw); got != c.want {
			t.Errorf("FromContractUnits(%d) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestToContractUnits_Rounding(t *testing.T) {
	cases := []struct {
		units float64
		want  int64
	}{
		{15.00, 1500},
		{15.005, 1501},
		{15.004, 1500},
		{-15.005, -1501},
		{-15.004, -1500},
		{0, 0},
	}
	for _, c := range cases {
		if got := fpmath.ToContractUnits(c.units); got != c.want {
			t.Errorf("ToContractUnits(%v) = %d, want %d", c.units, got, c.want)
		}
	}
}

func TestBigFromContract(t *testing.T) {
	got, err := fpmath.BigFromContract(big.NewInt(123456))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 123456 {
		t.Errorf("got %d, want 123456", got)
	}
}

func TestBigFromContract_Overflow(t *testing.T) {
	v := new(big.Int).Lsh(big.NewInt(1), 80)
	if _, err := fpmath.BigFromContract(v); err == nil {
		t.Error("expected overflow error")
	}
}

func TestBigFromContract_Nil(t *testing.T) {
	if _, err := fpmath.BigFromContract(nil); err == nil {
		t.Error("expected error for nil amount")
	}
}

// ============================================================================
// Test: Sign handling
// ============================================================================

func TestAbsWh(t *testing.T) {
	cases := []struct {
		wh       int64
		wantAbs  int64
		wantSign int64
	}{
		{4000, 4000, 1},
		{-4000, 4000, -1},
		{0, 0, 1},
	}
	for _, c := range cases {
		abs, sign := fpmath.AbsWh(c.wh)
		if abs != c.wantAbs || sign != c.wantSign {
			t.Errorf("AbsWh(%d) = (%d, %d), want (%d, %d)", c.wh, abs, sign, c.wantAbs, c.wantSign)
		}
	}
}

// Token conversion must be antisymmetric: equal magnitudes of import and
// export map to token amounts of equal magnitude and opposite sign.
func TestApplySign_Antisymmetric(t *testing.T) {
	for _, wh := range []int64{1, 500, 4000, 999999} {
		absPos, signPos := fpmath.AbsWh(wh)
		absNeg, signNeg := fpmath.AbsWh(-wh)
		if absPos != absNeg {
			t.Fatalf("magnitude differs for ±%d", wh)
		}
		tokens := absPos * 3 // any monotone conversion of |wh|
		if fpmath.ApplySign(tokens, signPos) != -fpmath.ApplySign(tokens, signNeg) {
			t.Errorf("tokens(%d) != -tokens(%d)", wh, -wh)
		}
	}
}

// ============================================================================
// Test: Unit conversion
// ============================================================================

func TestWhToKwh(t *testing.T) {
	cases := []struct {
		wh   int64
		want int64
	}{
		{4000, 4},
		{4499, 4},
		{4500, 5}, // half rounds away from zero
		{-4500, -5},
		{-4499, -4},
		{0, 0},
		{999, 1},
		{499, 0},
	}
	for _, c := range cases {
		if got := fpmath.WhToKwh(c.wh); got != c.want {
			t.Errorf("WhToKwh(%d) = %d, want %d", c.wh, got, c.want)
		}
	}
}

func TestMulDiv(t *testing.T) {
	got, err := fpmath.MulDiv(5000, 150, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7500 {
		t.Errorf("got %d, want 7500", got)
	}
}

func TestMulDiv_IntermediateOverflow(t *testing.T) {
	// a*b overflows int64 but the quotient fits.
	got, err := fpmath.MulDiv(1<<62, 4, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1<<61 {
		t.Errorf("got %d, want %d", got, int64(1)<<61)
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	if _, err := fpmath.MulDiv(1, 1, 0); err == nil {
		t.Error("expected division-by-zero error")
	}
}
