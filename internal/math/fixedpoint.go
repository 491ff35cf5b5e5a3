package math

import (
	"fmt"
	"math/big"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// ContractConfig is the Market/EnergyConverter convention:
	// every amount and price on the wire carries 2 fixed decimals.
	ContractConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}

	// EnergyConfig: metered energy is integer Wh, no fractional part.
	EnergyConfig = DecimalConfig{DecimalPrecision: 0, Scale: 1}
)

// WhPerKwh converts between meter units and the kWh figures stored locally.
const WhPerKwh = 1000

// FromContractUnits converts a raw chain integer (2 fixed decimals) into a
// float for display/chart purposes. Settlement math never goes through this;
// it stays in scaled int64.
func FromContractUnits(raw int64) float64 {
	return float64(raw) / float64(ContractConfig.Scale)
}

// ToContractUnits converts a whole-unit value into the chain's 2-decimal
// scaled representation.
func ToContractUnits(units float64) int64 {
	if units < 0 {
		return int64(units*float64(ContractConfig.Scale) - 0.5)
	}
	return int64(units*float64(ContractConfig.Scale) + 0.5)
}

// BigFromContract converts a chain-returned *big.Int (2 fixed decimals) into
// int64, erroring instead of silently truncating on overflow.
func BigFromContract(v *big.Int) (int64, error) {
	if v == nil {
		return 0, fmt.Errorf("nil contract amount")
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("contract amount %s overflows int64", v.String())
	}
	return v.Int64(), nil
}

// AbsWh returns |wh| and the sign of wh as +1/-1 (zero maps to +1).
// The converter contract only takes unsigned energy; the caller reapplies
// the sign to the returned token amount so that
// tokens(-w) == -tokens(w) holds for equal |w|.
func AbsWh(wh int64) (abs int64, sign int64) {
	if wh < 0 {
		return -wh, -1
	}
	return wh, 1
}

// ApplySign restores the meter-side sign onto an unsigned token amount.
func ApplySign(amount int64, sign int64) int64 {
	if sign < 0 {
		return -amount
	}
	return amount
}

// WhToKwh converts integer Wh to kWh with half-away-from-zero rounding,
// preserving sign.
func WhToKwh(wh int64) int64 {
	abs, sign := AbsWh(wh)
	kwh := (abs + WhPerKwh/2) / WhPerKwh
	return ApplySign(kwh, sign)
}

// MulDiv performs a*b/denom through big.Int so intermediate products cannot
// overflow int64. Truncates toward zero like the EVM does.
func MulDiv(a, b, denom int64) (int64, error) {
	if denom == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	r := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	r.Quo(r, big.NewInt(denom))
	if !r.IsInt64() {
		return 0, fmt.Errorf("result %s overflows int64", r.String())
	}
	return r.Int64(), nil
}
