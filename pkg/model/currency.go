package model

// CurrencyBasis names the denomination a vendor quoted a price in.
// Primary is the smallest unit; secondary is the larger denomination
// (one secondary unit equals Ratio primary units).
type CurrencyBasis string

const (
	BasisPrimary   CurrencyBasis = "primary"
	BasisSecondary CurrencyBasis = "secondary"
)

// DefaultCurrencyRatio is the fixed secondary:primary ratio of the market.
const DefaultCurrencyRatio int64 = 10

// Valid reports whether b is a known basis.
func (b CurrencyBasis) Valid() bool {
	return b == BasisPrimary || b == BasisSecondary
}

// ToPrimary converts amount quoted in basis into primary units.
func ToPrimary(amount int64, basis CurrencyBasis, ratio int64) int64 {
	if basis == BasisSecondary {
		return amount * ratio
	}
	return amount
}

// FromPrimary converts a primary amount back into basis. The conversion is exact for
// any value previously produced by ToPrimary.
func FromPrimary(amount int64, basis CurrencyBasis, ratio int64) int64 {
	if basis == BasisSecondary && ratio != 0 {
		return amount / ratio
	}
	return amount
}
