package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of wei per ether as a power of ten.
const EtherDecimals = 18

// EtherToWei converts an ether amount to integer wei, truncating dust.
func EtherToWei(ether decimal.Decimal) decimal.Decimal {
	return ether.Shift(EtherDecimals).Truncate(0)
}

// WeiToEther converts wei to ether for display.
func WeiToEther(wei decimal.Decimal) decimal.Decimal {
	return wei.Shift(-EtherDecimals)
}

// ParseEther parses a decimal ether string such as "0.1" into wei.
func ParseEther(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("model: invalid ether amount %q: %w", s, err)
	}
	return EtherToWei(d), nil
}

// ParseWei parses a non-negative integer wei string.
func ParseWei(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("model: invalid wei amount %q: %w", s, err)
	}
	if d.IsNegative() || !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("model: wei amount %q must be a non-negative integer", s)
	}
	return d, nil
}
