package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Precision scales accRewardPerShare
var Precision = uint256.NewInt(1_000_000_000_000_000_000)

// ParseAmount parses a base-10 token amount. Hex with a 0x prefix is accepted as well.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrValidation)
	}

	var (
		b  *big.Int
		ok bool
	)
	if hex := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"); hex != s {
		b, ok = new(big.Int).SetString(hex, 16)
	} else {
		b, ok = new(big.Int).SetString(s, 10)
	}
	if !ok || b.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: amount %q exceeds 256 bits", ErrOverflow, s)
	}
	return v, nil
}

// MustParseAmount is ParseAmount for constants; it panics on bad input
func MustParseAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}
