// Package validation checks admin-supplied ledger parameters before any state changes.
package validation

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

// BpsDenominator is the basis-point total the reward split must reach
const BpsDenominator = 10_000

// ContractChecker answers whether an address holds code
type ContractChecker interface {
	IsContract(addr common.Address) bool
}

// ValidationOptions holds the bounds applied to admin parameters
type ValidationOptions struct {
	// MaxPoolWeight caps a single pool weight
	MaxPoolWeight uint64

	// MaxBonusRate caps a tier bonus rate, in whole percent
	MaxBonusRate uint64

	// MaxPenaltyPeriod caps the early-withdrawal window
	MaxPenaltyPeriod time.Duration
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxPoolWeight:    1_000_000,
		MaxBonusRate:     1_000,
		MaxPenaltyPeriod: 365 * 24 * time.Hour,
	}
}

// Validator checks parameters against a contract registry
type Validator struct {
	contracts ContractChecker
	opts      ValidationOptions
}

// New creates a validator with default options
func New(contracts ContractChecker) *Validator {
	return NewWithOptions(contracts, DefaultValidationOptions())
}

// NewWithOptions creates a validator with custom options
func NewWithOptions(contracts ContractChecker, opts ValidationOptions) *Validator {
	return &Validator{contracts: contracts, opts: opts}
}

// Contract requires a non-zero address that holds code
func (v *Validator) Contract(field string, addr common.Address) error {
	if addr == (common.Address{}) || !v.contracts.IsContract(addr) {
		return reject(field, addr.Hex(), fmt.Sprintf("%s should be a contract address", field))
	}
	return nil
}

// Account requires a non-zero address
func (v *Validator) Account(field string, addr common.Address) error {
	if addr == (common.Address{}) {
		return reject(field, addr.Hex(), fmt.Sprintf("%s should not be the zero address", field))
	}
	return nil
}

// Wallets requires two non-zero, non-contract addresses
func (v *Validator) Wallets(treasury, community common.Address) error {
	wallets := []struct {
		field string
		addr  common.Address
	}{
		{"treasury wallet", treasury},
		{"community wallet", community},
	}
	for _, w := range wallets {
		if err := v.Account(w.field, w.addr); err != nil {
			return err
		}
		if v.contracts.IsContract(w.addr) {
			return reject(w.field, w.addr.Hex(), "wallet address should not be a contract address")
		}
	}
	return nil
}

// Weight bounds a pool weight
func (v *Validator) Weight(weight uint64) error {
	if weight > v.opts.MaxPoolWeight {
		return reject("weight", weight, fmt.Sprintf("pool weight exceeds %d", v.opts.MaxPoolWeight))
	}
	return nil
}

// Split requires the three shares to sum to the full basis-point denominator
func (v *Validator) Split(treasuryBps, communityBps, poolBps uint64) error {
	if treasuryBps > BpsDenominator || communityBps > BpsDenominator || poolBps > BpsDenominator ||
		treasuryBps+communityBps+poolBps != BpsDenominator {
		return reject("split", []uint64{treasuryBps, communityBps, poolBps},
			fmt.Sprintf("sum of three shares should be %d basis points", BpsDenominator))
	}
	return nil
}

// BonusTable bounds every tier bonus rate; tier 0 never earns a bonus
func (v *Validator) BonusTable(rates []uint64) error {
	if len(rates) == 0 || len(rates) > 256 {
		return reject("tier_bonus_rates", rates, "bonus table needs between 1 and 256 tiers")
	}
	if rates[0] != 0 {
		return reject("tier_bonus_rates", rates, "tier 0 should not earn a bonus")
	}
	for tier, rate := range rates {
		if rate > v.opts.MaxBonusRate {
			return reject("tier_bonus_rates", rates, fmt.Sprintf("tier %d rate %d exceeds %d", tier, rate, v.opts.MaxBonusRate))
		}
	}
	return nil
}

// Penalty bounds the early-withdrawal parameters
func (v *Validator) Penalty(period time.Duration, percent uint64) error {
	if period < 0 || period > v.opts.MaxPenaltyPeriod {
		return reject("penalty_period", period, fmt.Sprintf("penalty period should be within [0, %s]", v.opts.MaxPenaltyPeriod))
	}
	if percent > 100 {
		return reject("penalty_percent", percent, "penalty percent should not exceed 100")
	}
	return nil
}

func reject(field string, value interface{}, reason string) error {
	logrus.WithFields(logrus.Fields{
		"field": field,
		"value": value,
	}).Debug("Rejected admin parameter")
	return fmt.Errorf("%w: %s", types.ErrValidation, reason)
}
