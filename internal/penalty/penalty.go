// Package penalty computes the reward forfeited by early withdrawals.
package penalty

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/yourorg/emission-ledger/internal/types"
)

// MaxPercent is the largest configurable penalty
const MaxPercent = 100

// Policy holds the global early-withdrawal parameters
type Policy struct {
	// Period is the minimum holding duration after the last deposit
	Period time.Duration `json:"period"`

	// Percent of pending reward forfeited inside the window
	Percent uint64 `json:"percent"`
}

// DefaultPolicy returns a three day window forfeiting half the pending reward
func DefaultPolicy() Policy {
	return Policy{
		Period:  72 * time.Hour,
		Percent: 50,
	}
}

// Validate checks the policy bounds
func (p Policy) Validate() error {
	if p.Period < 0 {
		return fmt.Errorf("%w: penalty period must not be negative", types.ErrValidation)
	}
	if p.Percent > MaxPercent {
		return fmt.Errorf("%w: penalty percent %d exceeds %d", types.ErrValidation, p.Percent, MaxPercent)
	}
	return nil
}

// Active reports whether a withdrawal at now falls inside the penalty window
func (p Policy) Active(lastDepositTime, now time.Time) bool {
	if p.Percent == 0 || p.Period == 0 {
		return false
	}
	return now.Sub(lastDepositTime) < p.Period
}

// Apply splits pending reward into the forfeited and payable parts. Principal is never
// passed here; the penalty only ever touches reward.
func (p Policy) Apply(pending *uint256.Int, lastDepositTime, now time.Time) (forfeited, payable *uint256.Int) {
	payable = new(uint256.Int).Set(pending)
	forfeited = new(uint256.Int)
	if pending.IsZero() || !p.Active(lastDepositTime, now) {
		return forfeited, payable
	}

	// pending is bounded by the schedule's total emission, so the product cannot overflow
	forfeited.Mul(pending, uint256.NewInt(p.Percent))
	forfeited.Div(forfeited, uint256.NewInt(MaxPercent))
	payable.Sub(payable, forfeited)
	return forfeited, payable
}

// Calculate is Apply with explicit parameters
func Calculate(pending *uint256.Int, lastDepositTime, now time.Time, period time.Duration, percent uint64) (forfeited, payable *uint256.Int) {
	return Policy{Period: period, Percent: percent}.Apply(pending, lastDepositTime, now)
}
