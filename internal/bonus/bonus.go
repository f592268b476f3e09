// Package bonus computes the tier bonus paid on top of base reward in the bonus pool.
//
// A pending reward earned over [from, to) is split across the tier intervals that overlap it.
// Each overlapping sub-range receives the share of pending reward emitted during it, so a
// period boundary inside one tier interval is priced at the rate in force on each side.
package bonus

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

// RateDenominator converts whole-percent rates into fractions
const RateDenominator = 100

// Emission reports the schedule emission over a closed-open block range
type Emission interface {
	EmissionBetween(fromBlock, toBlock uint64) *uint256.Int
}

// Table holds bonus rates in whole percent, indexed by tier
type Table []uint64

// DefaultTable returns the stock rates for tiers 0 through 3
func DefaultTable() Table {
	return Table{0, 20, 30, 50}
}

// Rate returns the rate of tier; the second result is false for tiers beyond the table
func (t Table) Rate(tier types.Tier) (uint64, bool) {
	if int(tier) >= len(t) {
		return 0, false
	}
	return t[tier], true
}

// Validate checks the table shape
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: bonus table must not be empty", types.ErrValidation)
	}
	if len(t) > 256 {
		return fmt.Errorf("%w: bonus table has %d entries, tiers stop at 255", types.ErrValidation, len(t))
	}
	if t[0] != 0 {
		return fmt.Errorf("%w: tier 0 must not earn a bonus", types.ErrValidation)
	}
	return nil
}

// Clone returns a copy of the table
func (t Table) Clone() Table {
	return append(Table(nil), t...)
}

// Calculator prorates pending reward over tier intervals
type Calculator struct {
	emission Emission
}

// New creates a calculator over the given emission curve
func New(emission Emission) *Calculator {
	return &Calculator{emission: emission}
}

// Compute returns the bonus owed on pending reward earned over [from, to) given the owner's
// tier intervals. Gaps in the timeline and tier 0 contribute nothing.
func (c *Calculator) Compute(pending *uint256.Int, from, to uint64, intervals []types.TierInterval, rates Table) (*uint256.Int, error) {
	total := new(uint256.Int)
	if pending == nil || pending.IsZero() || to <= from || len(intervals) == 0 {
		return total, nil
	}

	span := c.emission.EmissionBetween(from, to)
	if span.IsZero() {
		return total, nil
	}

	timeline, err := normalize(intervals)
	if err != nil {
		return nil, err
	}

	for _, iv := range timeline {
		if !iv.Overlaps(from, to) {
			continue
		}
		rate, ok := rates.Rate(iv.Tier)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"tier":       iv.Tier,
				"table_size": len(rates),
			}).Warn("Tier has no bonus rate, skipping interval")
			continue
		}
		if rate == 0 {
			continue
		}

		start, end := iv.Start, iv.End
		if start < from {
			start = from
		}
		if end > to {
			end = to
		}

		share, overflow := new(uint256.Int).MulOverflow(pending, c.emission.EmissionBetween(start, end))
		if overflow {
			return nil, fmt.Errorf("%w: prorating pending reward over [%d, %d)", types.ErrOverflow, start, end)
		}
		share.Div(share, span)

		part, overflow := new(uint256.Int).MulOverflow(share, uint256.NewInt(rate))
		if overflow {
			return nil, fmt.Errorf("%w: applying tier %d rate", types.ErrOverflow, iv.Tier)
		}
		part.Div(part, uint256.NewInt(RateDenominator))

		if _, overflow := total.AddOverflow(total, part); overflow {
			return nil, fmt.Errorf("%w: summing bonus", types.ErrOverflow)
		}
	}
	return total, nil
}

// normalize sorts a copy of the intervals and rejects overlapping or inverted ones.
// The oracle is expected to return a non-overlapping timeline; anything else would pay
// the same blocks twice.
func normalize(intervals []types.TierInterval) ([]types.TierInterval, error) {
	sorted := append([]types.TierInterval(nil), intervals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, iv := range sorted {
		if iv.End <= iv.Start {
			return nil, fmt.Errorf("%w: empty tier interval [%d, %d)", types.ErrOracleUnavailable, iv.Start, iv.End)
		}
		if i > 0 && sorted[i-1].End > iv.Start {
			return nil, fmt.Errorf("%w: tier intervals overlap at block %d", types.ErrOracleUnavailable, iv.Start)
		}
	}
	return sorted, nil
}
