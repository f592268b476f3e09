// Package types contains shared type definitions used across multiple packages
package types

import (
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OpenEnd marks a tier interval that has not been closed yet
const OpenEnd uint64 = math.MaxUint64

// Call carries the caller identity and the chain position observed by one external call.
// Block and Time are inputs only; the ledger never waits for them to advance.
type Call struct {
	// Caller is the identity invoking the operation
	Caller common.Address `json:"caller"`

	// Block is the current block index
	Block uint64 `json:"block"`

	// Time is the wall-clock time of the block
	Time time.Time `json:"time"`
}

// NewCall creates a call context
func NewCall(caller common.Address, block uint64, at time.Time) Call {
	return Call{Caller: caller, Block: block, Time: at}
}

// Tier is a discrete bonus level reported by the tier-lock oracle.
// Tier 0 means no lock.
type Tier uint8

// TierInterval is a closed-open block range [Start, End) during which an owner held Tier.
// End equals OpenEnd while the interval is still running.
type TierInterval struct {
	Tier  Tier   `json:"tier"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// IsOpen reports whether the interval is still running
func (ti TierInterval) IsOpen() bool {
	return ti.End == OpenEnd
}

// Overlaps reports whether the interval intersects [from, to)
func (ti TierInterval) Overlaps(from, to uint64) bool {
	return ti.Start < to && from < ti.End
}
