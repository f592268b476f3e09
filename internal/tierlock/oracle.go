// Package tierlock provides access to the tiered-lock oracle: the external record of how
// much each owner has locked, at which tier, and over which block ranges.
package tierlock

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yourorg/emission-ledger/internal/types"
)

// Oracle is the query surface the ledger consumes
type Oracle interface {
	// GetTier returns the owner's current tier and locked amount
	GetTier(ctx context.Context, owner common.Address) (types.Tier, *uint256.Int, error)

	// IntervalsOverlapping returns the owner's tier intervals intersecting [fromBlock, toBlock),
	// ordered by start block
	IntervalsOverlapping(ctx context.Context, owner common.Address, fromBlock, toBlock uint64) ([]types.TierInterval, error)

	// NotifyAutoRestake adds amount to the owner's lock and returns the new locked amount
	NotifyAutoRestake(ctx context.Context, owner common.Address, amount *uint256.Int) (*uint256.Int, error)
}
