package tierlock

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/yourorg/emission-ledger/internal/circuitbreaker"
	"github.com/yourorg/emission-ledger/internal/types"
)

// Guarded wraps an oracle with a circuit breaker. Failures count toward tripping, and an
// open breaker fails calls without reaching the oracle.
type Guarded struct {
	next    Oracle
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuarded wraps next
func NewGuarded(next Oracle, breaker *circuitbreaker.CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Breaker exposes the breaker for state reporting
func (g *Guarded) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

// GetTier implements Oracle
func (g *Guarded) GetTier(ctx context.Context, owner common.Address) (types.Tier, *uint256.Int, error) {
	if err := g.breaker.Allow(); err != nil {
		return 0, nil, err
	}
	tier, amount, err := g.next.GetTier(ctx, owner)
	g.record(err)
	return tier, amount, err
}

// IntervalsOverlapping implements Oracle
func (g *Guarded) IntervalsOverlapping(ctx context.Context, owner common.Address, fromBlock, toBlock uint64) ([]types.TierInterval, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	intervals, err := g.next.IntervalsOverlapping(ctx, owner, fromBlock, toBlock)
	if err != nil {
		g.breaker.RecordFailure(err)
		return nil, err
	}
	if err := g.breaker.Check(intervals); err != nil {
		return nil, err
	}
	return intervals, nil
}

// NotifyAutoRestake implements Oracle
func (g *Guarded) NotifyAutoRestake(ctx context.Context, owner common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	locked, err := g.next.NotifyAutoRestake(ctx, owner, amount)
	g.record(err)
	return locked, err
}

func (g *Guarded) record(err error) {
	if err != nil {
		g.breaker.RecordFailure(err)
		return
	}
	g.breaker.RecordSuccess()
}
