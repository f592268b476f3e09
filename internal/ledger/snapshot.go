package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/types"
)

// Snapshot returns a deep copy of the whole ledger state. Positions are ordered by pool
// and owner so equal ledgers produce equal snapshots.
func (e *Engine) Snapshot() model.State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state := model.State{
		Params:          e.params.Clone(),
		BonusPoolID:     e.bonusPoolID,
		TotalPoolWeight: e.totalWeight,
		Pools:           make([]model.Pool, len(e.pools)),
		Positions:       make([]model.Position, 0, len(e.positions)),
		Totals:          e.totals.Clone(),
	}
	for i, p := range e.pools {
		state.Pools[i] = p.Clone()
	}
	for _, pos := range e.positions {
		state.Positions = append(state.Positions, pos.Clone())
	}
	sort.Slice(state.Positions, func(i, j int) bool {
		a, b := state.Positions[i], state.Positions[j]
		if a.PoolID != b.PoolID {
			return a.PoolID < b.PoolID
		}
		return bytes.Compare(a.Owner.Bytes(), b.Owner.Bytes()) < 0
	})
	return state
}

// Restore replaces the ledger state with a snapshot after checking it is internally
// consistent. The schedule and engine account are not part of the snapshot.
func (e *Engine) Restore(state model.State) error {
	if len(state.Pools) == 0 {
		return fmt.Errorf("%w: snapshot has no pools", types.ErrValidation)
	}
	if state.BonusPoolID >= uint64(len(state.Pools)) {
		return fmt.Errorf("%w: bonus pool %d out of range", types.ErrValidation, state.BonusPoolID)
	}

	byToken := make(map[common.Address]uint64, len(state.Pools))
	pools := make([]model.Pool, len(state.Pools))
	var weight uint64
	for i, p := range state.Pools {
		if p.ID != uint64(i) {
			return fmt.Errorf("%w: pool at index %d has id %d", types.ErrValidation, i, p.ID)
		}
		if _, dup := byToken[p.StakeToken]; dup {
			return fmt.Errorf("%w: stake token %s used twice", types.ErrValidation, p.StakeToken.Hex())
		}
		if p.LastRewardBlock > e.sched.EndBlock() {
			return fmt.Errorf("%w: pool %d settled past the end block", types.ErrValidation, p.ID)
		}
		byToken[p.StakeToken] = p.ID
		weight += p.Weight
		pools[i] = p.Clone()
	}
	if weight != state.TotalPoolWeight {
		return fmt.Errorf("%w: pool weights sum to %d, snapshot says %d", types.ErrValidation, weight, state.TotalPoolWeight)
	}

	positions := make(map[positionKey]model.Position, len(state.Positions))
	for _, pos := range state.Positions {
		if pos.PoolID >= uint64(len(pools)) {
			return fmt.Errorf("%w: position for unknown pool %d", types.ErrValidation, pos.PoolID)
		}
		positions[positionKey{pool: pos.PoolID, owner: pos.Owner}] = pos.Clone()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.params = state.Params.Clone()
	e.bonusPoolID = state.BonusPoolID
	e.totalWeight = weight
	e.pools = pools
	e.byToken = byToken
	e.positions = positions
	e.totals = state.Totals.Clone()

	logrus.WithFields(logrus.Fields{
		"pools":     len(pools),
		"positions": len(positions),
	}).Info("Ledger state restored")
	return nil
}
