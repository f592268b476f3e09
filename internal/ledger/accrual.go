package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/schedule"
	"github.com/yourorg/emission-ledger/internal/token"
	"github.com/yourorg/emission-ledger/internal/types"
	"github.com/yourorg/emission-ledger/internal/validation"
)

// settlePool advances a copy of pool to block. It never mutates its inputs; the returned
// result says what has to be minted and where.
func settlePool(sched *schedule.Schedule, pool model.Pool, totalWeight uint64, split Split, block uint64) (model.Pool, model.SettleResult, error) {
	pool = pool.Clone()
	result := model.SettleResult{
		PoolID:    pool.ID,
		FromBlock: pool.LastRewardBlock,
		ToBlock:   pool.LastRewardBlock,
		Reward:    new(uint256.Int),
		Treasury:  new(uint256.Int),
		Community: new(uint256.Int),
		PoolShare: new(uint256.Int),
	}
	if block <= pool.LastRewardBlock || totalWeight == 0 {
		return pool, result, nil
	}

	to := block
	if end := sched.EndBlock(); to > end {
		to = end
	}
	if to <= pool.LastRewardBlock {
		// already settled through the end of emission
		return pool, result, nil
	}

	emission := sched.EmissionBetween(pool.LastRewardBlock, to)
	reward, overflow := new(uint256.Int).MulOverflow(emission, uint256.NewInt(pool.Weight))
	if overflow {
		return pool, result, fmt.Errorf("%w: weighting emission of pool %d", types.ErrOverflow, pool.ID)
	}
	reward.Div(reward, uint256.NewInt(totalWeight))

	bps := uint256.NewInt(validation.BpsDenominator)
	treasury := new(uint256.Int).Mul(reward, uint256.NewInt(split.TreasuryBps))
	treasury.Div(treasury, bps)
	poolShare := new(uint256.Int).Mul(reward, uint256.NewInt(split.PoolBps))
	poolShare.Div(poolShare, bps)
	community := new(uint256.Int).Sub(reward, treasury)
	community.Sub(community, poolShare)

	result.ToBlock = to
	result.Reward = reward
	result.Treasury = treasury
	result.Community = community
	result.PoolShare = poolShare

	if pool.TotalStaked.IsZero() {
		// nobody to credit: the pool share goes to the community wallet
		result.Redirected = true
	} else {
		scaled, overflow := new(uint256.Int).MulOverflow(poolShare, types.Precision)
		if overflow {
			return pool, result, fmt.Errorf("%w: scaling pool share of pool %d", types.ErrOverflow, pool.ID)
		}
		scaled.Div(scaled, pool.TotalStaked)
		if _, overflow := pool.AccRewardPerShare.AddOverflow(pool.AccRewardPerShare, scaled); overflow {
			return pool, result, fmt.Errorf("%w: accumulator of pool %d", types.ErrOverflow, pool.ID)
		}
	}
	pool.LastRewardBlock = to
	return pool, result, nil
}

// batch collects the pool updates and mints of one call. Nothing in it is visible until
// commit.
type batch struct {
	e       *Engine
	pools   map[uint64]model.Pool
	order   []uint64
	results []model.SettleResult

	treasury  *uint256.Int
	community *uint256.Int
	self      *uint256.Int

	// bonus is minted to the engine together with the pool shares, then paid out
	bonus *uint256.Int
}

func (e *Engine) newBatch() *batch {
	return &batch{
		e:         e,
		pools:     make(map[uint64]model.Pool),
		treasury:  new(uint256.Int),
		community: new(uint256.Int),
		self:      new(uint256.Int),
		bonus:     new(uint256.Int),
	}
}

// pool returns the batch's working copy of a pool
func (b *batch) pool(id uint64) model.Pool {
	if p, ok := b.pools[id]; ok {
		return p
	}
	p := b.e.pools[id].Clone()
	b.put(p)
	return p
}

func (b *batch) put(p model.Pool) {
	if _, ok := b.pools[p.ID]; !ok {
		b.order = append(b.order, p.ID)
	}
	b.pools[p.ID] = p
}

// settle advances the working copy of a pool to block
func (b *batch) settle(id, block uint64) (model.Pool, error) {
	pool, result, err := settlePool(b.e.sched, b.pool(id), b.e.totalWeight, b.e.split(), block)
	if err != nil {
		return model.Pool{}, err
	}
	b.put(pool)
	if !result.Applied() {
		return pool, nil
	}

	b.results = append(b.results, result)
	b.treasury.Add(b.treasury, result.Treasury)
	b.community.Add(b.community, result.Community)
	if result.Redirected {
		b.community.Add(b.community, result.PoolShare)
	} else {
		b.self.Add(b.self, result.PoolShare)
	}
	return pool, nil
}

// settleAll advances every pool to block
func (b *batch) settleAll(block uint64) error {
	for id := range b.e.pools {
		if _, err := b.settle(uint64(id), block); err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) mints() bool {
	return !b.treasury.IsZero() || !b.community.IsZero() || !b.self.IsZero() || !b.bonus.IsZero()
}

// mint issues the collected settlement and bonus amounts. The amounts are checked against
// the reward supply before the first one is issued.
func (b *batch) mint(reward token.Token) error {
	selfTotal := new(uint256.Int).Add(b.self, b.bonus)
	if err := b.checkMint(reward); err != nil {
		return err
	}
	mints := []struct {
		to     string
		amount *uint256.Int
		do     func() error
	}{
		{"treasury", b.treasury, func() error { return reward.Mint(b.e.params.TreasuryWallet, b.treasury) }},
		{"community", b.community, func() error { return reward.Mint(b.e.params.CommunityWallet, b.community) }},
		{"engine", selfTotal, func() error { return reward.Mint(b.e.self, selfTotal) }},
	}
	for _, m := range mints {
		if m.amount.IsZero() {
			continue
		}
		if err := m.do(); err != nil {
			return fmt.Errorf("minting %s share: %w", m.to, err)
		}
	}
	return nil
}

// checkMint fails if the engine could not issue every amount of the batch
func (b *batch) checkMint(reward token.Token) error {
	if owner := reward.Owner(); owner != b.e.self {
		return fmt.Errorf("%w: owner is %s", types.ErrNotMinter, owner.Hex())
	}
	return mintable(reward, b.treasury, b.community, b.self, b.bonus)
}

// mintable fails if minting amounts on top of tok's supply would overflow
func mintable(tok token.Token, amounts ...*uint256.Int) error {
	total := tok.TotalSupply()
	for _, a := range amounts {
		if _, overflow := total.AddOverflow(total, a); overflow {
			return fmt.Errorf("%w: minting exceeds %s supply", types.ErrOverflow, tok.Address().Hex())
		}
	}
	return nil
}

// commit publishes the working pools and folds the settlements into the totals
func (b *batch) commit() {
	e := b.e
	for _, id := range b.order {
		e.pools[id] = b.pools[id]
	}
	for _, r := range b.results {
		e.totals.Emitted.Add(e.totals.Emitted, r.Reward)
		e.totals.Treasury.Add(e.totals.Treasury, r.Treasury)
		if r.Redirected {
			e.totals.Community.Add(e.totals.Community, new(uint256.Int).Sub(r.Reward, r.Treasury))
		} else {
			e.totals.Community.Add(e.totals.Community, r.Community)
			e.totals.PoolShare.Add(e.totals.PoolShare, r.PoolShare)
		}
		e.observer.SettleApplied(r)

		logrus.WithFields(logrus.Fields{
			"pool":       r.PoolID,
			"from":       r.FromBlock,
			"to":         r.ToBlock,
			"reward":     r.Reward.Dec(),
			"redirected": r.Redirected,
		}).Debug("Pool settled")
	}
	e.totals.Bonus.Add(e.totals.Bonus, b.bonus)
}

// apply mints and commits a batch that has no other effects
func (b *batch) apply() error {
	if b.mints() {
		reward, err := b.e.rewardToken()
		if err != nil {
			return err
		}
		if err := b.mint(reward); err != nil {
			return err
		}
	}
	b.commit()
	return nil
}

// Settle brings one pool's accumulator up to the call's block. Anyone may call it.
func (e *Engine) Settle(call types.Call, poolID uint64) (model.SettleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.poolIndex(poolID); err != nil {
		return model.SettleResult{}, err
	}
	b := e.newBatch()
	if _, err := b.settle(poolID, call.Block); err != nil {
		return model.SettleResult{}, err
	}
	if err := b.apply(); err != nil {
		return model.SettleResult{}, err
	}
	e.observer.PoolUpdated(e.pools[poolID].Clone())

	if len(b.results) == 0 {
		pool := e.pools[poolID]
		return model.SettleResult{
			PoolID:    poolID,
			FromBlock: pool.LastRewardBlock,
			ToBlock:   pool.LastRewardBlock,
			Reward:    new(uint256.Int),
			Treasury:  new(uint256.Int),
			Community: new(uint256.Int),
			PoolShare: new(uint256.Int),
		}, nil
	}
	return b.results[0], nil
}

// MassSettle settles every pool in id order and returns the settlements that advanced
func (e *Engine) MassSettle(call types.Call) ([]model.SettleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.newBatch()
	if err := b.settleAll(call.Block); err != nil {
		return nil, err
	}
	if err := b.apply(); err != nil {
		return nil, err
	}
	for _, id := range b.order {
		e.observer.PoolUpdated(e.pools[id].Clone())
	}
	return b.results, nil
}
